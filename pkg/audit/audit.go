package audit

import (
	"fmt"
)

// Logger records broker events on a Writer. The zero value and a nil
// *Logger discard everything.
type Logger struct {
	w Writer
}

// New returns a Logger writing to w.
func New(w Writer) *Logger {
	return &Logger{w: w}
}

// Open returns a Logger appending to the JSONL file at path. An empty path
// disables auditing.
func Open(path string) (*Logger, error) {
	if path == "" {
		return New(NopWriter{}), nil
	}
	w, err := NewFileWriter(path)
	if err != nil {
		return nil, err
	}
	return New(w), nil
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	if l == nil || l.w == nil {
		return false
	}
	_, nop := l.w.(NopWriter)
	return !nop
}

// Close closes the underlying writer.
func (l *Logger) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	return l.w.Close()
}

// Log writes event. When auditing is enabled and this returns an error,
// the calling operation must fail.
func (l *Logger) Log(event *Event) error {
	if l == nil || l.w == nil {
		return nil
	}
	if err := l.w.Write(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

func resultOf(success bool) Result {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// LogCALoaded records that a signing CA was loaded for an authority.
func (l *Logger) LogCALoaded(authority, caName, certPath, subject, backend string) error {
	return l.Log(NewEvent(EventCALoaded, ResultSuccess).
		WithObject(Object{Type: "ca", Path: certPath, Subject: subject}).
		WithContext(Context{Authority: authority, CA: caName, Backend: backend}))
}

// LogKeyAccessed records a use of the CA private key.
func (l *Logger) LogKeyAccessed(caName, backend string, success bool, reason string) error {
	return l.Log(NewEvent(EventKeyAccessed, resultOf(success)).
		WithObject(Object{Type: "key"}).
		WithContext(Context{CA: caName, Backend: backend, Reason: reason}))
}

// LogAuthFailed records a token login failure.
func (l *Logger) LogAuthFailed(caName, backend, reason string) error {
	return l.Log(NewEvent(EventAuthFailed, ResultFailure).
		WithObject(Object{Type: "key"}).
		WithContext(Context{CA: caName, Backend: backend, Reason: reason}))
}

// LogCSRRejected records a request refused by a validator. source is the
// client address, if known.
func (l *Logger) LogCSRRejected(authority, source, subject, validator, reason string) error {
	event := NewEvent(EventCSRRejected, ResultFailure).
		WithObject(Object{Type: "csr", Subject: subject}).
		WithContext(Context{Authority: authority, Validator: validator, Reason: reason})
	if source != "" {
		event.WithActor(Actor{Type: "client", ID: source, Host: event.Actor.Host})
	}
	return l.Log(event)
}

// LogCertIssued records an issued certificate.
func (l *Logger) LogCertIssued(authority, caName, serial, subject, algorithm, path string) error {
	return l.Log(NewEvent(EventCertIssued, ResultSuccess).
		WithObject(Object{Type: "certificate", Serial: serial, Subject: subject, Path: path}).
		WithContext(Context{Authority: authority, CA: caName, Algorithm: algorithm}))
}

// LogSigningFailed records a backend failure and the step it happened in.
func (l *Logger) LogSigningFailed(authority, caName, backend, step, reason string) error {
	return l.Log(NewEvent(EventSigningFailed, ResultFailure).
		WithObject(Object{Type: "certificate"}).
		WithContext(Context{Authority: authority, CA: caName, Backend: backend, Step: step, Reason: reason}))
}
