package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/remiblancher/certbroker/pkg/cert"
)

// ErrUnknownAuthority is wrapped when a request names an authority that
// is not configured.
var ErrUnknownAuthority = errors.New("unknown registration authority")

// Broker routes requests to named registration authorities.
type Broker struct {
	mu          sync.RWMutex
	authorities map[string]*Authority
	closed      bool
}

// New returns a broker serving authorities. Names must be unique.
func New(authorities ...*Authority) (*Broker, error) {
	b := &Broker{authorities: make(map[string]*Authority, len(authorities))}
	for _, a := range authorities {
		if _, dup := b.authorities[a.Name()]; dup {
			return nil, &Error{Kind: KindConfigInvalid, Authority: a.Name(), Field: "registration_authority",
				Err: fmt.Errorf("duplicate authority %q", a.Name())}
		}
		b.authorities[a.Name()] = a
	}
	return b, nil
}

// Authority returns the authority called name.
func (b *Broker) Authority(name string) (*Authority, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.authorities[name]
	return a, ok
}

// Names returns the sorted authority names.
func (b *Broker) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.authorities))
	for name := range b.authorities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process runs raw through the authority called name.
func (b *Broker) Process(ctx context.Context, name string, raw []byte) (*cert.Certificate, error) {
	b.mu.RLock()
	a, ok := b.authorities[name]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil, &Error{Kind: KindConfigInvalid, Authority: name, Err: errors.New("broker closed")}
	}
	if !ok {
		return nil, &Error{Kind: KindConfigInvalid, Authority: name, Field: "registration_authority",
			Err: fmt.Errorf("%w: %q", ErrUnknownAuthority, name)}
	}
	return a.Process(ctx, raw)
}

// Close closes every authority's backend. Later calls to Process fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, a := range b.authorities {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("authority %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
