//go:build cgo

package signer

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"

	"github.com/miekg/pkcs11"
	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/pkg/ca"
)

// Module is the subset of a PKCS#11 library used by PKCS11Backend.
// *pkcs11.Ctx satisfies it.
type Module interface {
	Initialize(opts ...pkcs11.InitializeOption) error
	Finalize() error
	Destroy()
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
}

var _ Module = (*pkcs11.Ctx)(nil)

// ModuleLoader opens and initializes the PKCS#11 library at path.
type ModuleLoader func(path string) (Module, error)

type pkcs11Options struct {
	loader ModuleLoader
}

// WithModuleLoader replaces the function used to open PKCS#11 libraries.
func WithModuleLoader(l ModuleLoader) Option {
	return func(o *options) { o.pkcs11.loader = l }
}

// LoadModule opens the library at path with miekg/pkcs11 and initializes
// it. A library already initialized by this process is accepted.
func LoadModule(path string) (Module, error) {
	p11 := pkcs11.New(path)
	if p11 == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleLoad, path)
	}
	if err := p11.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			p11.Destroy()
			return nil, fmt.Errorf("%w: %s: %v", ErrModuleLoad, path, err)
		}
	}
	return p11, nil
}

// PKCS11Backend signs with an RSA key held in a hardware security module.
//
// The library is loaded once, when the backend is built. Every Sign opens
// its own session, logs in, resolves the key by CKA_ID, signs the
// DigestInfo with CKM_RSA_PKCS, logs out and closes the session. No
// session is shared between operations.
type PKCS11Backend struct {
	name  string
	slot  uint
	pin   string
	keyID []byte
	hash  ca.HashAlgorithm
	alg   pkix.AlgorithmIdentifier
	log   zerolog.Logger

	module Module
	login  *loginTracker

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

var _ Backend = (*PKCS11Backend)(nil)

// NewPKCS11 loads the configured PKCS#11 library and returns a backend for
// the CA called name. The CA certificate must carry an RSA public key.
func NewPKCS11(name string, cfg *ca.Config, caCert *x509.Certificate, opts ...Option) (*PKCS11Backend, error) {
	o := buildOptions(opts)

	if _, ok := caCert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: HSM signing needs an RSA CA key, certificate has %T",
			ErrKeyIncompatible, caCert.PublicKey)
	}
	alg, err := SignatureAlgorithmFor(caCert.PublicKey, cfg.HashAlgorithm())
	if err != nil {
		return nil, err
	}
	keyID, err := cfg.KeyIDBytes()
	if err != nil {
		return nil, err
	}
	if cfg.Slot == nil {
		return nil, fmt.Errorf("%w: slot", ca.ErrMissingField)
	}

	loader := o.pkcs11.loader
	if loader == nil {
		loader = LoadModule
	}
	module, err := loader(cfg.PKCS11Path)
	if err != nil {
		if !errors.Is(err, ErrModuleLoad) {
			err = fmt.Errorf("%w: %w", ErrModuleLoad, err)
		}
		return nil, &StepError{Backend: ca.BackendPKCS11, CA: name, Step: StepLoadModule, Err: err}
	}

	b := &PKCS11Backend{
		name:   name,
		slot:   *cfg.Slot,
		pin:    cfg.ResolvePIN(),
		keyID:  keyID,
		hash:   cfg.HashAlgorithm(),
		alg:    alg,
		module: module,
		log: o.logger.With().Str("ca", name).Str("backend", string(ca.BackendPKCS11)).
			Uint("slot", *cfg.Slot).Str("key_id", hex.EncodeToString(keyID)).Logger(),
	}
	b.login = tokenLogin(cfg.PKCS11Path, *cfg.Slot)
	b.log.Debug().Str("module", cfg.PKCS11Path).Msg("PKCS#11 module loaded")
	return b, nil
}

// Kind implements Backend.
func (b *PKCS11Backend) Kind() ca.BackendKind { return ca.BackendPKCS11 }

// SignatureAlgorithm implements Backend.
func (b *PKCS11Backend) SignatureAlgorithm() pkix.AlgorithmIdentifier { return b.alg }

// Sign implements Backend. If ctx ends while the token is working, the
// session is logged out and closed and Sign returns without waiting for
// the token.
func (b *PKCS11Backend) Sign(ctx context.Context, tbs []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxError(ca.BackendPKCS11, b.name, StepOpenSession, err)
	}

	digest, err := b.hash.Digest(tbs)
	if err != nil {
		return nil, b.stepError(StepDigest, err)
	}
	digestInfo, err := EncodeDigestInfo(b.hash, digest)
	if err != nil {
		return nil, b.stepError(StepDigest, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, b.stepError(StepOpenSession, ErrClosed)
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	s := &hsmSession{b: b}
	type result struct {
		sig []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer b.inflight.Done()
		sig, err := s.run(digestInfo)
		done <- result{sig, err}
	}()

	select {
	case r := <-done:
		return r.sig, r.err
	case <-ctx.Done():
		step := s.step()
		s.release()
		b.log.Warn().Str("step", string(step)).Msg("HSM operation abandoned, session closed")
		return nil, ctxError(ca.BackendPKCS11, b.name, step, ctx.Err())
	}
}

// Close refuses new operations and unloads the library once the token has
// answered every operation already started, abandoned ones included. The
// library is not finalized since other users in the process may share it.
func (b *PKCS11Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()
	b.module.Destroy()
	return nil
}

func (b *PKCS11Backend) stepError(step Step, err error) *StepError {
	return &StepError{Backend: ca.BackendPKCS11, CA: b.name, Step: step, Err: err}
}

// loginTracker counts sessions that rely on the user login of one token.
// PKCS#11 login state belongs to the application, not the session, so it
// is shared by every backend of the process using that token, and the
// token is only logged out when the last session using it lets go.
type loginTracker struct {
	mu   sync.Mutex
	refs int
}

type tokenKey struct {
	module string
	slot   uint
}

var tokenLogins = struct {
	sync.Mutex
	m map[tokenKey]*loginTracker
}{m: map[tokenKey]*loginTracker{}}

// tokenLogin returns the tracker shared by all backends using slot of the
// library at modulePath.
func tokenLogin(modulePath string, slot uint) *loginTracker {
	key := tokenKey{module: filepath.Clean(modulePath), slot: slot}
	tokenLogins.Lock()
	defer tokenLogins.Unlock()
	t, ok := tokenLogins.m[key]
	if !ok {
		t = &loginTracker{}
		tokenLogins.m[key] = t
	}
	return t
}

func (t *loginTracker) acquire(module Module, sh pkcs11.SessionHandle, pin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs == 0 {
		if err := module.Login(sh, pkcs11.CKU_USER, pin); err != nil {
			if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
				return err
			}
		}
	}
	t.refs++
	return nil
}

func (t *loginTracker) release(module Module, sh pkcs11.SessionHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs--
	if t.refs > 0 {
		return nil
	}
	t.refs = 0
	if err := module.Logout(sh); err != nil {
		if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_NOT_LOGGED_IN {
			return err
		}
	}
	return nil
}

// sessionState tracks how far one signing operation got.
type sessionState int

const (
	stateModuleLoaded sessionState = iota
	stateSessionOpen
	stateLoggedIn
	stateKeyResolved
	stateSigned
	stateLoggedOut
)

// hsmSession is the lifecycle of one signing operation:
// ModuleLoaded -> SessionOpen -> LoggedIn -> KeyResolved -> Signed -> LoggedOut.
// Cleanup runs exactly once: from release, or from run when the operation
// was abandoned while a login was in flight.
type hsmSession struct {
	b *PKCS11Backend

	mu        sync.Mutex
	state     sessionState
	handle    pkcs11.SessionHandle
	opened    bool
	loggingIn bool
	loggedIn  bool
	released  bool
}

func (s *hsmSession) run(digestInfo []byte) ([]byte, error) {
	b := s.b
	defer s.release()

	sh, err := b.module.OpenSession(b.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, b.stepError(StepOpenSession, err)
	}
	if !s.advance(stateSessionOpen, func() { s.handle, s.opened, s.loggingIn = sh, true, true }) {
		_ = b.module.CloseSession(sh)
		return nil, b.stepError(StepOpenSession, ErrTimeout)
	}

	err = b.login.acquire(b.module, sh, b.pin)
	s.mu.Lock()
	s.loggingIn = false
	if err == nil {
		s.loggedIn = true
		s.state = stateLoggedIn
	}
	abandoned := s.released
	s.mu.Unlock()
	if abandoned {
		s.cleanup()
		return nil, b.stepError(StepLogin, ErrTimeout)
	}
	if err != nil {
		return nil, b.stepError(StepLogin, fmt.Errorf("%w: %v", ErrLoginFailed, err))
	}

	key, err := s.findKey(sh)
	if err != nil {
		return nil, b.stepError(StepFindKey, err)
	}
	s.advance(stateKeyResolved, nil)

	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := b.module.SignInit(sh, mech, key); err != nil {
		return nil, b.stepError(StepSign, fmt.Errorf("sign init: %w", err))
	}
	sig, err := b.module.Sign(sh, digestInfo)
	if err != nil {
		return nil, b.stepError(StepSign, err)
	}
	s.advance(stateSigned, nil)
	return sig, nil
}

func (s *hsmSession) findKey(sh pkcs11.SessionHandle) (pkcs11.ObjectHandle, error) {
	b := s.b
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_ID, b.keyID),
	}
	if err := b.module.FindObjectsInit(sh, template); err != nil {
		return 0, fmt.Errorf("find init: %w", err)
	}
	defer func() { _ = b.module.FindObjectsFinal(sh) }()

	objs, _, err := b.module.FindObjects(sh, 2)
	if err != nil {
		return 0, fmt.Errorf("find objects: %w", err)
	}
	switch {
	case len(objs) == 0:
		return 0, ErrKeyNotFound
	case len(objs) > 1:
		b.log.Warn().Msg("several private keys share this key_id, using the first")
	}
	return objs[0], nil
}

// advance moves to next unless the session was already released, in
// which case it reports false. fn runs under the session lock.
func (s *hsmSession) advance(next sessionState, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	if fn != nil {
		fn()
	}
	s.state = next
	return true
}

// step names the step the operation is in.
func (s *hsmSession) step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateModuleLoaded:
		return StepOpenSession
	case stateSessionOpen:
		return StepLogin
	case stateLoggedIn:
		return StepFindKey
	case stateKeyResolved:
		return StepSign
	}
	return StepLogout
}

// release marks the operation finished and cleans up, unless a login is
// in flight, in which case run cleans up once the token answers.
func (s *hsmSession) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	pending := s.loggingIn
	s.mu.Unlock()
	if !pending {
		s.cleanup()
	}
}

// cleanup logs out and closes the session. The session fields no longer
// change once released is set.
func (s *hsmSession) cleanup() {
	s.mu.Lock()
	handle, opened, loggedIn := s.handle, s.opened, s.loggedIn
	if loggedIn {
		s.state = stateLoggedOut
	}
	s.mu.Unlock()

	b := s.b
	if loggedIn {
		if err := b.login.release(b.module, handle); err != nil {
			b.log.Warn().Err(err).Msg("HSM logout failed")
		}
	}
	if opened {
		if err := b.module.CloseSession(handle); err != nil {
			b.log.Warn().Err(err).Msg("HSM session close failed")
		}
	}
}

// ListKeys returns the RSA signing keys visible on slot after logging in
// with pin.
func ListKeys(modulePath string, slot uint, pin string, opts ...Option) ([]KeyInfo, error) {
	o := buildOptions(opts)
	loader := o.pkcs11.loader
	if loader == nil {
		loader = LoadModule
	}
	module, err := loader(modulePath)
	if err != nil {
		return nil, err
	}
	defer module.Destroy()

	sh, err := module.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("open session on slot %d: %w", slot, err)
	}
	defer func() { _ = module.CloseSession(sh) }()

	if err := module.Login(sh, pkcs11.CKU_USER, pin); err != nil {
		if e, ok := err.(pkcs11.Error); !ok || e != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
	}
	defer func() { _ = module.Logout(sh) }()

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if err := module.FindObjectsInit(sh, template); err != nil {
		return nil, fmt.Errorf("find init: %w", err)
	}
	var handles []pkcs11.ObjectHandle
	for {
		objs, _, err := module.FindObjects(sh, 64)
		if err != nil {
			_ = module.FindObjectsFinal(sh)
			return nil, fmt.Errorf("find objects: %w", err)
		}
		if len(objs) == 0 {
			break
		}
		handles = append(handles, objs...)
	}
	if err := module.FindObjectsFinal(sh); err != nil {
		return nil, fmt.Errorf("find final: %w", err)
	}

	keys := make([]KeyInfo, 0, len(handles))
	for _, h := range handles {
		attrs, err := module.GetAttributeValue(sh, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("read key attributes: %w", err)
		}
		var info KeyInfo
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_ID:
				info.ID = hex.EncodeToString(a.Value)
			case pkcs11.CKA_LABEL:
				info.Label = string(a.Value)
			case pkcs11.CKA_MODULUS:
				info.Bits = new(big.Int).SetBytes(a.Value).BitLen()
			}
		}
		keys = append(keys, info)
	}
	return keys, nil
}
