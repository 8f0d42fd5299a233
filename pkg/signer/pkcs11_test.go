//go:build cgo

package signer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/pkcs11"

	"github.com/remiblancher/certbroker/internal/testpki"
	"github.com/remiblancher/certbroker/pkg/ca"
)

// =============================================================================
// Fake PKCS#11 Module
// =============================================================================

// fakeModule is an in-memory token holding RSA keys indexed by CKA_ID.
type fakeModule struct {
	mu       sync.Mutex
	pin      string
	keys     map[string][]*rsa.PrivateKey // CKA_ID -> keys sharing that id
	calls    []string
	template []*pkcs11.Attribute
	next     pkcs11.SessionHandle
	found    map[pkcs11.SessionHandle][]*rsa.PrivateKey
	signKey  map[pkcs11.SessionHandle]*rsa.PrivateKey
	signed   [][]byte
	block    chan struct{} // when set, Sign waits on it
	loggedIn bool

	// signGate holds the next Sign call until closed; signEntered is
	// closed when that call reaches the token. loginGate does the same
	// for every Login.
	signGate    chan struct{}
	signEntered chan struct{}
	loginGate   chan struct{}
}

func newFakeModule(pin string) *fakeModule {
	return &fakeModule{
		pin:     pin,
		keys:    map[string][]*rsa.PrivateKey{},
		found:   map[pkcs11.SessionHandle][]*rsa.PrivateKey{},
		signKey: map[pkcs11.SessionHandle]*rsa.PrivateKey{},
	}
}

func (m *fakeModule) addKey(id []byte, key *rsa.PrivateKey) {
	m.keys[string(id)] = append(m.keys[string(id)], key)
}

func (m *fakeModule) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *fakeModule) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *fakeModule) Initialize(...pkcs11.InitializeOption) error {
	m.record("Initialize")
	return nil
}

func (m *fakeModule) Finalize() error { m.record("Finalize"); return nil }
func (m *fakeModule) Destroy()        { m.record("Destroy") }

// gateNextSign makes the next Sign call wait until the returned function
// is called. The channel is closed once that call reached the token.
func (m *fakeModule) gateNextSign() (entered <-chan struct{}, open func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signGate = make(chan struct{})
	m.signEntered = make(chan struct{})
	gate := m.signGate
	return m.signEntered, func() { close(gate) }
}

func (m *fakeModule) OpenSession(uint, uint) (pkcs11.SessionHandle, error) {
	m.record("OpenSession")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return m.next, nil
}

func (m *fakeModule) CloseSession(pkcs11.SessionHandle) error {
	m.record("CloseSession")
	return nil
}

func (m *fakeModule) Login(_ pkcs11.SessionHandle, _ uint, pin string) error {
	m.record("Login")
	if m.loginGate != nil {
		<-m.loginGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pin != m.pin {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	m.loggedIn = true
	return nil
}

func (m *fakeModule) Logout(pkcs11.SessionHandle) error {
	m.record("Logout")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loggedIn = false
	return nil
}

func (m *fakeModule) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.record("FindObjectsInit")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.template = temp
	var found []*rsa.PrivateKey
	byID := false
	for _, a := range temp {
		if a.Type == pkcs11.CKA_ID {
			found, byID = m.keys[string(a.Value)], true
		}
	}
	if !byID {
		for _, id := range m.sortedIDs() {
			found = append(found, m.keys[id]...)
		}
	}
	m.found[sh] = found
	return nil
}

func (m *fakeModule) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.record("FindObjects")
	m.mu.Lock()
	defer m.mu.Unlock()
	var handles []pkcs11.ObjectHandle
	for len(m.found[sh]) > 0 && len(handles) < max {
		handles = append(handles, pkcs11.ObjectHandle(100+len(handles)))
		if len(handles) == 1 {
			m.signKey[sh] = m.found[sh][0]
		}
		m.found[sh] = m.found[sh][1:]
	}
	return handles, false, nil
}

func (m *fakeModule) sortedIDs() []string {
	var ids []string
	for id := range m.keys {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *fakeModule) FindObjectsFinal(pkcs11.SessionHandle) error {
	m.record("FindObjectsFinal")
	return nil
}

func (m *fakeModule) SignInit(_ pkcs11.SessionHandle, mech []*pkcs11.Mechanism, _ pkcs11.ObjectHandle) error {
	m.record("SignInit")
	if len(mech) != 1 || mech[0].Mechanism != pkcs11.CKM_RSA_PKCS {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	return nil
}

func (m *fakeModule) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	m.record("Sign")
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	gate, entered := m.signGate, m.signEntered
	m.signGate, m.signEntered = nil, nil
	m.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loggedIn {
		return nil, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	m.signed = append(m.signed, bytes.Clone(message))
	return rsa.SignPKCS1v15(rand.Reader, m.signKey[sh], 0, message)
}

func (m *fakeModule) GetAttributeValue(_ pkcs11.SessionHandle, o pkcs11.ObjectHandle, _ []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.record("GetAttributeValue")
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.sortedIDs()[int(o)-100]
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(id)),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, "key-"+id),
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, m.keys[id][0].N.Bytes()),
	}, nil
}

// =============================================================================
// Test Helpers
// =============================================================================

var testKeyID = []byte{0x01, 0x02}

type hsmFixture struct {
	module    *fakeModule
	key       *rsa.PrivateKey
	authority *testpki.CA
	backend   *PKCS11Backend
}

func newHSMFixture(t *testing.T, hash string) *hsmFixture {
	t.Helper()
	key := testpki.RSAKey(t, 2048)
	authority := testpki.NewCA(t, t.TempDir(), key)

	module := newFakeModule("1234")
	module.addKey(testKeyID, key)

	f := &hsmFixture{module: module, key: key, authority: authority}
	f.backend = f.newBackend(t, authority, hash)
	return f
}

// newBackend builds another backend on the fixture's token. Login state
// is tracked per library path, so every test gets its own path.
func (f *hsmFixture) newBackend(t *testing.T, authority *testpki.CA, hash string) *PKCS11Backend {
	t.Helper()
	slot := uint(0)
	cfg := &ca.Config{
		Backend:     "pkcs11",
		SigningHash: hash,
		PKCS11Path:  "/usr/lib/fake/" + t.Name() + ".so",
		Slot:        &slot,
		PIN:         "1234",
		KeyID:       "0102",
	}
	loader := func(path string) (Module, error) {
		if path != cfg.PKCS11Path {
			t.Errorf("loader path = %q", path)
		}
		return f.module, nil
	}
	b, err := NewPKCS11("hsm-ca", cfg, authority.Cert, WithModuleLoader(loader))
	if err != nil {
		t.Fatalf("NewPKCS11() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// =============================================================================
// PKCS11Backend Tests
// =============================================================================

func TestU_PKCS11_SignLifecycle(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	tbs := []byte("tbs certificate")

	sig, err := f.backend.Sign(context.Background(), tbs)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	digest, _ := ca.SHA256.Digest(tbs)
	if err := rsa.VerifyPKCS1v15(&f.key.PublicKey, ca.SHA256.Hash(), digest, sig); err != nil {
		t.Errorf("VerifyPKCS1v15() error = %v", err)
	}

	want := []string{
		"OpenSession", "Login", "FindObjectsInit", "FindObjects", "FindObjectsFinal",
		"SignInit", "Sign", "Logout", "CloseSession",
	}
	if got := f.module.Calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestU_PKCS11_SearchTemplate(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	if _, err := f.backend.Sign(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	attrs := map[uint][]byte{}
	for _, a := range f.module.template {
		attrs[a.Type] = a.Value
	}
	if !bytes.Equal(attrs[pkcs11.CKA_ID], []byte{0x01, 0x02}) {
		t.Errorf("CKA_ID = %x, want 0102", attrs[pkcs11.CKA_ID])
	}
	for _, typ := range []uint{pkcs11.CKA_CLASS, pkcs11.CKA_KEY_TYPE, pkcs11.CKA_SIGN} {
		if _, ok := attrs[typ]; !ok {
			t.Errorf("template lacks attribute 0x%x", typ)
		}
	}
}

func TestU_PKCS11_DigestInfoPerHash(t *testing.T) {
	for _, h := range ca.HashAlgorithms() {
		t.Run(h.String(), func(t *testing.T) {
			f := newHSMFixture(t, h.String())
			tbs := []byte("tbs for " + h.String())
			if _, err := f.backend.Sign(context.Background(), tbs); err != nil {
				t.Fatalf("Sign() error = %v", err)
			}

			var info struct {
				Algorithm pkix.AlgorithmIdentifier
				Digest    []byte
			}
			if _, err := asn1.Unmarshal(f.module.signed[0], &info); err != nil {
				t.Fatalf("token did not receive a DigestInfo: %v", err)
			}
			if !info.Algorithm.Algorithm.Equal(h.DigestOID()) {
				t.Errorf("digest OID = %v, want %v", info.Algorithm.Algorithm, h.DigestOID())
			}
			want, _ := h.Digest(tbs)
			if !bytes.Equal(info.Digest, want) {
				t.Error("DigestInfo carries the wrong digest")
			}
			if !f.backend.SignatureAlgorithm().Algorithm.Equal(h.RSASignatureOID()) {
				t.Errorf("SignatureAlgorithm() = %v", f.backend.SignatureAlgorithm().Algorithm)
			}
		})
	}
}

func TestU_PKCS11_MultipleKeysUsesFirst(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	f.module.addKey(testKeyID, testpki.RSAKey(t, 2048))

	tbs := []byte("x")
	sig, err := f.backend.Sign(context.Background(), tbs)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	digest, _ := ca.SHA256.Digest(tbs)
	if err := rsa.VerifyPKCS1v15(&f.key.PublicKey, ca.SHA256.Hash(), digest, sig); err != nil {
		t.Error("expected the first matching key to sign")
	}
}

func TestU_PKCS11_KeyNotFound(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	f.module.keys = map[string][]*rsa.PrivateKey{}

	_, err := f.backend.Sign(context.Background(), []byte("x"))
	stepErr := asStepError(t, err)
	if stepErr.Step != StepFindKey || !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Sign() error = %v, want find_key / ErrKeyNotFound", err)
	}
	if !strings.Contains(err.Error(), "cannot find the requested key") {
		t.Errorf("Error() = %q", err.Error())
	}
	calls := f.module.Calls()
	if slices.Contains(calls, "Sign") {
		t.Error("token signed without a key")
	}
	if !slices.Contains(calls, "Logout") || calls[len(calls)-1] != "CloseSession" {
		t.Errorf("session not released: %v", calls)
	}
}

func TestU_PKCS11_WrongPIN(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	f.module.pin = "9999"

	_, err := f.backend.Sign(context.Background(), []byte("x"))
	stepErr := asStepError(t, err)
	if stepErr.Step != StepLogin || !errors.Is(err, ErrLoginFailed) {
		t.Errorf("Sign() error = %v, want login / ErrLoginFailed", err)
	}
	calls := f.module.Calls()
	if slices.Contains(calls, "Logout") {
		t.Error("logout after a failed login")
	}
	if calls[len(calls)-1] != "CloseSession" {
		t.Errorf("session not closed: %v", calls)
	}
}

func TestU_PKCS11_Timeout(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	f.module.block = make(chan struct{})
	defer close(f.module.block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.backend.Sign(ctx, []byte("x"))
	stepErr := asStepError(t, err)
	if stepErr.Step != StepTimeout || !errors.Is(err, ErrTimeout) {
		t.Fatalf("Sign() error = %v, want timeout", err)
	}
	calls := f.module.Calls()
	if !slices.Contains(calls, "Logout") || !slices.Contains(calls, "CloseSession") {
		t.Errorf("abandoned session was not logged out and closed: %v", calls)
	}
}

func TestU_PKCS11_ConcurrentSigns(t *testing.T) {
	f := newHSMFixture(t, "SHA256")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.backend.Sign(context.Background(), []byte("x")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Sign() error = %v", err)
	}
}

// Two backends on one token share its login: the first to finish must not
// log out under the other's signature.
func TestU_PKCS11_SharedTokenLogin(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	other := f.newBackend(t, f.authority, "SHA256")

	entered, open := f.module.gateNextSign()
	errA := make(chan error, 1)
	go func() {
		_, err := f.backend.Sign(context.Background(), []byte("a"))
		errA <- err
	}()
	<-entered

	if _, err := other.Sign(context.Background(), []byte("b")); err != nil {
		t.Fatalf("second backend Sign() error = %v", err)
	}
	if slices.Contains(f.module.Calls(), "Logout") {
		t.Error("token logged out while a signature was in flight")
	}

	open()
	if err := <-errA; err != nil {
		t.Fatalf("first backend Sign() error = %v", err)
	}
	logouts := 0
	for _, c := range f.module.Calls() {
		if c == "Logout" {
			logouts++
		}
	}
	if logouts != 1 {
		t.Errorf("Logout called %d times, want 1", logouts)
	}
}

// A deadline hit during login leaves the session open until the token
// answers, then logs out and closes it.
func TestU_PKCS11_TimeoutDuringLogin(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	f.module.loginGate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.backend.Sign(ctx, []byte("x"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Sign() error = %v, want timeout", err)
	}
	if slices.Contains(f.module.Calls(), "CloseSession") {
		t.Error("session closed under a pending login")
	}

	close(f.module.loginGate)
	if err := f.backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	calls := f.module.Calls()
	logout := slices.Index(calls, "Logout")
	closed := slices.Index(calls, "CloseSession")
	if logout < 0 || closed < logout {
		t.Errorf("calls = %v, want Logout then CloseSession", calls)
	}
	if slices.Contains(calls, "Sign") {
		t.Error("abandoned operation went on to sign")
	}
	f.module.mu.Lock()
	defer f.module.mu.Unlock()
	if f.module.loggedIn {
		t.Error("token left logged in")
	}
}

// Close refuses new operations at once and unloads the library only after
// the token answered the operation in flight.
func TestU_PKCS11_CloseWaitsForInflight(t *testing.T) {
	f := newHSMFixture(t, "SHA256")

	entered, open := f.module.gateNextSign()
	errA := make(chan error, 1)
	go func() {
		_, err := f.backend.Sign(context.Background(), []byte("a"))
		errA <- err
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = f.backend.Close()
		close(closed)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		_, err := f.backend.Sign(context.Background(), []byte("b"))
		if errors.Is(err, ErrClosed) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Sign() during Close error = %v, want ErrClosed", err)
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-closed:
		t.Fatal("Close() returned before the token answered")
	default:
	}

	open()
	if err := <-errA; err != nil {
		t.Errorf("in-flight Sign() error = %v", err)
	}
	<-closed
	calls := f.module.Calls()
	if calls[len(calls)-1] != "Destroy" {
		t.Errorf("calls = %v, want Destroy last", calls)
	}
}

func TestU_PKCS11_Closed(t *testing.T) {
	f := newHSMFixture(t, "SHA256")
	if err := f.backend.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := f.backend.Sign(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Sign() error = %v, want ErrClosed", err)
	}
	if !slices.Contains(f.module.Calls(), "Destroy") {
		t.Error("Close() did not unload the module")
	}
}

func TestU_NewPKCS11_Errors(t *testing.T) {
	slot := uint(0)
	rsaCA := testpki.NewCA(t, t.TempDir(), testpki.RSAKey(t, 2048))
	ecCA := testpki.NewCA(t, t.TempDir(), testpki.ECKey(t))
	cfg := &ca.Config{SigningHash: "SHA256", PKCS11Path: "/nowhere.so", Slot: &slot, PIN: "1", KeyID: "01"}
	failing := WithModuleLoader(func(string) (Module, error) { return nil, errors.New("dlopen failed") })

	if _, err := NewPKCS11("c", cfg, ecCA.Cert, failing); !errors.Is(err, ErrKeyIncompatible) {
		t.Errorf("EC CA: error = %v, want ErrKeyIncompatible", err)
	}

	_, err := NewPKCS11("c", cfg, rsaCA.Cert, failing)
	if stepErr := asStepError(t, err); stepErr.Step != StepLoadModule || !errors.Is(err, ErrModuleLoad) {
		t.Errorf("error = %v, want load_module / ErrModuleLoad", err)
	}

	bad := *cfg
	bad.KeyID = "zz"
	if _, err := NewPKCS11("c", &bad, rsaCA.Cert, failing); err == nil {
		t.Error("invalid key_id should fail")
	}
}

func TestU_LoadModule_Missing(t *testing.T) {
	_, err := LoadModule("/nonexistent/libpkcs11.so")
	if !errors.Is(err, ErrModuleLoad) {
		t.Errorf("LoadModule() error = %v, want ErrModuleLoad", err)
	}
}

func TestU_ListKeys(t *testing.T) {
	module := newFakeModule("1234")
	key := testpki.RSAKey(t, 2048)
	module.addKey([]byte{0xCA, 0xFE}, key)
	loader := WithModuleLoader(func(string) (Module, error) { return module, nil })

	keys, err := ListKeys("/fake.so", 0, "1234", loader)
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "cafe" || keys[0].Bits != 2048 {
		t.Errorf("ListKeys() = %+v", keys)
	}

	if _, err := ListKeys("/fake.so", 0, "0000", loader); !errors.Is(err, ErrLoginFailed) {
		t.Errorf("ListKeys() error = %v, want ErrLoginFailed", err)
	}
}
