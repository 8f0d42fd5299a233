// Package broker runs certificate requests through a registration
// authority: parse, validate against the authority's policy chain, sign
// with its CA backend, assemble and persist the certificate.
//
// Every failure leaves the package as an *Error whose Kind tells the
// caller whether the configuration, the request, the policy or the signer
// is at fault.
package broker

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/pkg/audit"
	"github.com/remiblancher/certbroker/pkg/ca"
	"github.com/remiblancher/certbroker/pkg/cert"
	"github.com/remiblancher/certbroker/pkg/csr"
	"github.com/remiblancher/certbroker/pkg/policy"
	"github.com/remiblancher/certbroker/pkg/signer"
)

// Option configures an Authority or a Broker.
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	audit      *audit.Logger
	now        func() time.Time
	backend    signer.Backend
	signerOpts []signer.Option
}

// WithLogger sets the technical logger. It is also handed to the signing
// backend.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAudit records issuance decisions on l.
func WithAudit(l *audit.Logger) Option {
	return func(o *options) { o.audit = l }
}

// WithClock replaces time.Now when computing certificate validity.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBackend uses b instead of building a backend from the CA config.
func WithBackend(b signer.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithSignerOptions passes extra options to signer.New.
func WithSignerOptions(opts ...signer.Option) Option {
	return func(o *options) { o.signerOpts = append(o.signerOpts, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Authority is a registration authority: a policy chain in front of one
// signing CA. It is safe for concurrent use.
type Authority struct {
	name    string
	caName  string
	cfg     ca.Config
	caCert  *x509.Certificate
	chain   *policy.Chain
	backend signer.Backend
	log     zerolog.Logger
	audit   *audit.Logger
	now     func() time.Time
}

// NewAuthority validates caCfg, loads the CA certificate and builds the
// signing backend. Any failure is a KindConfigInvalid *Error.
func NewAuthority(name, caName string, caCfg *ca.Config, chain *policy.Chain, opts ...Option) (*Authority, error) {
	o := buildOptions(opts)
	configErr := func(field string, err error) error {
		var cfgErr *ca.ConfigError
		if errors.As(err, &cfgErr) && field == "" {
			field = cfgErr.Field
		}
		return &Error{Kind: KindConfigInvalid, Authority: name, CA: caName, Field: field, Err: err}
	}

	if caCfg == nil {
		return nil, configErr("signing_ca", fmt.Errorf("signing CA %s is not configured", caName))
	}
	if chain == nil || chain.Len() == 0 {
		return nil, configErr("validators", policy.ErrNoValidators)
	}
	if err := caCfg.Validate(caName); err != nil {
		return nil, configErr("", err)
	}
	caCert, err := ca.LoadCertificate(caCfg.CertPath)
	if err != nil {
		return nil, configErr("cert_path", err)
	}

	log := o.logger.With().Str("authority", name).Str("ca", caName).Logger()
	backend := o.backend
	if backend == nil {
		signerOpts := append([]signer.Option{signer.WithLogger(o.logger)}, o.signerOpts...)
		if backend, err = signer.New(caName, caCfg, caCert, signerOpts...); err != nil {
			return nil, configErr("backend", err)
		}
	}

	if err := o.audit.LogCALoaded(name, caName, caCfg.CertPath, caCert.Subject.String(), string(backend.Kind())); err != nil {
		_ = backend.Close()
		return nil, &Error{Kind: KindConfigInvalid, Authority: name, CA: caName, Field: "audit", Err: err}
	}
	log.Info().
		Str("backend", string(backend.Kind())).
		Str("subject", caCert.Subject.String()).
		Strs("validators", chain.Names()).
		Msg("registration authority ready")

	return &Authority{
		name:    name,
		caName:  caName,
		cfg:     *caCfg,
		caCert:  caCert,
		chain:   chain,
		backend: backend,
		log:     log,
		audit:   o.audit,
		now:     o.now,
	}, nil
}

// Name returns the authority name.
func (a *Authority) Name() string { return a.name }

// CAName returns the name of the signing CA.
func (a *Authority) CAName() string { return a.caName }

// CACertificate returns the signing CA certificate.
func (a *Authority) CACertificate() *x509.Certificate { return a.caCert }

// Validators returns the validator names in execution order.
func (a *Authority) Validators() []string { return a.chain.Names() }

// Close releases the signing backend.
func (a *Authority) Close() error { return a.backend.Close() }

// Process issues a certificate for raw, a PEM or DER PKCS#10 request. The
// certificate is written to the CA output directory before it is returned.
func (a *Authority) Process(ctx context.Context, raw []byte) (*cert.Certificate, error) {
	log := a.log
	ctx = log.WithContext(ctx)

	req, err := csr.Parse(raw)
	if err != nil {
		log.Info().Err(err).Msg("malformed request")
		return nil, classify(a.name, a.caName, err)
	}
	log = log.With().Str("subject", req.Subject().String()).Logger()

	res, err := a.chain.Run(ctx, req)
	if err != nil {
		e := classify(a.name, a.caName, err)
		if e.Kind == KindPolicyRejected {
			log.Info().Str("validator", e.Validator).Err(err).Msg("request rejected")
			if aerr := a.audit.LogCSRRejected(a.name, sourceOf(ctx), req.Subject().String(), e.Validator, err.Error()); aerr != nil {
				return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAudit, Err: aerr}
			}
		}
		return nil, e
	}
	if len(res.ModifiedBy) > 0 {
		log.Debug().Strs("modified_by", res.ModifiedBy).Msg("request patched by policy")
	}

	issued, err := a.sign(ctx, res.Request)
	if err != nil {
		e := classify(a.name, a.caName, err)
		log.Error().Str("step", e.Step).Err(err).Msg("signing failed")
		if aerr := a.auditFailure(e); aerr != nil {
			return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAudit, Err: aerr}
		}
		return nil, e
	}

	path, err := cert.WriteFile(a.cfg.OutputPath, issued)
	if err != nil {
		log.Error().Err(err).Msg("cannot persist certificate")
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepWrite, Err: err}
	}

	if err := a.audit.LogCertIssued(a.name, a.caName, issued.SerialHex(), issued.X509.Subject.String(),
		issued.AlgorithmName(), path); err != nil {
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAudit, Err: err}
	}
	log.Info().
		Str("serial", issued.SerialHex()).
		Time("not_after", issued.X509.NotAfter).
		Str("path", path).
		Msg("certificate issued")

	return issued, nil
}

// sign builds, signs and checks the certificate for an accepted request.
func (a *Authority) sign(ctx context.Context, req *csr.Request) (*cert.Certificate, error) {
	serial, err := cert.NewSerial()
	if err != nil {
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAssemble, Err: err}
	}
	notBefore := a.now().UTC()
	alg := a.backend.SignatureAlgorithm()
	tbs, err := cert.BuildTBS(req, &cert.Template{
		Serial:             serial,
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(a.cfg.Validity()),
		Issuer:             a.caCert,
		SignatureAlgorithm: alg,
	})
	if err != nil {
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAssemble, Err: err}
	}

	if a.cfg.SignTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SignTimeout)
		defer cancel()
	}
	sig, err := a.backend.Sign(ctx, tbs)
	if err != nil {
		return nil, err
	}
	if err := a.audit.LogKeyAccessed(a.caName, string(a.backend.Kind()), true, ""); err != nil {
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAudit, Err: err}
	}

	if err := signer.Verify(a.caCert.PublicKey, a.cfg.HashAlgorithm(), tbs, sig); err != nil {
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepVerify, Err: err}
	}
	issued, err := cert.Assemble(tbs, alg, sig)
	if err != nil {
		return nil, &Error{Kind: KindSigningFailed, Authority: a.name, CA: a.caName, Step: StepAssemble, Err: err}
	}
	return issued, nil
}

// auditFailure records a failed signing operation. Login failures are also
// recorded as AUTH_FAILED.
func (a *Authority) auditFailure(e *Error) error {
	backend := string(a.backend.Kind())
	if errors.Is(e.Err, signer.ErrLoginFailed) {
		if err := a.audit.LogAuthFailed(a.caName, backend, e.Err.Error()); err != nil {
			return err
		}
	}
	if e.Step == string(signer.StepLoadKey) || e.Step == string(signer.StepFindKey) {
		if err := a.audit.LogKeyAccessed(a.caName, backend, false, e.Err.Error()); err != nil {
			return err
		}
	}
	return a.audit.LogSigningFailed(a.name, a.caName, backend, e.Step, e.Err.Error())
}

func sourceOf(ctx context.Context) string {
	if ip, ok := policy.SourceFrom(ctx); ok {
		return ip.String()
	}
	return ""
}
