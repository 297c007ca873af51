// Package tlsverify adapts CRL revocation checking to the crypto/tls
// handshake. TrustVerifier plugs into tls.Config.VerifyPeerCertificate
// and applies the configured revocation policy after the standard chain
// verification has passed.
package tlsverify

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xcrl/pkg/crlcache"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/ocsp"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xcrl", "tlsverify")

// ErrRevoked is returned to the handshake when revocation policy rejects
// the peer. The detailed cause is logged, not surfaced, so the error sent
// on the wire does not disclose which certificate failed or why.
var ErrRevoked = errors.New("tlsverify: certificate revoked or revocation status not verified")

// TrustVerifier wraps a chain validator with the revocation policy mode.
type TrustVerifier struct {
	cfg       *crlcache.Config
	validator *crlcache.Validator
}

// New constructs a TrustVerifier from a shared cache and root store.
func New(cfg *crlcache.Config, cache *crlcache.Cache, roots *crlcache.RootStore) *TrustVerifier {
	if cfg == nil {
		cfg = crlcache.DefaultConfig()
	}
	return &TrustVerifier{
		cfg:       cfg,
		validator: crlcache.NewValidator(cfg, cache, roots),
	}
}

// NewFromValidator wraps an existing validator.
func NewFromValidator(cfg *crlcache.Config, validator *crlcache.Validator) *TrustVerifier {
	if cfg == nil {
		cfg = crlcache.DefaultConfig()
	}
	return &TrustVerifier{cfg: cfg, validator: validator}
}

// Mode returns the configured revocation check mode.
func (v *TrustVerifier) Mode() crlcache.CheckMode {
	return v.cfg.CheckMode
}

// VerifyPeerCertificate implements the tls.Config callback of the same
// name. It runs after the standard verification, so verifiedChains holds
// the reconstructions Go already validated; when verification was
// disabled upstream the raw presented order is used as the only
// candidate chain.
func (v *TrustVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if v.cfg.CheckMode == crlcache.CheckModeDisabled {
		return nil
	}
	if len(rawCerts) == 0 {
		return nil
	}

	chains := candidateChains(rawCerts, verifiedChains)
	err := v.validator.ValidateChains(context.Background(), chains)
	if err == nil {
		return nil
	}

	if hardFailure(err) {
		logger.KV(xlog.ERROR,
			"reason", "peer_certificate_revoked",
			"mode", v.cfg.CheckMode,
			"err", err.Error(),
		)
		return ErrRevoked
	}

	if v.cfg.CheckMode == crlcache.CheckModeAdvisory {
		logger.KV(xlog.WARNING,
			"reason", "revocation_check_inconclusive",
			"mode", v.cfg.CheckMode,
			"err", err.Error(),
		)
		return nil
	}

	logger.KV(xlog.ERROR,
		"reason", "revocation_check_failed",
		"mode", v.cfg.CheckMode,
		"err", err.Error(),
	)
	return ErrRevoked
}

// hardFailure reports whether the error is a positive revocation finding,
// which rejects the peer even in advisory mode.
func hardFailure(err error) bool {
	return errors.Is(err, crlcache.ErrEndEntityRevoked) ||
		errors.Is(err, crlcache.ErrChainRevoked) ||
		errors.Is(err, crlcache.ErrAllChainsRevoked)
}

// candidateChains converts the handshake inputs into DER chains, leaf
// first. Verified chains may end in a configured root that the peer never
// sent; those are included so the validator can short-circuit on anchors.
func candidateChains(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) [][][]byte {
	if len(verifiedChains) == 0 {
		return [][][]byte{rawCerts}
	}
	chains := make([][][]byte, 0, len(verifiedChains))
	for _, chain := range verifiedChains {
		ders := make([][]byte, 0, len(chain))
		for _, crt := range chain {
			ders = append(ders, crt.Raw)
		}
		chains = append(chains, ders)
	}
	return chains
}

// ClientConfig returns a tls.Config for dialing serverName with
// revocation checking attached. In disabled mode the callback is not
// installed at all, so the handshake path is untouched.
func (v *TrustVerifier) ClientConfig(serverName string) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
	}
	if pool := v.validator.Roots().Pool(); pool != nil {
		cfg.RootCAs = pool
	}
	if v.cfg.CheckMode != crlcache.CheckModeDisabled {
		cfg.VerifyPeerCertificate = v.VerifyPeerCertificate
	}
	return cfg
}

// Verify checks a single certificate against its issuer's CRLs and
// returns the OCSP-style status:
//
//	ocsp.Revoked - the certificate found in CRL
//	ocsp.Good - the certificate not found in a valid CRL
//	ocsp.Unknown - no CRL found for the certificate
func (v *TrustVerifier) Verify(crt *x509.Certificate, issuer *x509.Certificate) (int, error) {
	if crt == nil {
		return ocsp.Unknown, errors.New("tlsverify: certificate not provided")
	}
	chain := [][]byte{crt.Raw}
	if issuer != nil {
		chain = append(chain, issuer.Raw)
	}
	err := v.validator.ValidateChain(context.Background(), chain)
	switch {
	case err == nil:
		return ocsp.Good, nil
	case errors.Is(err, crlcache.ErrEndEntityRevoked),
		errors.Is(err, crlcache.ErrChainRevoked):
		return ocsp.Revoked, nil
	case errors.Is(err, crlcache.ErrNoCRLDistributionPoints):
		return ocsp.Unknown, nil
	default:
		return ocsp.Unknown, err
	}
}
