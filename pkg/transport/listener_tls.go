// Package transport provides TLS listener plumbing with certificate
// reloading and CRL revocation checks on peer certificates.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xcrl/pkg/crlcache"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/ocsp"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xcrl", "transport")

// NewTLSListener wraps the listener with TLS from tlsinfo. When a
// CRLVerifier is configured, peer certificates are checked for revocation
// during the handshake.
func NewTLSListener(ln net.Listener, tlsinfo *TLSInfo) (net.Listener, error) {
	if tlsinfo == nil || tlsinfo.Empty() {
		return nil, errors.New("tls: empty configuration")
	}

	cfg, err := tlsinfo.ServerTLSWithReloader()
	if err != nil {
		return nil, err
	}

	if tlsinfo.CRLVerifier != nil {
		cfg.VerifyPeerCertificate = verifyPeerFunc(tlsinfo.CRLVerifier)
	}

	return tls.NewListener(ln, cfg), nil
}

// verifyPeerFunc checks the revocation status of the peer's leaf
// certificate once the standard verification has passed.
func verifyPeerFunc(v crlcache.Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return nil
		}

		crt, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return errors.WithMessage(err, "tls: unable to parse peer certificate")
		}
		var issuer *x509.Certificate
		if len(verifiedChains) > 0 && len(verifiedChains[0]) > 1 {
			issuer = verifiedChains[0][1]
		} else if len(rawCerts) > 1 {
			issuer, err = x509.ParseCertificate(rawCerts[1])
			if err != nil {
				return errors.WithMessage(err, "tls: unable to parse issuer certificate")
			}
		}

		status, err := v.Verify(crt, issuer)
		if err != nil {
			logger.KV(xlog.WARNING,
				"reason", "revocation_check_failed",
				"cn", crt.Subject.CommonName,
				"err", err.Error(),
			)
			return errors.WithMessage(err, "tls: revocation check failed")
		}
		if status == ocsp.Revoked {
			logger.KV(xlog.ERROR,
				"reason", "revoked",
				"cn", crt.Subject.CommonName,
				"serial", crt.SerialNumber.String(),
			)
			return errors.New("tls: revoked certificate")
		}
		return nil
	}
}
