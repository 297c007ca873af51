// Package tlsconfig builds tls.Config values for the revocation-checking
// transport: keypair loading with a parsed leaf, background reloading,
// and server/client config construction from PEM files.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

// LoadKeypair reads a PEM certificate/key pair and guarantees a parsed
// leaf, so callers can inspect validity and subject without re-parsing
// the DER on every handshake.
func LoadKeypair(certFile, keyFile string) (*tls.Certificate, error) {
	keypair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to load keypair: %q", certFile)
	}
	if keypair.Leaf == nil {
		keypair.Leaf, err = x509.ParseCertificate(keypair.Certificate[0])
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if keypair.Leaf.NotAfter.Before(time.Now()) {
		logger.KV(xlog.WARNING,
			"reason", "expired",
			"cert", certFile,
			"not_after", keypair.Leaf.NotAfter.Format(time.RFC3339),
		)
	}
	return &keypair, nil
}
