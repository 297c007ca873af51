package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xcrl", "tlsconfig")

// NewServerTLSFromFiles will build a tls.Config from the supplied certificate,
// key and optional trusted CAs. The CAs are used for client authentication
// when clientauthType requires it.
func NewServerTLSFromFiles(certFile, keyFile, trustedCAFile, clientCAFile string, clientauthType tls.ClientAuthType) (*tls.Config, error) {
	keypair, err := LoadKeypair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	var clientCAs *x509.CertPool
	if clientCAFile != "" || trustedCAFile != "" {
		clientCAs = x509.NewCertPool()
		for _, ca := range []string{clientCAFile, trustedCAFile} {
			if ca == "" {
				continue
			}
			pem, err := os.ReadFile(ca)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if !clientCAs.AppendCertsFromPEM(pem) {
				return nil, errors.Errorf("failed to parse CA bundle: %q", ca)
			}
		}
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*keypair},
		ClientAuth:   clientauthType,
	}
	if clientCAs != nil {
		cfg.ClientCAs = clientCAs
	}
	return cfg, nil
}

// NewClientTLSFromFiles will build a tls.Config for a client. certFile and
// keyFile are optional; trustedCAFile is added to the root pool when given,
// otherwise the system roots are used.
func NewClientTLSFromFiles(certFile, keyFile, trustedCAFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if certFile != "" && keyFile != "" {
		keypair, err := LoadKeypair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{*keypair}
	}

	if trustedCAFile != "" {
		roots, err := x509.SystemCertPool()
		if err != nil {
			roots = x509.NewCertPool()
		}
		pem, err := os.ReadFile(trustedCAFile)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("failed to parse CA bundle: %q", trustedCAFile)
		}
		cfg.RootCAs = roots
	}

	return cfg, nil
}

// UpdateCipherSuites restricts the config to the named cipher suites.
// An empty list leaves the Go defaults in place.
func UpdateCipherSuites(cfg *tls.Config, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if len(cfg.CipherSuites) > 0 {
		return errors.New("cipher suites already specified")
	}

	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return errors.Errorf("unsupported cipher suite: %q", name)
		}
		ids = append(ids, id)
	}
	cfg.CipherSuites = ids

	logger.KV(xlog.DEBUG, "cipher_suites", names)
	return nil
}
