package transport

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/xpki/certutil"
	"github.com/effective-security/xpki/testca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	serverCertFile string
	serverKeyFile  string
	serverRootFile string
)

// The test PKI is built once per run: a root, an issuing CA and a
// localhost server certificate, written as PEM files for TLSInfo.
func init() {
	root := testca.NewEntity(
		testca.Authority,
		testca.Subject(pkix.Name{
			CommonName: "[TEST] Revocation Root CA",
		}),
		testca.KeyUsage(x509.KeyUsageCertSign|x509.KeyUsageCRLSign|x509.KeyUsageDigitalSignature),
	)
	issuing := root.Issue(
		testca.Authority,
		testca.Subject(pkix.Name{
			CommonName: "[TEST] Revocation Issuing CA",
		}),
		testca.KeyUsage(x509.KeyUsageCertSign|x509.KeyUsageCRLSign|x509.KeyUsageDigitalSignature),
	)
	srv := issuing.Issue(
		testca.Subject(pkix.Name{
			CommonName: "localhost",
		}),
		testca.ExtKeyUsage(x509.ExtKeyUsageServerAuth),
		testca.ExtKeyUsage(x509.ExtKeyUsageClientAuth),
		testca.DNSName("localhost", "127.0.0.1"),
	)

	tmpDir, err := os.MkdirTemp("", "xcrl-transport")
	if err != nil {
		logger.Panic(err)
	}

	serverCertFile = filepath.Join(tmpDir, "server.pem")
	serverKeyFile = filepath.Join(tmpDir, "server-key.pem")
	serverRootFile = filepath.Join(tmpDir, "rootca.pem")

	if err := os.WriteFile(serverKeyFile, testca.PrivKeyToPEM(srv.PrivateKey), 0600); err != nil {
		logger.Panic(err)
	}

	fcert, err := os.Create(serverCertFile)
	if err != nil {
		logger.Panic(err)
	}
	certutil.EncodeToPEM(fcert, true, srv.Certificate, issuing.Certificate)
	fcert.Close()

	froot, err := os.Create(serverRootFile)
	if err != nil {
		logger.Panic(err)
	}
	certutil.EncodeToPEM(froot, true, root.Certificate)
	froot.Close()
}

func TestTLSInfo(t *testing.T) {
	info := &TLSInfo{}
	assert.True(t, info.Empty())

	info.CertFile = serverCertFile
	assert.True(t, info.Empty(), "a cert without a key is not usable")

	info.KeyFile = serverKeyFile
	assert.False(t, info.Empty())
	assert.Contains(t, info.String(), serverCertFile)
	assert.Nil(t, info.Config())
}

func TestServerTLSWithReloader(t *testing.T) {
	info := &TLSInfo{
		CertFile:       serverCertFile,
		KeyFile:        serverKeyFile,
		TrustedCAFile:  serverRootFile,
		ClientAuthType: tls.VerifyClientCertIfGiven,
		CipherSuites:   []string{"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"},
	}
	defer info.Close()

	cfg, err := info.ServerTLSWithReloader()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
	assert.NotNil(t, cfg.GetCertificate, "handshakes are served by the reloader")
	assert.Len(t, cfg.CipherSuites, 1)
	require.NotNil(t, info.Config())

	// the built config is cached
	cfg2, err := info.ServerTLSWithReloader()
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)

	info.Close()
	assert.Nil(t, info.Config())
}

func TestServerTLSWithReloader_BadCipher(t *testing.T) {
	info := &TLSInfo{
		CertFile:      serverCertFile,
		KeyFile:       serverKeyFile,
		TrustedCAFile: serverRootFile,
		CipherSuites:  []string{"TLS_BOGUS"},
	}
	defer info.Close()

	_, err := info.ServerTLSWithReloader()
	assert.EqualError(t, err, `unsupported cipher suite: "TLS_BOGUS"`)
}
