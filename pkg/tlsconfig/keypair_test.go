package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestKeypair creates a self-signed PEM keypair on disk.
func writeTestKeypair(t *testing.T, dir, name, cn string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, name+".pem")
	keyFile := filepath.Join(dir, name+"-key.pem")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func Test_LoadKeypair(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestKeypair(t, dir, "server", "test server")

	keypair, err := LoadKeypair(certFile, keyFile)
	require.NoError(t, err)
	require.NotNil(t, keypair.Leaf)
	assert.Equal(t, "test server", keypair.Leaf.Subject.CommonName)
}

func Test_LoadKeypair_Missing(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadKeypair(filepath.Join(dir, "none.pem"), filepath.Join(dir, "none-key.pem"))
	assert.Error(t, err)
}

func Test_NewServerTLSFromFiles(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestKeypair(t, dir, "server", "test server")
	caFile, _ := writeTestKeypair(t, dir, "ca", "test ca")

	cfg, err := NewServerTLSFromFiles(certFile, keyFile, caFile, "", tls.RequireAndVerifyClientCert)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	require.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = NewServerTLSFromFiles(certFile, keyFile, keyFile, "", tls.NoClientCert)
	assert.Error(t, err, "a key file is not a CA bundle")
}

func Test_NewClientTLSFromFiles(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestKeypair(t, dir, "client", "test client")
	caFile, _ := writeTestKeypair(t, dir, "ca", "test ca")

	cfg, err := NewClientTLSFromFiles(certFile, keyFile, caFile)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)

	// cert and key are optional for a client
	cfg, err = NewClientTLSFromFiles("", "", caFile)
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificates)
}

func Test_UpdateCipherSuites(t *testing.T) {
	cfg := &tls.Config{}
	require.NoError(t, UpdateCipherSuites(cfg, nil))
	assert.Empty(t, cfg.CipherSuites)

	require.NoError(t, UpdateCipherSuites(cfg, []string{"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"}))
	assert.Len(t, cfg.CipherSuites, 1)

	err := UpdateCipherSuites(cfg, []string{"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256"})
	assert.EqualError(t, err, "cipher suites already specified")

	err = UpdateCipherSuites(&tls.Config{}, []string{"TLS_BOGUS"})
	assert.EqualError(t, err, `unsupported cipher suite: "TLS_BOGUS"`)
}
