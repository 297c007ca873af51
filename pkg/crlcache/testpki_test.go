package crlcache

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSerial int64 = 1000

func nextSerial() *big.Int {
	testSerial++
	return big.NewInt(testSerial)
}

type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

func newRootCA(t *testing.T, cn string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4, byte(testSerial)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{key: key, cert: cert}
}

// newRootCAWithCRLURL creates a self-signed CA that lists its own CRL URL.
func newRootCAWithCRLURL(t *testing.T, cn, crlURL string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		CRLDistributionPoints: []string{crlURL},
		SubjectKeyId:          []byte{9, 9, 9, byte(testSerial)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{key: key, cert: cert}
}

// issueCA creates an intermediate CA signed by the receiver.
func (ca *testCA) issueCA(t *testing.T, cn string, crlURLs []string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 180 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		CRLDistributionPoints: crlURLs,
		SubjectKeyId:          []byte{5, 6, 7, 8, byte(testSerial)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{key: key, cert: cert}
}

// issue creates an end-entity certificate with the given validity window.
func (ca *testCA) issue(t *testing.T, cn string, crlURLs []string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		CRLDistributionPoints: crlURLs,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

// crl signs a CRL listing the given serials as revoked.
func (ca *testCA) crl(t *testing.T, nextUpdate time.Time, revoked ...*big.Int) []byte {
	t.Helper()
	entries := make([]x509.RevocationListEntry, 0, len(revoked))
	for _, serial := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: time.Now().Add(-time.Minute),
			ReasonCode:     1,
		})
	}
	tmpl := &x509.RevocationList{
		Number:                    nextSerial(),
		ThisUpdate:                nextUpdate.Add(-48 * time.Hour),
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.cert, ca.key)
	require.NoError(t, err)
	return der
}

// crlServer serves CRL blobs by path and counts requests.
type crlServer struct {
	srv *httptest.Server

	mu   sync.Mutex
	crls map[string][]byte
	hits map[string]int
}

func newCRLServer(t *testing.T) *crlServer {
	t.Helper()
	s := &crlServer{
		crls: make(map[string][]byte),
		hits: make(map[string]int),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		blob, ok := s.crls[r.URL.Path]
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-crl")
		_, _ = w.Write(blob)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *crlServer) url(path string) string {
	return s.srv.URL + path
}

func (s *crlServer) set(path string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crls[path] = blob
}

func (s *crlServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func testCacheConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		CheckMode:           CheckModeEnabled,
		EnableDiskCaching:   true,
		EnableMemoryCaching: true,
		CacheDir:            t.TempDir(),
		ValidityDays:        1,
		HTTPTimeout:         5 * time.Second,
		ConnectionTimeout:   5 * time.Second,
	}
}
