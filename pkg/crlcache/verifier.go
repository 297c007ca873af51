package crlcache

import (
	"crypto/x509"
)

// Verifier checks the revocation status of a single certificate.
// It is the integration point for TLS listeners and dialers that want
// per-certificate checks without owning the chain walk.
type Verifier interface {
	// Verify returns OCSP status:
	//   ocsp.Revoked - the certificate found in CRL
	//   ocsp.Good - the certificate not found in a valid CRL
	//   ocsp.Unknown - no CRL or OCSP response found for the certificate
	Verify(crt *x509.Certificate, issuer *x509.Certificate) (int, error)
}
