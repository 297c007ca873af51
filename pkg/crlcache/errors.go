package crlcache

import (
	"github.com/cockroachdb/errors"
)

// Error kinds returned by the revocation engine.
// Callers should match with errors.Is; wrapped errors carry the cause.
var (
	// ErrCRLExpired is returned when a CRL's nextUpdate is in the past.
	// Callers may retry once to force a refetch from the network.
	ErrCRLExpired = errors.New("crl: expired")

	// ErrCRLDownload is returned when a CRL could not be fetched.
	ErrCRLDownload = errors.New("crl: download failed")

	// ErrCRLParse is returned on malformed certificate or CRL DER.
	ErrCRLParse = errors.New("crl: parse failed")

	// ErrEndEntityRevoked is returned when the end-entity certificate is
	// found in a CRL. It fails the entire chain walk and is never
	// downgraded by the check mode.
	ErrEndEntityRevoked = errors.New("crl: end-entity certificate revoked")

	// ErrChainRevoked is returned when an intermediate certificate is
	// found in a CRL. It fails only the current chain reconstruction.
	ErrChainRevoked = errors.New("crl: certificate chain revoked")

	// ErrAllChainsRevoked is returned by ValidateChains when every
	// candidate reconstruction failed and at least one was revoked.
	ErrAllChainsRevoked = errors.New("crl: all certificate chains revoked")

	// ErrNoCRLDistributionPoints is returned when revocation status could
	// not be determined and the policy does not allow certificates
	// without a CRL distribution point.
	ErrNoCRLDistributionPoints = errors.New("crl: no distribution points")

	// ErrRevocationCheckFailed is returned when a per-certificate check
	// failed for an operational reason: unreachable CRL endpoint,
	// malformed response, disk errors. The check mode decides whether it
	// blocks the handshake.
	ErrRevocationCheckFailed = errors.New("crl: revocation check failed")

	// ErrInvalidURL is returned for distribution point URLs that do not parse.
	ErrInvalidURL = errors.New("crl: invalid URL")
)
