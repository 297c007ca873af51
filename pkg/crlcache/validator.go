package crlcache

import (
	"context"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// IssuerInfo carries the issuer candidates for a certificate under check.
// An exact issuer cannot always be determined from chain position alone,
// so a check may carry several candidates; the first is the primary one
// used to key the outcome cache.
type IssuerInfo struct {
	candidates [][]byte
}

// NoIssuerInfo means no issuer is known.
func NoIssuerInfo() IssuerInfo {
	return IssuerInfo{}
}

// OneIssuer wraps a single known issuer.
func OneIssuer(der []byte) IssuerInfo {
	return IssuerInfo{candidates: [][]byte{der}}
}

// IssuerCandidates wraps an ordered list of possible issuers.
func IssuerCandidates(ders ...[]byte) IssuerInfo {
	return IssuerInfo{candidates: ders}
}

// Primary returns the first candidate.
func (i IssuerInfo) Primary() ([]byte, bool) {
	if len(i.candidates) == 0 {
		return nil, false
	}
	return i.candidates[0], true
}

// Candidates returns all candidates.
func (i IssuerInfo) Candidates() [][]byte {
	return i.candidates
}

// Empty reports whether no issuer information is available.
func (i IssuerInfo) Empty() bool {
	return len(i.candidates) == 0
}

// Validator applies per-certificate revocation checks across a chain and
// aggregates them into a chain verdict.
type Validator struct {
	cfg   *Config
	cache *Cache
	roots *RootStore
}

// NewValidator constructs a Validator sharing the given cache and roots.
func NewValidator(cfg *Config, cache *Cache, roots *RootStore) *Validator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Validator{cfg: cfg, cache: cache, roots: roots}
}

// Roots returns the root store the validator anchors against.
func (v *Validator) Roots() *RootStore {
	return v.roots
}

// ValidateChain checks one ordered chain, leaf first. It returns nil when
// no revocation was found, ErrEndEntityRevoked when the leaf is revoked,
// ErrChainRevoked when an intermediate is revoked, and
// ErrRevocationCheckFailed for inconclusive checks the policy does not
// tolerate.
func (v *Validator) ValidateChain(ctx context.Context, chain [][]byte) error {
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return v.checkOne(ctx, chain[0], NoIssuerInfo(), true)
	}

	for i := 0; i+1 < len(chain); i++ {
		// chain order from a handshake is not necessarily strict
		// issuance order, so every later certificate is a candidate
		issuer := IssuerInfo{candidates: chain[i+1:]}
		if err := v.checkOne(ctx, chain[i], issuer, i == 0); err != nil {
			return err
		}
		if v.roots.Contains(chain[i+1]) {
			// certificates beyond a trusted anchor are not checked
			return nil
		}
	}
	return v.checkOne(ctx, chain[len(chain)-1], NoIssuerInfo(), false)
}

// ValidateChains tries each candidate reconstruction of a handshake's
// certificates and succeeds if any passes in full. End-entity revocation
// aborts immediately; if every reconstruction fails and at least one was
// revoked, it returns ErrAllChainsRevoked.
func (v *Validator) ValidateChains(ctx context.Context, chains [][][]byte) error {
	if len(chains) == 0 {
		return nil
	}
	var lastErr error
	var sawRevoked bool
	for _, chain := range chains {
		err := v.ValidateChain(ctx, chain)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrEndEntityRevoked) {
			return err
		}
		if errors.Is(err, ErrChainRevoked) {
			sawRevoked = true
		}
		lastErr = err
	}
	if sawRevoked {
		return ErrAllChainsRevoked
	}
	return lastErr
}

func (v *Validator) checkOne(ctx context.Context, certDER []byte, issuer IssuerInfo, endEntity bool) error {
	short, err := IsShortLived(certDER, NowFunc())
	if err != nil {
		logger.KV(xlog.WARNING,
			"reason", "certificate_parse_failed",
			"err", err.Error(),
		)
		return errors.Mark(err, ErrRevocationCheckFailed)
	}
	if short {
		// short-lived certificates bypass revocation checking entirely
		return nil
	}

	if issuer.Empty() {
		// a lone self-signed CA can still be matched against a CRL
		// signed by its own key
		if ca, err := IsCA(certDER); err == nil && ca {
			issuer = OneIssuer(certDER)
		}
	}

	outcome, err := v.cache.CheckRevocation(ctx, certDER, issuer, v.roots)
	if errors.Is(err, ErrCRLExpired) {
		// a background refresh may have raced the check; stale tiers
		// treat the entry as absent, so one retry refetches
		outcome, err = v.cache.CheckRevocation(ctx, certDER, issuer, v.roots)
	}
	if err != nil {
		logger.KV(xlog.WARNING,
			"reason", "revocation_check_failed",
			"err", err.Error(),
		)
		return errors.Mark(err, ErrRevocationCheckFailed)
	}

	switch outcome.Status {
	case Revoked:
		serial, _ := SerialNumber(certDER)
		logger.KV(xlog.ERROR,
			"reason", "revoked",
			"serial", hex.EncodeToString(serial),
			"end_entity", endEntity,
			"revocation_reason", outcome.Reason,
		)
		if endEntity {
			return ErrEndEntityRevoked
		}
		return ErrChainRevoked
	case NotDetermined:
		if v.cfg.AllowCertificatesWithoutCRLURL {
			return nil
		}
		return ErrNoCRLDistributionPoints
	default:
		return nil
	}
}
