package crlcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// NowFunc allows to override default time in tests
var NowFunc = time.Now

// Status is the revocation status of a single certificate.
type Status int

const (
	// NotDetermined means no distribution point or an inconclusive check.
	NotDetermined Status = iota
	// NotRevoked means the certificate was absent from a fresh CRL.
	NotRevoked
	// Revoked means the certificate's serial was listed in a CRL.
	Revoked
)

func (s Status) String() string {
	switch s {
	case NotRevoked:
		return "not_revoked"
	case Revoked:
		return "revoked"
	default:
		return "not_determined"
	}
}

// Outcome is the result of a revocation check for one
// (certificate, issuer) pair. It is never produced per chain.
type Outcome struct {
	Status Status `json:"status"`
	// Reason is the textual revocation reason code, when the CRL provides one
	Reason string `json:"reason,omitempty"`
	// RevokedAt is the revocation time recorded in the CRL entry
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// outcomeKey identifies a cached outcome by certificate serial and a
// digest of the issuer candidate's DER.
type outcomeKey struct {
	serial string
	issuer string
}

type outcomeEntry struct {
	outcome    Outcome
	validUntil time.Time
}

type backoffState struct {
	failures int
	last     time.Time
}

// maxOutcomeEntries bounds the memory tier.
const maxOutcomeEntries = 4096

// Cache is the process-wide revocation cache: an in-memory TTL map of
// per-certificate outcomes backed by an on-disk store of raw CRL blobs.
// All methods are safe for concurrent use.
type Cache struct {
	cfg    *Config
	client *http.Client

	// outcomes is nil when memory caching is disabled.
	// The LRU TTL is a backstop; entries carry their own validUntil
	// derived from the CRL's nextUpdate and are lazily evicted.
	outcomes *expirable.LRU[outcomeKey, outcomeEntry]

	// fetches deduplicates concurrent downloads of the same URL
	fetches singleflight.Group

	lock    sync.Mutex
	backoff map[string]backoffState
	// seen records every URL the cache has been asked for,
	// so Refresh can re-download ahead of expiry
	seen map[string]bool
}

// New constructs a Cache from the policy. The same Cache should be shared
// by every validator and verifier in the process.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Cache{
		cfg:     cfg,
		backoff: make(map[string]backoffState),
		seen:    make(map[string]bool),
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectionTimeout,
				}).DialContext,
				TLSHandshakeTimeout: cfg.ConnectionTimeout,
			},
		},
	}
	if cfg.EnableMemoryCaching {
		c.outcomes = expirable.NewLRU[outcomeKey, outcomeEntry](maxOutcomeEntries, nil, cfg.Validity())
	}
	return c, nil
}

// URLDigest returns the stable file name component for a CRL source URL.
func URLDigest(rawURL string) string {
	return digest([]byte(rawURL))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CheckRevocation determines the revocation outcome for a certificate.
// issuer carries zero or more issuer candidates; the first candidate keys
// the memory tier. roots is consulted by callers for anchor checks and is
// accepted here for interface parity; it may be nil.
func (c *Cache) CheckRevocation(ctx context.Context, certDER []byte, issuer IssuerInfo, roots *RootStore) (Outcome, error) {
	serial, err := SerialNumber(certDER)
	if err != nil {
		return Outcome{}, err
	}

	if primary, ok := issuer.Primary(); ok {
		if hit, ok := c.outcomeGet(serial, primary); ok {
			return hit, nil
		}
	}

	urls, err := DistributionPoints(certDER)
	if err != nil {
		return Outcome{}, err
	}
	if len(urls) == 0 {
		return Outcome{Status: NotDetermined}, nil
	}

	issuerSKIDs := issuerKeyIDs(issuer)

	var checked bool
	var minValidUntil time.Time
	for _, u := range urls {
		raw, err := c.Get(ctx, u)
		if err != nil {
			logger.KV(xlog.WARNING,
				"reason", "crl_fetch_failed",
				"url", u,
				"err", err.Error(),
			)
			continue
		}
		if !crlMatchesIssuer(raw, issuerSKIDs) {
			logger.KV(xlog.WARNING,
				"reason", "crl_issuer_mismatch",
				"url", u,
			)
			continue
		}
		if next, ok, _ := CRLNextUpdate(raw); ok {
			if minValidUntil.IsZero() || next.Before(minValidUntil) {
				minValidUntil = next
			}
		}
		entry, err := lookupSerial(raw, serial, NowFunc())
		if err != nil {
			if errors.Is(err, ErrCRLExpired) {
				// distinguished so the validator can retry with a refetch
				return Outcome{}, err
			}
			logger.KV(xlog.WARNING,
				"reason", "crl_check_failed",
				"url", u,
				"err", err.Error(),
			)
			continue
		}
		checked = true
		if entry != nil {
			outcome := Outcome{
				Status:    Revoked,
				Reason:    revocationReason(entry.ReasonCode),
				RevokedAt: entry.RevocationTime,
			}
			c.outcomePut(serial, issuer, outcome, minValidUntil)
			logger.KV(xlog.ERROR,
				"reason", "certificate_revoked",
				"serial", hex.EncodeToString(serial),
				"url", u,
			)
			return outcome, nil
		}
	}

	if !checked {
		return Outcome{Status: NotDetermined}, nil
	}
	outcome := Outcome{Status: NotRevoked}
	c.outcomePut(serial, issuer, outcome, minValidUntil)
	return outcome, nil
}

// Get returns the raw CRL bytes for a URL: disk cache when fresh,
// otherwise the network. Concurrent callers for the same URL share a
// single in-flight fetch.
func (c *Cache) Get(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "url %q", rawURL), ErrInvalidURL)
	}
	c.lock.Lock()
	c.seen[rawURL] = true
	c.lock.Unlock()
	raw, err, _ := c.fetches.Do(rawURL, func() (any, error) {
		if blob, ok := c.diskGet(rawURL); ok {
			return blob, nil
		}
		blob, err := c.fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		c.diskPut(rawURL, blob)
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.([]byte), nil
}

// SeedOutcome inserts a synthetic outcome with an explicit expiry.
// This method is a testing hook: real entries are written by
// CheckRevocation from fetched CRLs.
func (c *Cache) SeedOutcome(serial, issuerDER []byte, outcome Outcome, validUntil time.Time) {
	if c.outcomes == nil {
		return
	}
	c.outcomes.Add(outcomeKey{
		serial: string(serial),
		issuer: digest(issuerDER),
	}, outcomeEntry{outcome: outcome, validUntil: validUntil})
}

// Reset drops both cache tiers' in-memory state.
// This method is a testing hook.
func (c *Cache) Reset() {
	if c.outcomes != nil {
		c.outcomes.Purge()
	}
	c.lock.Lock()
	c.backoff = make(map[string]backoffState)
	c.seen = make(map[string]bool)
	c.lock.Unlock()
}

// KnownURLs returns every CRL source URL the cache has been asked for.
func (c *Cache) KnownURLs() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	urls := make([]string, 0, len(c.seen))
	for u := range c.seen {
		urls = append(urls, u)
	}
	return urls
}

// Refresh re-downloads known CRLs that are expired or expire within the
// horizon, so handshakes keep hitting fresh disk blobs. Fetch failures
// are logged and skipped; the next sweep retries.
func (c *Cache) Refresh(ctx context.Context, horizon time.Duration) {
	for _, u := range c.KnownURLs() {
		if blob, ok := c.diskGet(u); ok {
			next, has, err := CRLNextUpdate(blob)
			if err == nil && has && next.After(NowFunc().Add(horizon)) {
				continue
			}
		}
		blob, err := c.fetch(ctx, u)
		if err != nil {
			logger.KV(xlog.WARNING,
				"reason", "crl_refresh_failed",
				"url", u,
				"err", err.Error(),
			)
			continue
		}
		c.diskPut(u, blob)
	}
}

// issuerKeyIDs collects the subject key identifiers of the issuer
// candidates, used to pair fetched CRLs with the certificate's issuer.
func issuerKeyIDs(issuer IssuerInfo) [][]byte {
	var skids [][]byte
	for _, cand := range issuer.Candidates() {
		if skid, err := SubjectKeyID(cand); err == nil && len(skid) > 0 {
			skids = append(skids, skid)
		}
	}
	return skids
}

// crlMatchesIssuer reports whether the CRL's authorityKeyIdentifier
// matches one of the issuer candidates. A CRL signed by an unrelated CA
// must not decide this certificate's status either way. When either side
// carries no key identifier the CRL is accepted; signature verification
// is not performed here.
func crlMatchesIssuer(crlDER []byte, issuerSKIDs [][]byte) bool {
	if len(issuerSKIDs) == 0 {
		return true
	}
	akid, err := CRLAuthorityKeyID(crlDER)
	if err != nil || len(akid) == 0 {
		return true
	}
	for _, skid := range issuerSKIDs {
		if bytes.Equal(akid, skid) {
			return true
		}
	}
	return false
}

func (c *Cache) outcomeGet(serial, issuerDER []byte) (Outcome, bool) {
	if c.outcomes == nil {
		return Outcome{}, false
	}
	key := outcomeKey{serial: string(serial), issuer: digest(issuerDER)}
	entry, ok := c.outcomes.Get(key)
	if !ok {
		return Outcome{}, false
	}
	if NowFunc().After(entry.validUntil) {
		// lazy eviction: stale entries are treated as absent
		c.outcomes.Remove(key)
		return Outcome{}, false
	}
	return entry.outcome, true
}

func (c *Cache) outcomePut(serial []byte, issuer IssuerInfo, outcome Outcome, validUntil time.Time) {
	if c.outcomes == nil {
		return
	}
	primary, ok := issuer.Primary()
	if !ok {
		return
	}
	if validUntil.IsZero() {
		validUntil = NowFunc().Add(c.cfg.Validity())
	} else {
		// safety margin so the entry expires before the CRL does
		validUntil = validUntil.Add(-time.Minute)
	}
	c.outcomes.Add(outcomeKey{
		serial: string(serial),
		issuer: digest(primary),
	}, outcomeEntry{outcome: outcome, validUntil: validUntil})
}

func (c *Cache) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	c.sleepBackoff(ctx, rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidURL)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	res, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(rawURL)
		return nil, errors.Mark(errors.Wrapf(err, "url %q", rawURL), ErrCRLDownload)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		c.recordFailure(rawURL)
		return nil, errors.Mark(errors.Newf("unexpected status %d from %q", res.StatusCode, rawURL), ErrCRLDownload)
	}

	body := res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(res.Body)
		if err != nil {
			c.recordFailure(rawURL)
			return nil, errors.Mark(err, ErrCRLDownload)
		}
		defer gz.Close()
		body = gz
	}
	blob, err := io.ReadAll(body)
	if err != nil {
		c.recordFailure(rawURL)
		return nil, errors.Mark(err, ErrCRLDownload)
	}
	c.recordSuccess(rawURL)
	return blob, nil
}

// sleepBackoff delays repeat fetches of a URL that recently failed:
// exponential from 100ms, capped at 5s, with jitter.
func (c *Cache) sleepBackoff(ctx context.Context, rawURL string) {
	c.lock.Lock()
	state := c.backoff[rawURL]
	c.lock.Unlock()
	if state.failures == 0 {
		return
	}
	exp := state.failures
	if exp > 5 {
		exp = 5
	}
	delay := 100 * time.Millisecond << exp
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	delay += time.Duration(rand.Intn(100)) * time.Millisecond
	if remaining := delay - NowFunc().Sub(state.last); remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
		}
	}
}

func (c *Cache) recordFailure(rawURL string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	state := c.backoff[rawURL]
	state.failures++
	state.last = NowFunc()
	c.backoff[rawURL] = state
}

func (c *Cache) recordSuccess(rawURL string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.backoff, rawURL)
}

// RFC 5280 CRLReason values
var reasonCodes = map[int]string{
	0:  "unspecified",
	1:  "key_compromise",
	2:  "ca_compromise",
	3:  "affiliation_changed",
	4:  "superseded",
	5:  "cessation_of_operation",
	6:  "certificate_hold",
	8:  "remove_from_crl",
	9:  "privilege_withdrawn",
	10: "aa_compromise",
}

func revocationReason(code int) string {
	return reasonCodes[code]
}

// RootStore holds the immutable root-of-trust set: an x509.CertPool for
// path validation and the raw DER of each anchor for byte-exact
// membership checks during the chain walk.
type RootStore struct {
	pool *x509.CertPool
	raw  map[string]bool
}

// NewRootStore builds a RootStore from parsed anchor certificates.
func NewRootStore(anchors ...*x509.Certificate) *RootStore {
	s := &RootStore{
		pool: x509.NewCertPool(),
		raw:  make(map[string]bool, len(anchors)),
	}
	for _, crt := range anchors {
		s.pool.AddCert(crt)
		s.raw[string(crt.Raw)] = true
	}
	return s
}

// SystemRootStore returns a RootStore backed by the system trust store.
// Platform stores cannot be enumerated, so Contains always reports false
// and the chain walk checks every certificate instead of short-circuiting.
func SystemRootStore() (*RootStore, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &RootStore{pool: pool}, nil
}

// Pool returns the underlying certificate pool.
func (s *RootStore) Pool() *x509.CertPool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Contains reports byte-exact membership of a DER certificate.
func (s *RootStore) Contains(certDER []byte) bool {
	return s != nil && s.raw[string(certDER)]
}
