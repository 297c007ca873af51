package crlcache

import (
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Stateless helpers over DER-encoded certificates and CRLs.
// All functions treat their input as attacker-controlled:
// malformed DER yields ErrCRLParse, never a panic.

var (
	oidExtIssuingDistributionPoint = asn1.ObjectIdentifier{2, 5, 29, 28}
)

// shortLivedCutoff is the CA/B Forum BR transition date: certificates
// issued before it use a 10 day short-lived threshold, 7 days after.
var shortLivedCutoff = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

// DistributionPoints returns the http/https CRL distribution point URLs
// of a certificate. Other name forms (LDAP, directory names) are dropped.
func DistributionPoints(certDER []byte) ([]string, error) {
	crt, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Mark(err, ErrCRLParse)
	}
	var urls []string
	for _, uri := range crt.CRLDistributionPoints {
		if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
			urls = append(urls, uri)
		}
	}
	return urls, nil
}

// SerialNumber returns the big-endian serial number bytes,
// used as the cache key component.
func SerialNumber(certDER []byte) ([]byte, error) {
	crt, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Mark(err, ErrCRLParse)
	}
	return crt.SerialNumber.Bytes(), nil
}

// IsCA reports whether the certificate carries BasicConstraints CA=true.
// A certificate without BasicConstraints is an end entity.
func IsCA(certDER []byte) (bool, error) {
	crt, err := x509.ParseCertificate(certDER)
	if err != nil {
		return false, errors.Mark(err, ErrCRLParse)
	}
	return crt.BasicConstraintsValid && crt.IsCA, nil
}

// SubjectKeyID returns the SKID extension value, or nil when absent.
func SubjectKeyID(certDER []byte) ([]byte, error) {
	crt, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Mark(err, ErrCRLParse)
	}
	return crt.SubjectKeyId, nil
}

// IsShortLived reports whether the certificate's validity period is at or
// under the CA/B BR short-lived threshold for its issuance date.
// Short-lived certificates are exempt from revocation checking.
func IsShortLived(certDER []byte, now time.Time) (bool, error) {
	crt, err := x509.ParseCertificate(certDER)
	if err != nil {
		return false, errors.Mark(err, ErrCRLParse)
	}
	threshold := 7
	if crt.NotBefore.Before(shortLivedCutoff) {
		threshold = 10
	}
	return isShortLived(crt, threshold), nil
}

// IsShortLivedWithThreshold applies an explicit threshold in days.
func IsShortLivedWithThreshold(certDER []byte, thresholdDays int) (bool, error) {
	crt, err := x509.ParseCertificate(certDER)
	if err != nil {
		return false, errors.Mark(err, ErrCRLParse)
	}
	return isShortLived(crt, thresholdDays), nil
}

func isShortLived(crt *x509.Certificate, thresholdDays int) bool {
	// validity period is inclusive per RFC 5280 4.1.2.5
	validity := crt.NotAfter.Add(time.Second).Sub(crt.NotBefore)
	short := validity <= time.Duration(thresholdDays)*24*time.Hour
	if short {
		logger.KV(xlog.DEBUG,
			"reason", "short_lived_certificate",
			"validity", validity.String(),
			"serial", crt.SerialNumber.String(),
		)
	}
	return short
}

// CRLNextUpdate returns the CRL's nextUpdate time.
// ok is false when the field is absent, which means the CRL never expires.
func CRLNextUpdate(crlDER []byte) (next time.Time, ok bool, err error) {
	rl, err := x509.ParseRevocationList(crlDER)
	if err != nil {
		return time.Time{}, false, errors.Mark(err, ErrCRLParse)
	}
	if rl.NextUpdate.IsZero() {
		return time.Time{}, false, nil
	}
	return rl.NextUpdate, true, nil
}

// CRLIsExpired compares the CRL's nextUpdate against now.
// A CRL without nextUpdate never expires.
func CRLIsExpired(crlDER []byte, now time.Time) (bool, error) {
	next, ok, err := CRLNextUpdate(crlDER)
	if err != nil {
		return false, err
	}
	return ok && now.After(next), nil
}

// CRLNumber returns the CRL number extension value, or nil when absent.
func CRLNumber(crlDER []byte) (*big.Int, error) {
	rl, err := x509.ParseRevocationList(crlDER)
	if err != nil {
		return nil, errors.Mark(err, ErrCRLParse)
	}
	return rl.Number, nil
}

// CRLThisUpdate returns the CRL's thisUpdate timestamp.
func CRLThisUpdate(crlDER []byte) (time.Time, error) {
	rl, err := x509.ParseRevocationList(crlDER)
	if err != nil {
		return time.Time{}, errors.Mark(err, ErrCRLParse)
	}
	return rl.ThisUpdate, nil
}

// CRLAuthorityKeyID returns the key identifier from the CRL's
// authorityKeyIdentifier extension, or nil when absent.
func CRLAuthorityKeyID(crlDER []byte) ([]byte, error) {
	rl, err := x509.ParseRevocationList(crlDER)
	if err != nil {
		return nil, errors.Mark(err, ErrCRLParse)
	}
	if len(rl.AuthorityKeyId) == 0 {
		return nil, nil
	}
	// AuthorityKeyId holds the raw extension value:
	// SEQUENCE { keyIdentifier [0] IMPLICIT OCTET STRING OPTIONAL, ... }
	var seq, keyID cryptobyte.String
	input := cryptobyte.String(rl.AuthorityKeyId)
	if !input.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.WithMessage(ErrCRLParse, "malformed authorityKeyIdentifier")
	}
	if !seq.ReadOptionalASN1(&keyID, nil, cryptobyte_asn1.Tag(0).ContextSpecific()) {
		return nil, errors.WithMessage(ErrCRLParse, "malformed authorityKeyIdentifier")
	}
	if len(keyID) == 0 {
		return nil, nil
	}
	return []byte(keyID), nil
}

// ContainsSerial scans the CRL's revoked entries for a byte-exact serial
// match. It returns ErrCRLExpired when the CRL is stale relative to now.
func ContainsSerial(crlDER, serial []byte, now time.Time) (bool, error) {
	entry, err := lookupSerial(crlDER, serial, now)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func lookupSerial(crlDER, serial []byte, now time.Time) (*x509.RevocationListEntry, error) {
	rl, err := x509.ParseRevocationList(crlDER)
	if err != nil {
		return nil, errors.Mark(err, ErrCRLParse)
	}
	if !rl.NextUpdate.IsZero() && now.After(rl.NextUpdate) {
		logger.KV(xlog.WARNING,
			"reason", "crl_expired",
			"next_update", rl.NextUpdate,
		)
		return nil, ErrCRLExpired
	}
	// attribute-certificate-only CRLs do not cover public key certificates
	if crlOnlyAttributeCerts(rl) {
		return nil, nil
	}
	target := new(big.Int).SetBytes(serial)
	for i := range rl.RevokedCertificateEntries {
		entry := &rl.RevokedCertificateEntries[i]
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(target) == 0 {
			return entry, nil
		}
	}
	return nil, nil
}

// crlOnlyAttributeCerts reports whether the CRL's issuingDistributionPoint
// extension marks it as covering attribute certificates only.
func crlOnlyAttributeCerts(rl *x509.RevocationList) bool {
	for _, ext := range rl.Extensions {
		if !ext.Id.Equal(oidExtIssuingDistributionPoint) {
			continue
		}
		var idp cryptobyte.String
		input := cryptobyte.String(ext.Value)
		if !input.ReadASN1(&idp, cryptobyte_asn1.SEQUENCE) {
			return false
		}
		for !idp.Empty() {
			var field cryptobyte.String
			var tag cryptobyte_asn1.Tag
			if !idp.ReadAnyASN1Element(&field, &tag) {
				return false
			}
			// onlyContainsAttributeCerts [5] BOOLEAN DEFAULT FALSE
			if tag == cryptobyte_asn1.Tag(5).ContextSpecific() {
				var inner cryptobyte.String
				var innerTag cryptobyte_asn1.Tag
				if field.ReadAnyASN1(&inner, &innerTag) &&
					len(inner) == 1 && inner[0] != 0 {
					return true
				}
			}
		}
	}
	return false
}
