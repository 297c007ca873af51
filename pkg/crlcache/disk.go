package crlcache

import (
	"os"
	"path/filepath"

	"github.com/effective-security/xcrl/x/fileutil"
	"github.com/effective-security/xlog"
)

// The disk tier stores one file per distinct CRL source URL, named by
// URLDigest, holding the raw CRL bytes as received. Files carry no TTL:
// freshness is determined by re-parsing nextUpdate at read time.
// Disk failures never fail a handshake; they degrade to a cache miss.

func (c *Cache) diskGet(rawURL string) ([]byte, bool) {
	if !c.cfg.EnableDiskCaching {
		return nil, false
	}
	dir := c.cfg.CacheDirectory()
	if dir == "" {
		return nil, false
	}
	path := filepath.Join(dir, URLDigest(rawURL))
	blob, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.KV(xlog.WARNING,
				"reason", "disk_cache_read_failed",
				"path", path,
				"err", err.Error(),
			)
		}
		return nil, false
	}
	expired, err := CRLIsExpired(blob, NowFunc())
	if err != nil {
		logger.KV(xlog.WARNING,
			"reason", "disk_cache_corrupt",
			"path", path,
			"err", err.Error(),
		)
		return nil, false
	}
	if expired {
		logger.KV(xlog.DEBUG,
			"reason", "disk_cache_expired",
			"url", rawURL,
		)
		return nil, false
	}
	return blob, true
}

func (c *Cache) diskPut(rawURL string, blob []byte) {
	if !c.cfg.EnableDiskCaching {
		return
	}
	dir := c.cfg.CacheDirectory()
	if dir == "" {
		return
	}
	if err := fileutil.EnsureFolder(dir); err != nil {
		logger.KV(xlog.WARNING,
			"reason", "cache_dir_create_failed",
			"dir", dir,
			"err", err.Error(),
		)
		return
	}
	path := filepath.Join(dir, URLDigest(rawURL))
	if existing, err := os.ReadFile(path); err == nil && !crlSupersedes(blob, existing) {
		logger.KV(xlog.DEBUG,
			"reason", "disk_cache_keep_newer",
			"url", rawURL,
		)
		return
	}
	if err := fileutil.SaveAtomic(path, blob); err != nil {
		logger.KV(xlog.WARNING,
			"reason", "disk_cache_write_failed",
			"path", path,
			"err", err.Error(),
		)
	}
}

// crlSupersedes reports whether the fetched CRL should replace the cached
// one: a higher CRL number wins, otherwise a thisUpdate at least as new.
// An unreadable cached blob is always replaced.
func crlSupersedes(fetched, cached []byte) bool {
	newNum, err := CRLNumber(fetched)
	if err != nil {
		return false
	}
	oldNum, err := CRLNumber(cached)
	if err != nil {
		return true
	}
	if newNum != nil && oldNum != nil && newNum.Cmp(oldNum) != 0 {
		return newNum.Cmp(oldNum) > 0
	}
	newTU, err1 := CRLThisUpdate(fetched)
	oldTU, err2 := CRLThisUpdate(cached)
	if err1 != nil || err2 != nil {
		return err2 != nil
	}
	return !newTU.Before(oldTU)
}
