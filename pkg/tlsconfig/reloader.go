package tlsconfig

import (
	"crypto/tls"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/xlog"
	"github.com/pkg/errors"
)

// Wrap time.Tick so we can override it in tests.
var makeTicker = func(interval time.Duration) (func(), <-chan time.Time) {
	t := time.NewTicker(interval)
	return t.Stop, t.C
}

// forceReloadAfter bounds how stale a keypair can get when a file change
// slips past the modification-time check.
const forceReloadAfter = time.Hour

// KeypairReloader serves the current certificate to TLS handshakes and
// reloads it from disk when the cert or key file changes.
type KeypairReloader struct {
	label    string
	certPath string
	keyPath  string

	lock           sync.RWMutex
	keypair        *tls.Certificate
	loadedAt       time.Time
	certModifiedAt time.Time
	keyModifiedAt  time.Time
	count          uint32

	stopChan chan struct{}
	closed   bool
}

// NewKeypairReloader loads the pair and starts watching the files on the
// given interval.
func NewKeypairReloader(label, certPath, keyPath string, checkInterval time.Duration) (*KeypairReloader, error) {
	if label == "" {
		label = path.Base(certPath)
	}

	k := &KeypairReloader{
		label:    label,
		certPath: certPath,
		keyPath:  keyPath,
		stopChan: make(chan struct{}),
	}

	if err := k.Reload(); err != nil {
		return nil, err
	}

	tickerStop, tickChan := makeTicker(checkInterval)
	go func() {
		for {
			select {
			case <-k.stopChan:
				tickerStop()
				logger.KV(xlog.TRACE, "status", "closed", "label", k.label, "count", k.LoadedCount())
				return
			case <-tickChan:
				if !k.shouldReload() {
					continue
				}
				if err := k.Reload(); err != nil {
					logger.KV(xlog.ERROR, "label", k.label, "err", err)
				}
			}
		}
	}()
	return k, nil
}

func (k *KeypairReloader) shouldReload() bool {
	k.lock.RLock()
	defer k.lock.RUnlock()

	if k.loadedAt.Add(forceReloadAfter).Before(time.Now().UTC()) {
		return true
	}
	return fileChangedAfter(k.label, k.certPath, k.certModifiedAt) ||
		fileChangedAfter(k.label, k.keyPath, k.keyModifiedAt)
}

func fileChangedAfter(label, file string, since time.Time) bool {
	fi, err := os.Stat(file)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "stat", "label", label, "file", file, "err", err)
		return false
	}
	return fi.ModTime().After(since)
}

// Reload explicitly loads the pair from disk. A write may still be in
// progress when the modification is noticed, so a failed load is retried
// a few times before giving up.
func (k *KeypairReloader) Reload() error {
	var keypair *tls.Certificate
	var err error
	for i := 0; i < 3; i++ {
		keypair, err = LoadKeypair(k.certPath, k.keyPath)
		if err == nil {
			break
		}
		logger.KV(xlog.WARNING, "reason", "LoadKeypair", "label", k.label, "file", k.certPath, "err", err)
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return errors.WithMessagef(err, "count: %d", k.LoadedCount())
	}

	k.lock.Lock()
	defer k.lock.Unlock()

	k.keypair = keypair
	k.loadedAt = time.Now().UTC()
	atomic.AddUint32(&k.count, 1)

	for _, f := range []struct {
		file string
		at   *time.Time
	}{
		{k.certPath, &k.certModifiedAt},
		{k.keyPath, &k.keyModifiedAt},
	} {
		fi, err := os.Stat(f.file)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "stat", "label", k.label, "file", f.file, "err", err)
			continue
		}
		*f.at = fi.ModTime()
	}

	logger.KV(xlog.DEBUG,
		"label", k.label,
		"count", k.count,
		"cert", k.certPath,
		"modifiedAt", k.certModifiedAt.Format(time.RFC3339),
	)
	return nil
}

// GetKeypairFunc is a callback for tls.Config to provide the current
// certificate on each handshake.
func (k *KeypairReloader) GetKeypairFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return k.Keypair(), nil
	}
}

// Keypair returns the current pair
func (k *KeypairReloader) Keypair() *tls.Certificate {
	if k == nil {
		return nil
	}
	k.lock.RLock()
	defer k.lock.RUnlock()

	return k.keypair
}

// LoadedCount returns the number of times the pair was loaded from disk
func (k *KeypairReloader) LoadedCount() uint32 {
	return atomic.LoadUint32(&k.count)
}

// Close stops the file watcher
func (k *KeypairReloader) Close() error {
	if k == nil {
		return nil
	}

	k.lock.Lock()
	defer k.lock.Unlock()

	if k.closed {
		return errors.New("already closed")
	}
	k.closed = true
	close(k.stopChan)

	return nil
}
