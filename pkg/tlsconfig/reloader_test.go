package tlsconfig

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_KeypairReloader(t *testing.T) {
	origTicker := makeTicker
	tick := make(chan time.Time)
	makeTicker = func(time.Duration) (func(), <-chan time.Time) {
		return func() {}, tick
	}
	defer func() { makeTicker = origTicker }()

	dir := t.TempDir()
	certFile, keyFile := writeTestKeypair(t, dir, "server", "reload one")

	k, err := NewKeypairReloader("test", certFile, keyFile, time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint32(1), k.LoadedCount())
	require.NotNil(t, k.Keypair())
	assert.Equal(t, "reload one", k.Keypair().Leaf.Subject.CommonName)

	// rotate the files; modification times are bumped explicitly because
	// filesystem timestamps can be too coarse for back-to-back writes
	writeTestKeypair(t, dir, "server", "reload two")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(certFile, future, future))
	require.NoError(t, os.Chtimes(keyFile, future, future))

	tick <- time.Now()

	deadline := time.Now().Add(5 * time.Second)
	for k.LoadedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, uint32(2), k.LoadedCount())
	assert.Equal(t, "reload two", k.Keypair().Leaf.Subject.CommonName)

	require.NoError(t, k.Close())
	assert.EqualError(t, k.Close(), "already closed")
}

func Test_KeypairReloader_BadFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := NewKeypairReloader("test", dir+"/none.pem", dir+"/none-key.pem", time.Minute)
	assert.Error(t, err)
}
