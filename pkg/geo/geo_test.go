package geo

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenWithoutPath(t *testing.T) {
	l, err := Open("", zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Nil(t, l.Lookup("8.8.8.8"))
}

func TestOpenMissingDatabaseDegrades(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"), zap.NewNop())
	assert.Error(t, err)
	require.NotNil(t, l, "a failed open must still return a usable locator")
	assert.Nil(t, l.Lookup("8.8.8.8"))
	assert.False(t, l.Banned("8.8.8.8", []string{"France"}))
}

func TestLookupWithoutDatabase(t *testing.T) {
	l := NewLocator(nil)
	assert.Nil(t, l.Lookup("192.0.2.1"))
	assert.Nil(t, l.Lookup("not-an-ip"))
}

func TestBannedUnresolvable(t *testing.T) {
	l := NewLocator(zap.NewNop())
	// No database means no location, and no location is never banned.
	assert.False(t, l.Banned("192.0.2.1", []string{"France", "FR"}))
	assert.False(t, l.Banned("garbage", []string{"France"}))
	assert.False(t, l.Banned("192.0.2.1", nil))
}

func TestWithCacheTTL(t *testing.T) {
	l := NewLocator(nil).WithCacheTTL(time.Second)
	assert.Equal(t, time.Second, l.cacheTTL)
}
