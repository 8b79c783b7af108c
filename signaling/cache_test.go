package signaling

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempCachePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), ".SignalingCache_v0")
}

func TestCacheSaveThenLoadRoundTrips(t *testing.T) {
	c := NewEndpointCache(tempCachePath(t))
	entry := CacheEntry{
		ChannelName:    "my-channel",
		Role:           RoleMaster,
		Region:         "us-west-2",
		ChannelARN:     "arn:aws:kinesisvideo:us-west-2:123:channel/my-channel/456",
		HTTPSEndpoint:  "https://example.com",
		WSSEndpoint:    "wss://example.com",
		CreatedAtEpoch: time.Now().Unix(),
	}
	require.NoError(t, c.Save(entry))

	got, ok := c.Find("my-channel", RoleMaster, "us-west-2", time.Hour, time.Now())
	require.True(t, ok)
	assert.Equal(t, entry, *got)
}

func TestCacheFindMissesUnknownKey(t *testing.T) {
	c := NewEndpointCache(tempCachePath(t))
	_, ok := c.Find("nope", RoleViewer, "us-east-1", time.Hour, time.Now())
	assert.False(t, ok)
}

func TestCacheFindExpiresStaleEntry(t *testing.T) {
	c := NewEndpointCache(tempCachePath(t))
	entry := CacheEntry{
		ChannelName: "chan", Role: RoleMaster, Region: "us-east-1",
		CreatedAtEpoch: time.Now().Add(-2 * time.Hour).Unix(),
	}
	require.NoError(t, c.Save(entry))
	_, ok := c.Find("chan", RoleMaster, "us-east-1", time.Hour, time.Now())
	assert.False(t, ok)
}

func TestCacheSaveOverwritesSameKey(t *testing.T) {
	c := NewEndpointCache(tempCachePath(t))
	base := CacheEntry{ChannelName: "chan", Role: RoleMaster, Region: "us-east-1", CreatedAtEpoch: 1}
	require.NoError(t, c.Save(base))

	updated := base
	updated.ChannelARN = "arn:new"
	updated.CreatedAtEpoch = 2
	require.NoError(t, c.Save(updated))

	got, ok := c.Find("chan", RoleMaster, "us-east-1", 100*365*24*time.Hour, time.Now())
	require.True(t, ok)
	assert.Equal(t, "arn:new", got.ChannelARN)
}

func TestCacheEnforcesMaxEntries(t *testing.T) {
	path := tempCachePath(t)
	c := NewEndpointCache(path)
	for i := 0; i < MaxCacheEntries+5; i++ {
		entry := CacheEntry{
			ChannelName:    "chan",
			Role:           RoleMaster,
			Region:         "region-" + string(rune('a'+i)),
			CreatedAtEpoch: time.Now().Unix(),
		}
		require.NoError(t, c.Save(entry))
	}
	entries, err := c.load()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), MaxCacheEntries)
}

func TestCorruptCacheFileDeletedAndRegenerated(t *testing.T) {
	path := tempCachePath(t)
	require.NoError(t, os.WriteFile(path, []byte("not,a,valid,cache,line\n"), 0o600))

	c := NewEndpointCache(path)
	_, ok := c.Find("chan", RoleMaster, "us-east-1", time.Hour, time.Now())
	assert.False(t, ok)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt cache file should have been deleted")
}
