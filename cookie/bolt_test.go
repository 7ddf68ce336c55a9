package cookie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltPersistReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cookie.db")

	j, err := NewBolt(path)
	require.NoError(t, err)
	setCookie(t, j, "http://example.com/", "keep=1; Domain=example.com; Path=/; Max-Age=3600")
	setCookie(t, j, "http://example.com/", "session=1; Path=/")
	require.NoError(t, j.Close())

	j2, err := NewBolt(path)
	require.NoError(t, err)
	defer j2.Close()

	// Expiring cookies survive the restart, session cookies do not.
	assert.Equal(t, "keep=1", j2.CookieString(mustURL(t, "http://www.example.com/")))
}

func TestBoltRemovePersisted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cookie.db")

	j, err := NewBolt(path)
	require.NoError(t, err)
	setCookie(t, j, "http://example.com/", "a=1; Path=/; Max-Age=3600")
	j.RemoveCookies(mustURL(t, "http://example.com/"))
	require.NoError(t, j.Close())

	j2, err := NewBolt(path)
	require.NoError(t, err)
	defer j2.Close()
	assert.Empty(t, j2.Cookies(mustURL(t, "http://example.com/")))
}

func TestBoltClear(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cookie.db")

	j, err := NewBolt(path)
	require.NoError(t, err)
	defer j.Close()
	setCookie(t, j, "http://example.com/", "a=1; Path=/; Max-Age=3600")
	j.Clear()

	assert.Empty(t, j.Cookies(mustURL(t, "http://example.com/")))
}
