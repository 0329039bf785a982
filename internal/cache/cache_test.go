package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a/b", Key("https://a/b", ""))
	assert.Equal(t, "https://a/b#payments", Key("https://a/b", "payments"))
}

func TestNamespace(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "www.amazon.co.uk", Namespace("https://www.amazon.co.uk"))
	assert.Equal(t, "www.amazon.com", Namespace("WWW.Amazon.com"))
	assert.Equal(t, "127.0.0.1_8080", Namespace("http://127.0.0.1:8080/path"))
	assert.Equal(t, "default", Namespace(""))
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	sealed := Seal([]byte("<html>orders</html>"))
	payload, ok := Open(sealed)
	require.True(t, ok)
	require.Equal(t, "<html>orders</html>", string(payload))

	empty, ok := Open(Seal(nil))
	require.True(t, ok)
	require.Empty(t, empty)

	truncated := sealed[:len(sealed)-3]
	_, ok = Open(truncated)
	require.False(t, ok)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, ok = Open(tampered)
	require.False(t, ok)

	_, ok = Open([]byte("raw html"))
	require.False(t, ok)
}
