package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wireDoc(t *testing.T, identity, displayName string, session []byte) []byte {
	t.Helper()
	doc, err := json.Marshal(map[string]string{
		"identity":     identity,
		"display_name": displayName,
		"session":      base64.StdEncoding.EncodeToString(session),
	})
	require.NoError(t, err)
	return doc
}

func TestParseBundle(t *testing.T) {
	raw := wireDoc(t, "15550001111", "Support Bot", []byte("session-secret"))

	bundle, err := ParseBundle(raw)
	require.NoError(t, err)
	assert.Equal(t, "15550001111", bundle.ExternalIdentity)
	assert.Equal(t, "Support Bot", bundle.DisplayName)
	assert.Equal(t, []byte("session-secret"), bundle.Session)
}

func TestParseBundleRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":         []byte("{{{"),
		"missing identity": wireDoc(t, "", "x", []byte("s")),
		"bad identity":     wireDoc(t, "not-a-number", "x", []byte("s")),
		"missing session": func() []byte {
			doc, _ := json.Marshal(map[string]string{"identity": "15550001111"})
			return doc
		}(),
		"bad base64": func() []byte {
			doc, _ := json.Marshal(map[string]string{"identity": "15550001111", "session": "%%%"})
			return doc
		}(),
	}

	for name, raw := range cases {
		_, err := ParseBundle(raw)
		assert.ErrorIs(t, err, ErrInvalidBundle, name)
	}
}

func TestBundleEncodeRoundTrip(t *testing.T) {
	bundle := &Bundle{
		ExternalIdentity: "15550001111",
		DisplayName:      "Support Bot",
		Session:          []byte("opaque"),
	}

	raw, err := bundle.Encode()
	require.NoError(t, err)

	parsed, err := ParseBundle(raw)
	require.NoError(t, err)
	assert.Equal(t, bundle, parsed)
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	bundle := &Bundle{ExternalIdentity: "15550001111", Session: []byte("s1")}
	require.NoError(t, store.Put(ctx, "bot_a", bundle))

	_, err := store.Get(ctx, "bot_b")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.Get(ctx, "bot_a")
	require.NoError(t, err)
	assert.Equal(t, bundle.Session, got.Session)

	// Mutating the returned bundle must not leak into the store.
	got.Session[0] = 'X'
	again, err := store.Get(ctx, "bot_a")
	require.NoError(t, err)
	assert.Equal(t, byte('s'), again.Session[0])

	require.NoError(t, store.Delete(ctx, "bot_a"))
	_, err = store.Get(ctx, "bot_a")
	assert.ErrorIs(t, err, ErrNotFound)
}
