package identity

import (
	"os"
	"path/filepath"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesUsableKeypair(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	assert.Len(t, id.PublicKey, 64, "x-only pubkey is 32 bytes hex")

	evt := &nostr.Event{
		Kind:      22242,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"challenge", "abc"}},
	}
	require.NoError(t, id.Sign(evt))
	assert.Equal(t, id.PublicKey, evt.PubKey)
	assert.NotEmpty(t, evt.ID)
	assert.NotEmpty(t, evt.Sig)

	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetOrCreateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	created, err := GetOrCreate(dir)
	require.NoError(t, err)

	keyPath := filepath.Join(dir, KeyDir, KeyFileName)
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := GetOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey, loaded.PublicKey)
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, KeyDir, KeyFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(keyPath), 0700))
	require.NoError(t, os.WriteFile(keyPath, []byte("not-hex"), 0600))

	_, err := GetOrCreate(dir)
	assert.Error(t, err)
}
