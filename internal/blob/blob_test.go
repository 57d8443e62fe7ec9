package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "session.json"))

	_, err := store.Load(context.Background(), "session")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(context.Background(), "session", []byte(`{"token":"abc"}`)))

	data, err := store.Load(context.Background(), "session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"abc"}`, string(data))
}

func TestFileStoreOverwrite(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "session.json"))

	require.NoError(t, store.Save(context.Background(), "session", []byte(`{"v":1}`)))
	require.NoError(t, store.Save(context.Background(), "session", []byte(`{"v":2}`)))

	data, err := store.Load(context.Background(), "session")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestParseEndpoint(t *testing.T) {
	host, secure, err := parseEndpoint("https://s3.example.com")
	require.NoError(t, err)
	assert.Equal(t, "s3.example.com", host)
	assert.True(t, secure)

	host, secure, err = parseEndpoint("http://localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)

	host, secure, err = parseEndpoint("minio.internal:9000")
	require.NoError(t, err)
	assert.Equal(t, "minio.internal:9000", host)
	assert.True(t, secure)
}
