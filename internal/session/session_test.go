package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pikbridge/internal/blob"
	"pikbridge/internal/pik"
)

func newSignInServer(t *testing.T, signIns *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/customers/sign_in", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(signIns, 1)
		w.Header().Set("Authorization", "Bearer token-from-server")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"account": {"id": 7, "phone": "+70000000122"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL string) *pik.Client {
	t.Helper()
	client, err := pik.NewClient(pik.Config{
		Username:   "+70000000122",
		Password:   "secret",
		DeviceID:   "TESTDEVICE000001",
		ICMBaseURL: baseURL,
		IoTBaseURL: baseURL,
	})
	require.NoError(t, err)
	return client
}

func TestEstablishSignsInAndPersists(t *testing.T) {
	var signIns int32
	server := newSignInServer(t, &signIns)
	store := blob.NewFileStore(filepath.Join(t.TempDir(), "session.json"))

	client := newTestClient(t, server.URL)
	keeper := NewKeeper(client, store, nil)

	require.NoError(t, keeper.Establish(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&signIns))
	assert.True(t, client.IsAuthenticated())

	state, err := load(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-from-server", state.Token)
	assert.Equal(t, "TESTDEVICE000001", state.DeviceID)
}

func TestEstablishRestoresPersistedToken(t *testing.T) {
	var signIns int32
	server := newSignInServer(t, &signIns)
	store := blob.NewFileStore(filepath.Join(t.TempDir(), "session.json"))

	first := NewKeeper(newTestClient(t, server.URL), store, nil)
	require.NoError(t, first.Establish(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&signIns))

	// Second start with the same account: no second sign-in.
	restored := newTestClient(t, server.URL)
	second := NewKeeper(restored, store, nil)
	require.NoError(t, second.Establish(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&signIns))
	assert.True(t, restored.IsAuthenticated())
	assert.Equal(t, "Bearer token-from-server", restored.Token())
}

func TestEstablishIgnoresTokenOfDifferentAccount(t *testing.T) {
	var signIns int32
	server := newSignInServer(t, &signIns)
	store := blob.NewFileStore(filepath.Join(t.TempDir(), "session.json"))

	first := NewKeeper(newTestClient(t, server.URL), store, nil)
	require.NoError(t, first.Establish(context.Background()))

	other, err := pik.NewClient(pik.Config{
		Username:   "+79999999999",
		Password:   "secret",
		DeviceID:   "TESTDEVICE000002",
		ICMBaseURL: server.URL,
		IoTBaseURL: server.URL,
	})
	require.NoError(t, err)

	keeper := NewKeeper(other, store, nil)
	require.NoError(t, keeper.Establish(context.Background()))
	assert.EqualValues(t, 2, atomic.LoadInt32(&signIns), "different account must sign in fresh")
}

func TestLoadDeviceID(t *testing.T) {
	store := blob.NewFileStore(filepath.Join(t.TempDir(), "session.json"))

	id, err := LoadDeviceID(context.Background(), store)
	require.NoError(t, err)
	assert.Empty(t, id, "missing blob yields no device id")

	var signIns int32
	server := newSignInServer(t, &signIns)
	keeper := NewKeeper(newTestClient(t, server.URL), store, nil)
	require.NoError(t, keeper.Establish(context.Background()))

	id, err = LoadDeviceID(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, "TESTDEVICE000001", id)
}
