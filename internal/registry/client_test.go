package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(server.URL, "test-api-key")
}

func TestClient_ListBackends_ItemsFormat(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/backend", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		_, _ = w.Write([]byte(`{
			"items": [
				{"key": "svc-a", "data": {"name": "svc-a", "url": "http://a:3000", "token": "tok-a", "prefix": "/api"}},
				{"key": "svc-b", "data": {"name": "svc-b", "url": "http://b:3000", "token": "tok-b", "prefix": "/admin"}, "metadata": {"registeredAt": "2026-01-01"}}
			]
		}`))
	})

	records, err := client.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "svc-a", records[0].Key)
	assert.Equal(t, "http://a:3000", records[0].Data.URL)
	assert.Equal(t, "/admin", records[1].Data.Prefix)
}

func TestClient_ListBackends_SingleObjectFormat(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"key": "only", "data": {"name": "only", "url": "http://x:1", "token": "t", "prefix": "/x"}}`))
	})

	records, err := client.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "only", records[0].Key)
}

func TestClient_ListBackends_LegacyMapFormat(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"svc-a": {"data": {"name": "svc-a", "url": "http://a:1", "token": "t", "prefix": "/a"}},
			"svc-b": {"data": {"name": "svc-b", "url": "http://b:1", "token": "t", "prefix": "/b"}}
		}`))
	})

	records, err := client.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	keys := map[string]bool{}
	for _, r := range records {
		keys[r.Key] = true
	}
	assert.True(t, keys["svc-a"])
	assert.True(t, keys["svc-b"])
}

func TestClient_ListBackends_FiltersSoftDeleted(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"items": [
				{"key": "live", "data": {"name": "live", "url": "http://a:1", "token": "t", "prefix": "/a"}},
				{"key": "gone", "data": {"name": "gone", "url": "http://b:1", "token": "t", "prefix": "/b"}, "metadata": {"deleted": true}},
				{"key": "gone2", "data": {"name": "gone2", "url": "http://c:1", "token": "t", "prefix": "/c"}, "metadata": {"status": "deleted"}}
			]
		}`))
	})

	records, err := client.ListBackends(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "live", records[0].Key)
}

func TestClient_ListBackends_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.ListBackends(context.Background())
	require.Error(t, err)

	var regErr *Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, http.StatusInternalServerError, regErr.Status)
}

func TestClient_GetUser(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/users/admin":
			_, _ = w.Write([]byte(`{"data": {"passwordHash": "aGFzaA==", "email": "admin@example.com", "role": "admin", "active": true}}`))
		default:
			http.NotFound(w, r)
		}
	})

	user, err := client.GetUser(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, "aGFzaA==", user.PasswordHash)
	assert.Equal(t, "admin", user.Role)

	_, err = client.GetUser(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestClient_GetUser_MissingDigest(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"email": "no-hash@example.com"}}`))
	})

	_, err := client.GetUser(context.Background(), "no-hash")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestClient_ListUsers_OmitsSecrets(t *testing.T) {
	t.Parallel()

	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"items": [
				{"key": "admin", "data": {"email": "a@x.com", "role": "admin", "active": true, "passwordHash": "secret"}},
				{"key": "bob", "data": {"email": "b@x.com", "role": "user", "active": false, "passwordHash": "secret"}}
			]
		}`))
	})

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "admin", users[0].Username)
	assert.Empty(t, users[0].PasswordHash)
	assert.False(t, users[1].Active)
}

func TestClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	requests := 0
	client := newTestRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		requests++
		http.Error(w, "down", http.StatusBadGateway)
	})

	for i := 0; i < 10; i++ {
		_, err := client.ListBackends(context.Background())
		require.Error(t, err)
	}

	// Once open, the breaker fails fast without reaching the server.
	assert.Less(t, requests, 10)
}

func TestClient_BreakerIgnoresClientErrors(t *testing.T) {
	t.Parallel()

	backendCalls := 0
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/collections/backend" {
			backendCalls++
			_, _ = w.Write([]byte(`{"items": []}`))
			return
		}
		http.NotFound(w, r)
	})

	// A burst of unknown-user lookups is normal traffic (failed logins),
	// not registry misbehavior, and must leave the breaker closed.
	for i := 0; i < 8; i++ {
		_, err := client.GetUser(context.Background(), "ghost")
		require.ErrorIs(t, err, ErrUserNotFound)
	}

	_, err := client.ListBackends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backendCalls, "the call reached the registry instead of failing fast")
}
