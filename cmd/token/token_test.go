package token

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/deltasync/pkg/config"
	"github.com/sidkik/deltasync/pkg/errors"
)

func newTokenServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path != tokensEndpoint || r.Method != http.MethodPost:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(Response{Error: "endpoint not found"})
		case r.Header.Get("Authorization") != "Bearer secret":
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(Response{Error: "invalid admin key"})
		default:
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Response{Token: "token-for-" + req["username"],
				Username: req["username"]})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetToken(t *testing.T) {
	srv := newTokenServer(t)

	token, err := getToken(srv.URL+"/", "secret", "alice")
	require.NoError(t, err)
	assert.Equal(t, "token-for-alice", token)

	_, err = getToken(srv.URL, "wrong", "alice")
	var friendlyErr errors.FriendlyError
	require.True(t, errors.As(err, &friendlyErr))
	assert.Contains(t, friendlyErr.FriendlyMessage(), "invalid admin key")

	_, err = getToken(srv.URL+"/prefix", "secret", "alice")
	assert.Error(t, err)
}

func TestMainSave(t *testing.T) {
	srv := newTokenServer(t)
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, config.WriteClient(path, config.Client{
		Server: "localhost:9300",
		Root:   "/home/alice/sync",
	}))

	require.NoError(t, Main(srv.URL, "secret", "alice", path))

	cfg, err := config.ParseClient(path)
	require.NoError(t, err)
	assert.Equal(t, "token-for-alice", cfg.Token)
	assert.Equal(t, "localhost:9300", cfg.Server)
}

func TestMainMissingAdminKey(t *testing.T) {
	err := Main("http://localhost:9301", "", "alice", "")
	var friendlyErr errors.FriendlyError
	assert.True(t, errors.As(err, &friendlyErr))
}
