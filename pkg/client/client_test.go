package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStatusAndRun(t *testing.T) {
	var gotTask string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/status":
			_ = json.NewEncoder(w).Encode(Status{Running: 1, Build: "running", Scripts: []string{"build"}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/run":
			var req RunRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			gotTask = req.Task
			if req.Task == "busy" {
				w.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "Refusing to run"})
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/api/"})
	ctx := context.Background()
	assert.True(t, c.IsReachable(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, "running", st.Build)

	require.NoError(t, c.Run(ctx, "lint"))
	assert.Equal(t, "lint", gotTask)

	err = c.Run(ctx, "busy")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Refusing to run", apiErr.Message)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}

func TestClientSendsToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, Token: "tok"}).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got)

	_, err = New(Config{BaseURL: srv.URL}).Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
