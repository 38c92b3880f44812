package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withServer(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	prevURL, prevSecret := serverURL, sharedSecret
	serverURL, sharedSecret = srv.URL, "s3cret"
	t.Cleanup(func() { serverURL, sharedSecret = prevURL, prevSecret })
}

func TestCallSendsSecretAndDecodes(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("Ailex-Shared-Secret"))
		assert.Equal(t, "/api/turns", r.URL.Path)
		w.Write([]byte(`{"reply":"Which language?","state":"chat"}`))
	})

	var resp turnResponse
	require.NoError(t, call(http.MethodPost, "/api/turns", map[string]string{"message": "hi"}, &resp))
	require.Equal(t, "Which language?", resp.Reply)
	require.Equal(t, "chat", resp.State)
}

func TestCallReportsServerError(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"message is empty"}`))
	})

	err := call(http.MethodPost, "/api/turns", map[string]string{}, nil)
	require.EqualError(t, err, "server error (400): message is empty")
}

func TestResolve(t *testing.T) {
	prev := serverURL
	t.Cleanup(func() { serverURL = prev })
	serverURL = "http://localhost:8080/"

	require.Equal(t, "http://localhost:8080/api/artifacts/u1", resolve("/api/artifacts/u1"))
	require.Equal(t, "https://ailex.example/api/artifacts/u1", resolve("https://ailex.example/api/artifacts/u1"))
}
