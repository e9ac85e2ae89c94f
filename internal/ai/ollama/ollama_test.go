package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat(t *testing.T) {
	var got struct {
		Model    string              `json:"model"`
		Stream   bool                `json:"stream"`
		Messages []map[string]string `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"\nNARRATOR: Rain.\n"}}`))
	}))
	defer srv.Close()

	out, err := New(srv.URL+"/").CompleteWithSystem(context.Background(), "llama3", "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "NARRATOR: Rain.", out)
	assert.Equal(t, "llama3", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "user", got.Messages[1]["role"])
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Complete(context.Background(), "missing-model", "hi")
	assert.EqualError(t, err, "ollama status 404")
}

func TestDefaultHost(t *testing.T) {
	assert.Equal(t, "http://localhost:11434", New("").Host)
}
