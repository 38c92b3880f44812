package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/session"
)

type fakeLLM struct {
	response string
	err      error
	system   string
	user     string
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	f.system, f.user = system, user
	return f.response, f.err
}

func TestClassifySelectsInstructionByMode(t *testing.T) {
	llm := &fakeLLM{response: `{"status":"need_more_info"}`}
	g := NewGateway(llm, config.Instructions{Chat: "CHAT", Code: "CODE"}, time.Second, nil)

	out := g.Classify(context.Background(), "a\nb", session.ModeChat)
	require.False(t, out.Fallback)
	require.Equal(t, "CHAT", llm.system)
	require.Equal(t, "a\nb", llm.user)

	g.Classify(context.Background(), "a", session.ModeCode)
	require.Equal(t, "CODE", llm.system)
}

func TestClassifyDefaultsInstructions(t *testing.T) {
	g := NewGateway(&fakeLLM{}, config.Instructions{}, 0, nil)
	def := config.DefaultDialogue().Instructions
	require.Equal(t, def.Chat, g.Instruction(session.ModeChat))
	require.Equal(t, def.Code, g.Instruction(session.ModeCode))
	require.Equal(t, DefaultTimeout, g.timeout)
}

func TestClassifyFallbackOnError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection refused")}
	g := NewGateway(llm, config.Instructions{}, time.Second, nil)

	out := g.Classify(context.Background(), "x", session.ModeChat)
	require.True(t, out.Fallback)
	require.Error(t, out.Cause)
	require.Equal(t, 1, llm.calls, "no retry")
}

func TestClassifyFallbackOnEmpty(t *testing.T) {
	g := NewGateway(&fakeLLM{response: "  \n"}, config.Instructions{}, time.Second, nil)
	out := g.Classify(context.Background(), "x", session.ModeChat)
	require.True(t, out.Fallback)
	require.ErrorIs(t, out.Cause, ErrEmptyResponse)
}

func TestClassifyWithoutBackend(t *testing.T) {
	g := NewGateway(nil, config.Instructions{}, time.Second, nil)
	out := g.Classify(context.Background(), "x", session.ModeChat)
	require.True(t, out.Fallback)
	require.ErrorIs(t, out.Cause, ErrNoBackend)
}

func TestClassifyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewOpenRouterClient("key", "", srv.URL)
	g := NewGateway(client, config.Instructions{}, 50*time.Millisecond, nil)

	start := time.Now()
	out := g.Classify(context.Background(), "x", session.ModeChat)
	require.True(t, out.Fallback)
	require.ErrorIs(t, out.Cause, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestOpenRouterClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, DefaultOpenRouterModel, body.Model)
		require.Len(t, body.Messages, 2)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "hello", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"status\":\"ready\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenRouterClient("secret", "", srv.URL+"/")
	got, err := c.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	require.Equal(t, `{"status":"ready"}`, got)
}

func TestOpenRouterClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non-2xx", http.StatusBadGateway, `upstream down`},
		{"malformed body", http.StatusOK, `<html>`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewGateway(NewOpenRouterClient("k", "", srv.URL), config.Instructions{}, time.Second, nil)
			out := g.Classify(context.Background(), "x", session.ModeCode)
			require.True(t, out.Fallback)
			require.Error(t, out.Cause)
		})
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenRouterClient("k", "", srv.URL).Complete(context.Background(), "s", "u")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestAnthropicClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hi"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("key", "")
	c.baseURL = srv.URL
	got, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	require.Equal(t, "hi", got)
}

func TestWriteCode(t *testing.T) {
	llm := &fakeLLM{response: "print(1)"}
	g := NewGateway(llm, config.Instructions{}, time.Second, nil)

	out, err := g.WriteCode(context.Background(), "password generator", map[string]any{"length": 12})
	require.NoError(t, err)
	require.Equal(t, "print(1)", out)
	require.Equal(t, "Create the tool:\npassword generator", llm.system)
	require.JSONEq(t, `{"length":12}`, llm.user)
}

func TestNewClientFromConfig(t *testing.T) {
	c, err := NewClientFromConfig(&config.Config{OpenRouterAPIKey: "a", AnthropicAPIKey: "b"})
	require.NoError(t, err)
	require.IsType(t, &OpenRouterClient{}, c)

	c, err = NewClientFromConfig(&config.Config{AnthropicAPIKey: "b"})
	require.NoError(t, err)
	require.IsType(t, &AnthropicClient{}, c)

	_, err = NewClientFromConfig(&config.Config{})
	require.Error(t, err)
}
