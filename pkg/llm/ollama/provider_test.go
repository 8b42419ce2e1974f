package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ai-research-be/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider_Chat(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		want    string
		wantErr bool
	}{
		{name: "answer", status: http.StatusOK, reply: "Paris", want: "Paris"},
		{name: "empty answer", status: http.StatusOK, reply: "", wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ollamaChatRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/chat", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaMessage{Role: "assistant", Content: tt.reply}, Done: true})
			}))
			defer srv.Close()

			p := NewOllamaProvider(srv.URL+"/", "llama3", 0.3, 0)
			answer, err := p.Generate(context.Background(), "capital of France?", llm.WithMaxTokens(50))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, answer)
			assert.Equal(t, "llama3", got.Model)
			assert.False(t, got.Stream)
			assert.Equal(t, 50, got.Options.NumPredict)
		})
	}
}

func TestOllamaProvider_ConfiguredDefaults(t *testing.T) {
	tests := []struct {
		name     string
		opts     []llm.Option
		wantTemp float64
		wantMax  int
	}{
		{name: "configured values", wantTemp: 0.7, wantMax: 1200},
		{name: "call options win", opts: []llm.Option{llm.WithTemperature(0.1), llm.WithMaxTokens(64)}, wantTemp: 0.1, wantMax: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ollamaChatRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaMessage{Role: "assistant", Content: "ok"}, Done: true})
			}))
			defer srv.Close()

			p := NewOllamaProvider(srv.URL, "llama3", 0.7, 1200)
			_, err := p.Generate(context.Background(), "hi", tt.opts...)
			require.NoError(t, err)
			require.NotNil(t, got.Options)
			assert.InDelta(t, tt.wantTemp, got.Options.Temperature, 1e-9)
			assert.Equal(t, tt.wantMax, got.Options.NumPredict)
		})
	}
}
