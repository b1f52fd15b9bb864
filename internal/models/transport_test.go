package models

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/podex-dev/agentcore/internal/config"
)

func TestCheckedTransport(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		status      int
		body        string
		wantErr     bool
		wantStatus  int
	}{
		{"json", "application/json", 200, `{"model":"m"}`, false, 0},
		{"ndjson stream", "application/x-ndjson", 200, `{"done":false}`, false, 0},
		{"sse stream", "text/event-stream; charset=utf-8", 200, "data: {}\n\n", false, 0},
		{"proxy plain text", "text/plain", 200, "no available server", true, 200},
		{"server error", "application/json", 503, `{"error":"overloaded"}`, true, 503},
		{"rate limited", "application/json", 429, `{"error":"slow down"}`, true, 429},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := openaiEndpoint.client(5 * time.Second)
			resp, err := client.Get(srv.URL)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				defer resp.Body.Close()
				got, _ := io.ReadAll(resp.Body)
				if string(got) != tt.body {
					t.Errorf("body: got %q", got)
				}
				return
			}

			var unavail *ErrModelUnavailable
			if !errors.As(err, &unavail) {
				t.Fatalf("expected ErrModelUnavailable, got %T: %v", err, err)
			}
			if unavail.Provider != "openai" || unavail.Status != tt.wantStatus || unavail.Body != tt.body {
				t.Errorf("error: %+v", unavail)
			}
		})
	}
}

func TestCheckedTransportConnectionError(t *testing.T) {
	tr := &checkedTransport{inner: http.DefaultTransport, provider: "ollama"}
	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:1", nil)
	_, err := tr.RoundTrip(req)

	var unavail *ErrModelUnavailable
	if !errors.As(err, &unavail) || unavail.Cause == nil {
		t.Fatalf("expected ErrModelUnavailable with a cause, got %v", err)
	}
}

func TestEndpointResolve(t *testing.T) {
	base, model, timeout := mistralEndpoint.resolve(config.ProviderConfig{Driver: "mistral"})
	if base != "https://api.mistral.ai/v1" || model != "mistral-small-latest" || timeout != 5*time.Minute {
		t.Errorf("defaults: %s %s %s", base, model, timeout)
	}
	base, model, _ = ollamaEndpoint.resolve(config.ProviderConfig{Driver: "ollama", BaseURL: "http://gpu:11434", Model: "qwen3"})
	if base != "http://gpu:11434" || model != "qwen3" {
		t.Errorf("overrides: %s %s", base, model)
	}
}

func TestOptFloat(t *testing.T) {
	opts := map[string]any{"temperature": 0.2, "top_k": 40, "bad": "x"}
	if v, ok := optFloat(opts, "temperature"); !ok || v != float32(0.2) {
		t.Errorf("temperature: %v %v", v, ok)
	}
	if v, ok := optInt(opts, "top_k"); !ok || v != 40 {
		t.Errorf("top_k: %v %v", v, ok)
	}
	if _, ok := optFloat(opts, "bad"); ok {
		t.Error("string option should be ignored")
	}
	if _, ok := optFloat(nil, "temperature"); ok {
		t.Error("nil options")
	}
}
