package llmprovider

import (
	"reflect"
	"strings"
	"testing"

	"github.com/petal-labs/iris/providers"

	"github.com/petal-labs/petalbridge/core"
)

func TestNewClient_Ollama(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		endpoint    core.ModelEndpoint
		wantBaseURL string
	}{
		{name: "defaults", endpoint: core.ModelEndpoint{}, wantBaseURL: DefaultOllamaBaseURL},
		{name: "explicit", endpoint: core.ModelEndpoint{Provider: "ollama", BaseURL: "http://gpu-box:11434"}, wantBaseURL: "http://gpu-box:11434"},
		{name: "case-insensitive", endpoint: core.ModelEndpoint{Provider: " Ollama "}, wantBaseURL: DefaultOllamaBaseURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewClient(tt.endpoint)
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			adapter, ok := client.(*irisAdapter)
			if !ok {
				t.Fatalf("expected *irisAdapter, got %T", client)
			}
			if got := reflect.TypeOf(adapter.provider).String(); got != "*ollama.Ollama" {
				t.Fatalf("provider type = %q, want *ollama.Ollama", got)
			}
			if got := readProviderConfigStringField(t, adapter.provider, "BaseURL"); got != tt.wantBaseURL {
				t.Fatalf("BaseURL = %q, want %q", got, tt.wantBaseURL)
			}
			if !adapter.textToolCalls {
				t.Fatal("text tool calls should default on")
			}
		})
	}
}

func TestNewClient_HostedProvider(t *testing.T) {
	t.Parallel()

	client, err := NewClient(core.ModelEndpoint{Provider: "OpenAI", APIKey: "test-key"}, WithTextToolCalls(false))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	adapter := client.(*irisAdapter)
	if got := reflect.TypeOf(adapter.provider).String(); got != "*openai.OpenAI" {
		t.Fatalf("provider type = %q, want *openai.OpenAI", got)
	}
	if adapter.textToolCalls {
		t.Fatal("WithTextToolCalls(false) not applied")
	}
}

func TestNewClient_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewClient(core.ModelEndpoint{Provider: "definitely-not-a-provider"})
	if err == nil {
		t.Fatal("expected error for unknown provider, got nil")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("error = %q, want to contain %q", err.Error(), "unknown provider")
	}
}

func readProviderConfigStringField(t *testing.T, p providers.Provider, field string) string {
	t.Helper()

	pv := reflect.ValueOf(p)
	if pv.Kind() != reflect.Ptr || pv.IsNil() {
		t.Fatalf("provider must be a non-nil pointer, got %T", p)
	}
	cfg := pv.Elem().FieldByName("config")
	if !cfg.IsValid() {
		t.Fatalf("provider %T has no config field", p)
	}
	v := cfg.FieldByName(field)
	if !v.IsValid() || v.Kind() != reflect.String {
		t.Fatalf("provider %T config has no string field %q", p, field)
	}
	return v.String()
}
