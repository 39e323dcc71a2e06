package tutor

import (
	"testing"

	"github.com/haasonsaas/tutor-core/internal/tutor/config"
)

func TestNewBuildsEngineWithoutAnthropicKey(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = ":memory:"

	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if e.Handler == nil {
		t.Fatal("Handler not wired")
	}
	if e.Registry.Count() != 0 {
		t.Fatalf("Count = %d, want 0 on a fresh engine", e.Registry.Count())
	}
}

func TestNewToolClientFallsBackWithoutAPIKey(t *testing.T) {
	client, err := newToolClient(config.Default())
	if err != nil {
		t.Fatalf("newToolClient: %v", err)
	}
	if _, ok := client.(fallbackOnlyClient); !ok {
		t.Fatalf("client = %T, want fallbackOnlyClient when no API key is set", client)
	}
}
