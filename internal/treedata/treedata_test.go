package treedata

import "testing"

func TestStreamFormatsPerTelescopeSubject(t *testing.T) {
	td := New("nats://127.0.0.1:4222", map[string]string{"plan": "plan.%s", "alpaca_config": "alpaca_config"})

	if got := td.Stream("plan", "telescope-1"); got != "plan.telescope-1" {
		t.Fatalf("Stream(plan, telescope-1) = %q, want plan.telescope-1", got)
	}
	if got := td.Stream("alpaca_config", ""); got != "alpaca_config" {
		t.Fatalf("Stream(alpaca_config, \"\") = %q, want alpaca_config", got)
	}
	if got := td.Stream("unknown", "x"); got != "unknown" {
		t.Fatalf("Stream falls back to the raw key for an unconfigured subject, got %q", got)
	}
}

func TestPublishSkipsWhenDisconnected(t *testing.T) {
	td := New("nats://127.0.0.1:4222", nil)
	// Publish must swallow failures rather than panic when not connected.
	td.Publish("some.subject", nil)
}
