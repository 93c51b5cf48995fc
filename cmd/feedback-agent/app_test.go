package main

import (
	"testing"
	"time"

	"github.com/LJN-sisi/feedback-agent/config"
	"github.com/LJN-sisi/feedback-agent/observability"
	"github.com/LJN-sisi/feedback-agent/store"
)

func TestNewAppRequiresRepoURL(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewApp(cfg, newLogger("error")); err == nil {
		t.Fatal("expected an error when workspace.repo_url is unset")
	}

	cfg.Workspace.RepoURL = "https://example.com/app.git"
	if _, err := NewApp(cfg, newLogger("error")); err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
}

func TestBreakerConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace.RepoURL = "https://example.com/app.git"
	cfg.Breaker.MaxDailyTokens = 5000
	cfg.Breaker.MaxRetries = 7
	cfg.Breaker.TokenWindow = time.Hour

	app, err := NewApp(cfg, newLogger("error"))
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	bcfg := app.breakerConfig()
	if bcfg.MaxDailyTokens != 5000 {
		t.Errorf("expected 5000 daily tokens, got %d", bcfg.MaxDailyTokens)
	}
	if bcfg.MaxRetries != 7 {
		t.Errorf("expected 7 retries, got %d", bcfg.MaxRetries)
	}
	if bcfg.TokenWindow != time.Hour {
		t.Errorf("expected 1h window, got %v", bcfg.TokenWindow)
	}
	// Unconfigured windows keep package defaults.
	if bcfg.TripWindow == 0 {
		t.Error("expected a default trip window")
	}
}

func TestUsageRecorderForwardsToStore(t *testing.T) {
	st, err := store.New(store.Options{Mode: store.ModeMemory, Logger: newLogger("error")})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	rec := &usageRecorder{store: st, metrics: observability.New()}
	rec.AppendTokenUsage(store.TokenUsage{ID: "u1", Model: "m", CallType: "analysis", PromptTokens: 10, CompletionTokens: 5, Timestamp: time.Now(), Success: true})

	records, aggregates := st.ListTokenUsage(store.UsageFilter{})
	if len(records) != 1 {
		t.Fatalf("expected 1 usage row, got %d", len(records))
	}
	if aggregates.TotalPromptTokens+aggregates.TotalCompletionTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", aggregates.TotalPromptTokens+aggregates.TotalCompletionTokens)
	}
}

func TestRootCmdSubcommands(t *testing.T) {
	cmd := rootCmd()
	want := map[string]bool{"version": false, "config": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %s subcommand", name)
		}
	}
}
