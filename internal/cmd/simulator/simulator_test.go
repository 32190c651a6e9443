package simulator

import (
	"flag"
	"math/rand"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Fatalf("expected default server url, got %q", cfg.ServerURL)
	}
	if cfg.Users != 5 {
		t.Fatalf("expected default user count, got %d", cfg.Users)
	}
	if cfg.SampleInterval != time.Second {
		t.Fatalf("expected default sample interval, got %v", cfg.SampleInterval)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("NEARWAVE_SIM_USERS", "9")

	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-server-url", "http://example.test"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.ServerURL != "http://example.test" {
		t.Fatalf("expected flag server url, got %q", cfg.ServerURL)
	}
	if cfg.Users != 9 {
		t.Fatalf("expected env user count, got %d", cfg.Users)
	}
}

func TestRosterRandomPeerExcludesSelf(t *testing.T) {
	t.Parallel()

	peers := &roster{}
	peers.add("amar")
	rng := rand.New(rand.NewSource(1))
	if peer := peers.randomPeer("amar", rng); peer != "" {
		t.Fatalf("lone user should have no peers, got %q", peer)
	}

	peers.add("bella")
	for i := 0; i < 10; i++ {
		if peer := peers.randomPeer("amar", rng); peer != "bella" {
			t.Fatalf("peer = %q, want bella", peer)
		}
	}
}
