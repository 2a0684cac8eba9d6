// Copyright 2025 Certen Protocol
package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChainID != 1 || cfg.Version != 1 || cfg.ForkID != 1 {
		t.Errorf("block identity defaults: chain=%d version=%d fork=%d", cfg.ChainID, cfg.Version, cfg.ForkID)
	}
	if cfg.AdmissionConcurrencyLimit != 100 {
		t.Errorf("concurrency limit default: got %d, want 100", cfg.AdmissionConcurrencyLimit)
	}
	if cfg.LeaseTTLSeconds != 30 || cfg.LeaseHeartbeatSeconds != 10 || cfg.LeasePollIntervalMillis != 5000 {
		t.Errorf("lease defaults: ttl=%d heartbeat=%d poll=%d",
			cfg.LeaseTTLSeconds, cfg.LeaseHeartbeatSeconds, cfg.LeasePollIntervalMillis)
	}
	if cfg.NodeID == "" {
		t.Error("node id default is empty")
	}

	hash, err := cfg.InitialBlockHashBytes()
	if err != nil {
		t.Fatalf("initial block hash: %v", err)
	}
	if len(hash) != 32 {
		t.Errorf("initial block hash length: got %d, want 32", len(hash))
	}
}

func TestValidate_RequiresDatabaseURL(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.DatabaseURL = ""
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("got %v, want DATABASE_URL error", err)
	}
}

func TestValidate_RealAnchorNeedsEndpoint(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.DatabaseURL = "postgres://localhost/aggregator"
	cfg.AnchorMock = false
	cfg.EthereumURL = ""
	cfg.EthPrivateKey = ""
	cfg.AnchorContractAddress = ""

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"ETHEREUM_URL", "ETH_PRIVATE_KEY", "ANCHOR_CONTRACT_ADDRESS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}
