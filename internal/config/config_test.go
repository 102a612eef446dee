package config

import (
	"testing"
	"time"

	"github.com/drfirst/go-pas/internal/orchestration"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv("pas-gateway", env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Environment != orchestration.EnvDev || cfg.Port != "8080" || cfg.Workers != 16 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PayerTimeout != 30*time.Second || cfg.RateLimit != 600 || !cfg.AutoMigrate {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.APIKeys) != 0 || len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv("translation-worker", env(map[string]string{
		"PAS_ENV":       "production",
		"API_KEYS":      "k1:ehr-a, k2",
		"KAFKA_BROKERS": "rp-0:9092, rp-1:9092",
		"WORKERS":       "4",
		"PAYER_TIMEOUT": "5s",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Environment != orchestration.EnvProd || cfg.Workers != 4 || cfg.PayerTimeout != 5*time.Second || cfg.AutoMigrate {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.APIKeys["k1"] != "ehr-a" || cfg.APIKeys["k2"] != "default" {
		t.Errorf("api keys = %v", cfg.APIKeys)
	}

	oc, err := cfg.Orchestration()
	if err != nil {
		t.Fatal(err)
	}
	if len(oc.Brokers) != 2 || oc.Brokers[1] != "rp-1:9092" {
		t.Errorf("brokers = %v", oc.Brokers)
	}
	if oc.Topics.Decisions.Name != "pas.decisions" {
		t.Errorf("decisions topic = %s", oc.Topics.Decisions.Name)
	}
}

func TestFromEnvErrors(t *testing.T) {
	for _, m := range []map[string]string{
		{"PAS_ENV": "qa"},
		{"WORKERS": "many"},
		{"PAYER_TIMEOUT": "soon"},
		{"MINIO_USE_SSL": "maybe"},
	} {
		if _, err := FromEnv("svc", env(m)); err == nil {
			t.Errorf("%v: expected error", m)
		}
	}
}
