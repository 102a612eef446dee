package orchestration

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-pas/internal/pas/sla"
)

func TestBuildEnvironments(t *testing.T) {
	f := NewFactory("pas.example.org")

	tests := []struct {
		env         Environment
		prefix      string
		replication int16
		gateway     string
	}{
		{EnvDev, "dev.", 1, "https://gateway.dev.pas.example.org"},
		{EnvTest, "test.", 1, "https://gateway.test.pas.example.org"},
		{EnvStaging, "staging.", 1, "https://gateway.staging.pas.example.org"},
		{EnvProd, "", 3, "https://gateway.pas.example.org"},
	}

	for _, tt := range tests {
		t.Run(string(tt.env), func(t *testing.T) {
			cfg, err := f.Build(tt.env)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if cfg.Endpoints.Gateway != tt.gateway {
				t.Errorf("gateway = %s", cfg.Endpoints.Gateway)
			}
			for _, topic := range cfg.Topics.All() {
				if tt.prefix != "" && !strings.HasPrefix(topic.Name, tt.prefix) {
					t.Errorf("topic %s missing prefix %s", topic.Name, tt.prefix)
				}
				if tt.prefix == "" && !strings.HasPrefix(topic.Name, "pas.") {
					t.Errorf("prod topic %s should not be prefixed", topic.Name)
				}
				if topic.ReplicationFactor != tt.replication {
					t.Errorf("topic %s replication = %d, want %d", topic.Name, topic.ReplicationFactor, tt.replication)
				}
			}
			if cfg.SLA.Expedited != 72*time.Hour || cfg.SLA.Standard != 168*time.Hour || cfg.SLA.Extension != 14*24*time.Hour {
				t.Errorf("sla policy = %+v", cfg.SLA)
			}
		})
	}
}

func TestBuildUnknownEnvironment(t *testing.T) {
	_, err := NewFactory("pas.example.org").Build("qa")
	if !errors.Is(err, ErrUnknownEnvironment) {
		t.Errorf("got %v, want ErrUnknownEnvironment", err)
	}
}

func TestParseEnvironment(t *testing.T) {
	for in, want := range map[string]Environment{"production": EnvProd, "Dev": EnvDev, "stage": EnvStaging, "test": EnvTest} {
		got, err := ParseEnvironment(in)
		if err != nil || got != want {
			t.Errorf("ParseEnvironment(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseEnvironment("qa"); err == nil {
		t.Error("expected error for qa")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg, err := NewFactory("pas.example.org").Build(EnvStaging)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	if !bytes.Contains(data, []byte("retention: 168h0m0s")) {
		t.Errorf("durations should render as strings:\n%s", data)
	}

	path := filepath.Join(t.TempDir(), "staging.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("round trip mismatch:\n%+v\n%+v", cfg, loaded)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":   "environment: dev\nbogus: 1\n",
		"missing topic": "environment: dev\nbrokers: [\"localhost:9092\"]\n",
		"bad env":       "environment: qa\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSLAPolicyDrivesCalculator(t *testing.T) {
	cfg, err := NewFactory("pas.example.org").Build(EnvProd)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.SLA.Policy(); got != sla.DefaultPolicy() {
		t.Errorf("prod policy = %+v", got)
	}

	cfg.SLA.Standard = 48 * time.Hour
	cfg.SLA.MaxExtensions = 0
	submitted := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := cfg.SLA.Policy().Calculate("req-1", sla.Standard, submitted)
	if err != nil {
		t.Fatal(err)
	}
	if !s.DueBy.Equal(submitted.Add(48 * time.Hour)) {
		t.Errorf("dueBy = %v", s.DueBy)
	}
	if _, err := cfg.SLA.Policy().Extend(s); !errors.Is(err, sla.ErrExtensionNotAllowed) {
		t.Errorf("extend error = %v", err)
	}
}
