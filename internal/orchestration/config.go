// Package orchestration builds the declarative per-environment endpoint and
// topic configuration consumed by the services around the translation core.
package orchestration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-pas/internal/pas/sla"
)

// Environment is a deployment stage.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvTest    Environment = "test"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Valid reports whether e is one of the four deployment stages.
func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvTest, EnvStaging, EnvProd:
		return true
	}
	return false
}

// ErrUnknownEnvironment is returned for an environment outside dev, test, staging, prod.
var ErrUnknownEnvironment = errors.New("unknown environment")

// ParseEnvironment accepts the short names and their common long forms.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "local":
		return EnvDev, nil
	case "test":
		return EnvTest, nil
	case "staging", "stage":
		return EnvStaging, nil
	case "prod", "production":
		return EnvProd, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
}

// Endpoints are the externally reachable service URLs.
type Endpoints struct {
	Gateway     string `yaml:"gateway" validate:"required,url"`
	PayerSubmit string `yaml:"payer_submit" validate:"required,url"`
	CDSServices string `yaml:"cds_services" validate:"required,url"`
	FHIRServer  string `yaml:"fhir_server" validate:"required,url"`
}

// Topic describes one Kafka topic.
type Topic struct {
	Name              string        `yaml:"name" validate:"required"`
	Partitions        int32         `yaml:"partitions" validate:"min=1"`
	ReplicationFactor int16         `yaml:"replication_factor" validate:"min=1"`
	Retention         time.Duration `yaml:"retention" validate:"gt=0"`
	CleanupPolicy     string        `yaml:"cleanup_policy" validate:"oneof=delete compact"`
}

// Topics is the full set of topics the pipeline uses.
type Topics struct {
	X12Requests  Topic `yaml:"x12_requests"`
	FHIRRequests Topic `yaml:"fhir_requests"`
	Decisions    Topic `yaml:"decisions"`
	X12Responses Topic `yaml:"x12_responses"`
	SLAEvents    Topic `yaml:"sla_events"`
	DeadLetter   Topic `yaml:"dead_letter"`
}

// All returns every topic in a fixed order.
func (t Topics) All() []Topic {
	return []Topic{t.X12Requests, t.FHIRRequests, t.Decisions, t.X12Responses, t.SLAEvents, t.DeadLetter}
}

// SLAPolicy is the decision windows the pipeline enforces.
type SLAPolicy struct {
	Expedited     time.Duration `yaml:"expedited" validate:"gt=0"`
	Standard      time.Duration `yaml:"standard" validate:"gt=0"`
	Extension     time.Duration `yaml:"extension" validate:"gt=0"`
	MaxExtensions int           `yaml:"max_extensions" validate:"min=0,max=1"`
}

// Policy returns the calculator policy for these windows.
func (p SLAPolicy) Policy() sla.Policy {
	return sla.Policy{
		Expedited:     p.Expedited,
		Standard:      p.Standard,
		Extension:     p.Extension,
		MaxExtensions: p.MaxExtensions,
	}
}

// RetryPolicy governs redelivery of records and retries around payer submission.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// Config is the rendered configuration for one environment.
type Config struct {
	Environment      Environment `yaml:"environment" validate:"required,oneof=dev test staging prod"`
	Brokers          []string    `yaml:"brokers" validate:"required,min=1,dive,hostname_port"`
	Endpoints        Endpoints   `yaml:"endpoints"`
	Topics           Topics      `yaml:"topics"`
	SLA              SLAPolicy   `yaml:"sla"`
	Retry            RetryPolicy `yaml:"retry"`
	AttachmentBucket string      `yaml:"attachment_bucket" validate:"required,min=3,max=63"`
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid orchestration config: %w", err)
	}
	return nil
}

// YAML renders the config.
func (c Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode orchestration config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load decodes and validates a config. Unknown keys are rejected.
func Load(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("decode orchestration config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile loads a config from path.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Load(f)
}

// Factory builds configs for a deployment rooted at one base domain.
// It keeps no state between calls.
type Factory struct {
	baseDomain string
}

// NewFactory creates a factory for baseDomain (for example "pas.example.org").
func NewFactory(baseDomain string) *Factory {
	return &Factory{baseDomain: strings.Trim(baseDomain, ". ")}
}

// Build renders the config for env.
func (f *Factory) Build(env Environment) (Config, error) {
	if !env.Valid() {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}

	domain := f.baseDomain
	if env != EnvProd {
		domain = string(env) + "." + f.baseDomain
	}

	cfg := Config{
		Environment: env,
		Brokers:     f.brokers(env, domain),
		Endpoints: Endpoints{
			Gateway:     "https://gateway." + domain,
			PayerSubmit: "https://payer." + domain + "/fhir/Claim/$submit",
			CDSServices: "https://gateway." + domain + "/cds-services",
			FHIRServer:  "https://fhir." + domain + "/fhir",
		},
		Topics: f.topics(env),
		SLA: SLAPolicy{
			Expedited:     sla.ExpeditedWindow,
			Standard:      sla.StandardWindow,
			Extension:     sla.ExtensionWindow,
			MaxExtensions: 1,
		},
		Retry: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
		},
		AttachmentBucket: "pas-attachments-" + string(env),
	}
	if env == EnvDev {
		cfg.Retry.MaxAttempts = 2
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (f *Factory) brokers(env Environment, domain string) []string {
	if env == EnvDev {
		return []string{"localhost:9092"}
	}
	return []string{
		"redpanda-0." + domain + ":9092",
		"redpanda-1." + domain + ":9092",
		"redpanda-2." + domain + ":9092",
	}
}

func (f *Factory) topics(env Environment) Topics {
	var (
		partitions  int32 = 1
		replication int16 = 1
	)
	switch env {
	case EnvStaging:
		partitions = 3
	case EnvProd:
		partitions, replication = 12, 3
	}

	name := func(base string) string {
		if env == EnvProd {
			return base
		}
		return string(env) + "." + base
	}
	topic := func(base string, retention time.Duration) Topic {
		return Topic{
			Name:              name(base),
			Partitions:        partitions,
			ReplicationFactor: replication,
			Retention:         retention,
			CleanupPolicy:     "delete",
		}
	}

	const day = 24 * time.Hour
	return Topics{
		X12Requests:  topic("pas.x12.requests", 7*day),
		FHIRRequests: topic("pas.fhir.requests", 7*day),
		Decisions:    topic("pas.decisions", 30*day),
		X12Responses: topic("pas.x12.responses", 7*day),
		SLAEvents:    topic("pas.sla.events", 30*day),
		DeadLetter:   topic("pas.dlq", 30*day),
	}
}
