// Package config loads orchestrator settings from the environment and the
// YAML files it points to.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"ledgerflow/agreement"
	"ledgerflow/chain"
)

// Schedule store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// ErrInvalid reports a configuration that cannot start the orchestrator.
var ErrInvalid = errors.New("config: invalid")

// Config is the full orchestrator configuration.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	RPCType         string        `env:"RPC_TYPE" envDefault:"http"`
	RPCAddress      string        `env:"RPC_ADDRESS,required"`
	RPCCallTimeout  time.Duration `env:"RPC_CALL_TIMEOUT" envDefault:"10s"`
	EthGasPriceGwei string        `env:"ETH_GAS_PRICE_GWEI" envDefault:"1"`
	EthGasLimit     uint64        `env:"ETH_GAS_LIMIT" envDefault:"3000000"`

	LedgerProfile     string        `env:"LEDGER_PROFILE"`
	AuthAccessJWT     string        `env:"AUTH_ACCESS_JWT"`
	AuthSigningSecret string        `env:"AUTH_SIGNING_SECRET"`
	AuthLogin         string        `env:"AUTH_LOGIN" envDefault:"ledgerflow"`
	AuthTokenTTL      time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"1h"`
	LedgerRPS         float64       `env:"LEDGER_RPS" envDefault:"5"`

	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10s"`
	PushStatusInterval   time.Duration `env:"PUSH_STATUS_INTERVAL" envDefault:"5s"`
	PushReconnectBackoff time.Duration `env:"PUSH_RECONNECT_BACKOFF" envDefault:"1s"`

	SweepInterval         time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1m"`

	ScheduleStore      string `env:"SCHEDULE_STORE" envDefault:"postgres"`
	ScheduleSQLitePath string `env:"SCHEDULE_SQLITE_PATH" envDefault:"ledgerflow-schedules.db"`

	AgreementArtifact string `env:"AGREEMENT_ARTIFACT"`

	OpsAddr  string `env:"OPS_ADDR" envDefault:":9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c Config) Validate() error {
	var problems []string
	switch c.RPCType {
	case chain.TransportIPC, chain.TransportWS, chain.TransportHTTP:
	default:
		problems = append(problems, fmt.Sprintf("RPC_TYPE %q", c.RPCType))
	}
	switch c.ScheduleStore {
	case StorePostgres:
	case StoreSQLite:
		if strings.TrimSpace(c.ScheduleSQLitePath) == "" {
			problems = append(problems, "SCHEDULE_SQLITE_PATH empty")
		}
	default:
		problems = append(problems, fmt.Sprintf("SCHEDULE_STORE %q", c.ScheduleStore))
	}
	if c.LedgerProfile != "" && c.AuthAccessJWT == "" && c.AuthSigningSecret == "" {
		problems = append(problems, "LEDGER_PROFILE needs AUTH_ACCESS_JWT or AUTH_SIGNING_SECRET")
	}
	for name, d := range map[string]time.Duration{
		"RECONCILE_INTERVAL":      c.ReconcileInterval,
		"PUSH_STATUS_INTERVAL":    c.PushStatusInterval,
		"PUSH_RECONNECT_BACKOFF":  c.PushReconnectBackoff,
		"SWEEP_INTERVAL":          c.SweepInterval,
		"SCHEDULER_POLL_INTERVAL": c.SchedulerPollInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Chain returns the RPC connection settings.
func (c Config) Chain() chain.Config {
	return chain.Config{Transport: c.RPCType, Address: c.RPCAddress, CallTimeout: c.RPCCallTimeout}
}

// LoadArtifact reads the compiled agreement contract from a YAML file with
// abi and bytecode keys.
func LoadArtifact(path string) (agreement.Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return agreement.Artifact{}, fmt.Errorf("config: read artifact: %w", err)
	}
	return ParseArtifact(raw)
}

// ParseArtifact decodes an artifact document.
func ParseArtifact(raw []byte) (agreement.Artifact, error) {
	var a agreement.Artifact
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return agreement.Artifact{}, fmt.Errorf("config: decode artifact: %w", err)
	}
	if strings.TrimSpace(a.ABI) == "" || strings.TrimSpace(a.Bytecode) == "" {
		return agreement.Artifact{}, fmt.Errorf("%w: artifact needs abi and bytecode", ErrInvalid)
	}
	return a, nil
}
