// Package daemon assembles a complete engine — store, counter backend,
// services, background jobs and the HTTP API — from one TOML config and
// runs it until told to stop.
package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/tally/internal/app/distribution"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/counter"
)

// Config is the full daemon configuration. Durations and job schedules are
// kept as strings so the TOML file reads the way operators write them
// ("30s", "@every 10m"); invalid values fall back to defaults at wiring
// time, while the things that must be right — ports, backends, the
// stakeholder table — are checked by Validate.
type Config struct {
	API          APIConfig          `toml:"api"`
	Store        StoreConfig        `toml:"store"`
	Counter      CounterConfig      `toml:"counter"`
	Ledger       LedgerConfig       `toml:"ledger"`
	Settlement   SettlementConfig   `toml:"settlement"`
	Distribution DistributionConfig `toml:"distribution"`
	Payout       PayoutConfig       `toml:"payout"`
	Jobs         JobsConfig         `toml:"jobs"`
	Notify       NotifyConfig       `toml:"notify"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"` // expose /metrics
	Tracing bool   `toml:"tracing"` // keep an in-memory span ring, exposed under /v1/admin/traces
}

// StoreConfig locates the SQLite ledger file.
type StoreConfig struct {
	Path string `toml:"path"`
}

// CounterConfig selects the atomic-counter backend.
type CounterConfig struct {
	Backend   string `toml:"backend"` // "memory", "badger" or "redis"
	BadgerDir string `toml:"badger_dir"`
	RedisAddr string `toml:"redis_addr"`
}

// LedgerConfig tunes reservation holds.
type LedgerConfig struct {
	ReservationTTL  string `toml:"reservation_ttl"`
	OverrunAlertBps int64  `toml:"overrun_alert_bps"`
	ReaperBatch     int    `toml:"reaper_batch"`
}

// SettlementConfig tunes the maturation sweep. Its window also bounds
// clawbacks: the ledger refuses to claw back a lot the sweep has settled.
type SettlementConfig struct {
	Window string `toml:"window"`
	Batch  int    `toml:"batch"`
}

// DistributionConfig lists the revenue-share stakeholders. An empty list
// disables splitting; finalized charges then credit no one.
type DistributionConfig struct {
	Stakeholders []StakeholderConfig `toml:"stakeholder"`
}

// StakeholderConfig is one [[distribution.stakeholder]] block.
type StakeholderConfig struct {
	Name      string `toml:"name"`
	AccountID string `toml:"account_id"`
	Entity    string `toml:"entity_type"`
	Bps       int64  `toml:"bps"`
}

// PayoutConfig tunes the withdrawal rail.
type PayoutConfig struct {
	MinAmount     int64  `toml:"min_amount_micros"`
	FeeBps        int64  `toml:"fee_bps"`
	FeeCapBps     int64  `toml:"fee_cap_bps"`
	RateWindow    string `toml:"rate_window"`
	BasicKYCAt    int64  `toml:"basic_kyc_at_micros"`
	EnhancedKYCAt int64  `toml:"enhanced_kyc_at_micros"`
	FeeAccount    string `toml:"fee_account"`
}

// JobsConfig holds one cron spec per background job ("@every 30s" or the
// five-field form). An empty spec disables that job.
type JobsConfig struct {
	Reaper     string `toml:"reaper"`
	Maturation string `toml:"maturation"`
	Reconcile  string `toml:"reconcile"`
	DLQRetry   string `toml:"dlq_retry"`
}

// NotifyConfig points webhook delivery at an endpoint. An empty URL keeps
// events in the process log.
type NotifyConfig struct {
	URL     string `toml:"url"`
	Timeout string `toml:"timeout"`
}

// DefaultConfig returns the configuration a bare `tallyd serve` runs with:
// loopback listener, SQLite file in the working directory, in-process
// counter, no revenue split, no webhook.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    8590,
			Metrics: true,
			Tracing: true,
		},
		Store: StoreConfig{
			Path: "tally.db",
		},
		Counter: CounterConfig{
			Backend:   counter.BackendMemory,
			BadgerDir: "tally-counter",
			RedisAddr: "127.0.0.1:6379",
		},
		Ledger: LedgerConfig{
			ReservationTTL:  "5m",
			OverrunAlertBps: 20_000,
			ReaperBatch:     100,
		},
		Settlement: SettlementConfig{
			Window: "48h",
			Batch:  200,
		},
		Payout: PayoutConfig{
			MinAmount:     10_000_000,
			FeeBps:        250,
			FeeCapBps:     500,
			RateWindow:    "24h",
			BasicKYCAt:    100_000_000,
			EnhancedKYCAt: 600_000_000,
			FeeAccount:    "acct_fees",
		},
		Jobs: JobsConfig{
			Reaper:     "@every 30s",
			Maturation: "@every 10m",
			Reconcile:  "@every 15m",
			DLQRetry:   "@every 1m",
		},
		Notify: NotifyConfig{
			Timeout: "10s",
		},
	}
}

// LoadConfig reads a TOML file over the defaults, so a config file only
// needs the keys it changes. Unknown keys are an error; a typo that
// silently reverts a limit to its default is worse than a failed start.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	switch c.Counter.Backend {
	case counter.BackendMemory:
	case counter.BackendBadger:
		if c.Counter.BadgerDir == "" {
			return fmt.Errorf("counter.badger_dir required for the badger backend")
		}
	case counter.BackendRedis:
		if c.Counter.RedisAddr == "" {
			return fmt.Errorf("counter.redis_addr required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown counter backend %q", c.Counter.Backend)
	}

	if c.Ledger.OverrunAlertBps < distribution.TotalBps {
		return fmt.Errorf("ledger.overrun_alert_bps %d below %d: would alert on charges within their reservation", c.Ledger.OverrunAlertBps, distribution.TotalBps)
	}
	if c.Payout.MinAmount < 0 {
		return fmt.Errorf("payout.min_amount_micros must not be negative")
	}
	if c.Payout.FeeBps < 0 || c.Payout.FeeBps > distribution.TotalBps {
		return fmt.Errorf("payout.fee_bps %d out of range [0, %d]", c.Payout.FeeBps, distribution.TotalBps)
	}
	if c.Payout.FeeCapBps < 0 || c.Payout.FeeCapBps > distribution.TotalBps {
		return fmt.Errorf("payout.fee_cap_bps %d out of range [0, %d]", c.Payout.FeeCapBps, distribution.TotalBps)
	}
	if c.Payout.BasicKYCAt > c.Payout.EnhancedKYCAt {
		return fmt.Errorf("payout.basic_kyc_at_micros %d above enhanced threshold %d", c.Payout.BasicKYCAt, c.Payout.EnhancedKYCAt)
	}
	if c.Payout.FeeAccount == "" {
		return fmt.Errorf("payout.fee_account must not be empty")
	}

	if _, err := c.DistributionTable(); err != nil {
		return err
	}
	return nil
}

// DistributionTable builds the validated revenue-share table, or nil when
// no stakeholders are configured.
func (c Config) DistributionTable() (*distribution.Table, error) {
	if len(c.Distribution.Stakeholders) == 0 {
		return nil, nil
	}
	stakeholders := make([]distribution.Stakeholder, len(c.Distribution.Stakeholders))
	for i, s := range c.Distribution.Stakeholders {
		stakeholders[i] = distribution.Stakeholder{
			Name:      s.Name,
			AccountID: s.AccountID,
			Entity:    domain.EntityType(s.Entity),
			Bps:       s.Bps,
		}
	}
	return distribution.NewTable(stakeholders)
}

// parseDuration reads a config duration, falling back when the value is
// empty or unparseable.
func parseDuration(spec string, fallback time.Duration) time.Duration {
	if spec == "" {
		return fallback
	}
	d, err := time.ParseDuration(spec)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
