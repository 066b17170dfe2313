package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// MasterPortfolioID names the root of the portfolio tree in config files.
const MasterPortfolioID = "master"

var validate = validator.New()

type LoggingConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=trace debug info warn warning error fatal panic"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name" default:"hydra-backtester" validate:"required"`
}

type HydraConfig struct {
	Cash decimal.Decimal `yaml:"cash"`
}

type ExchangeConfig struct {
	ID             string `yaml:"id" validate:"required"`
	IndexFile      string `yaml:"index_file"`
	IndexID        string `yaml:"index_id"`
	IndexFrequency string `yaml:"index_frequency" validate:"omitempty,oneof=tick 1m 5m 15m 30m 1h 1d"`
}

type CommissionConfig struct {
	Flat       float64 `yaml:"flat" validate:"gte=0"`
	Pct        float64 `yaml:"pct" validate:"gte=0"`
	MarginRate float64 `yaml:"margin_rate" validate:"gte=0"`
}

type BrokerConfig struct {
	ID         string           `yaml:"id" validate:"required"`
	Cash       decimal.Decimal  `yaml:"cash"`
	Commission CommissionConfig `yaml:"commission"`
	Account    bool             `yaml:"account"`
}

type TracerConfig struct {
	Kind         string `yaml:"kind" validate:"required,oneof=volatility beta"`
	Lookback     int    `yaml:"lookback" validate:"gte=2"`
	AdjustWarmup bool   `yaml:"adjust_warmup"`
}

type AssetConfig struct {
	ID        string         `yaml:"id" validate:"required"`
	Exchange  string         `yaml:"exchange" validate:"required"`
	Broker    string         `yaml:"broker" validate:"required"`
	File      string         `yaml:"file" validate:"required"`
	Warmup    int            `yaml:"warmup" validate:"gte=0"`
	Frequency string         `yaml:"frequency" validate:"omitempty,oneof=tick 1m 5m 15m 30m 1h 1d"`
	Tracers   []TracerConfig `yaml:"tracers" validate:"dive"`
}

type PortfolioConfig struct {
	ID      string          `yaml:"id" validate:"required,ne=master"`
	Parent  string          `yaml:"parent"`
	Cash    decimal.Decimal `yaml:"cash"`
	Tracers []string        `yaml:"tracers" validate:"dive,oneof=value event beta"`
}

// ParentID is the parent portfolio, the master portfolio when none is given.
func (c PortfolioConfig) ParentID() string {
	if c.Parent == "" {
		return MasterPortfolioID
	}

	return c.Parent
}

type StrategyConfig struct {
	ID        string             `yaml:"id" validate:"required"`
	Kind      string             `yaml:"kind" validate:"required,oneof=momentum mean_reversion"`
	Portfolio string             `yaml:"portfolio"`
	Exchange  string             `yaml:"exchange" validate:"required"`
	Params    map[string]float64 `yaml:"params"`
}

func (c StrategyConfig) PortfolioID() string {
	if c.Portfolio == "" {
		return MasterPortfolioID
	}

	return c.Portfolio
}

type ReportConfig struct {
	ValueHistoryFile string `yaml:"value_history_file"`
}

// SweepConfig runs one simulation per point of the cartesian product of Grid, applied as params of Strategy.
type SweepConfig struct {
	Concurrency int                  `yaml:"concurrency" default:"4" validate:"gte=1"`
	Strategy    string               `yaml:"strategy"`
	Grid        map[string][]float64 `yaml:"grid"`
}

type SimulationConfig struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Hydra      HydraConfig       `yaml:"hydra"`
	Exchanges  []ExchangeConfig  `yaml:"exchanges" validate:"required,min=1,dive"`
	Brokers    []BrokerConfig    `yaml:"brokers" validate:"required,min=1,dive"`
	Assets     []AssetConfig     `yaml:"assets" validate:"required,min=1,dive"`
	Portfolios []PortfolioConfig `yaml:"portfolios" validate:"dive"`
	Strategies []StrategyConfig  `yaml:"strategies" validate:"dive"`
	Report     ReportConfig      `yaml:"report"`
	Sweep      SweepConfig       `yaml:"sweep"`
	dir        string
}

// Path resolves a file named in the config relative to the directory of the config file.
func (c *SimulationConfig) Path(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}

	return filepath.Join(c.dir, file)
}

// Strategy finds a strategy by id.
func (c *SimulationConfig) Strategy(id string) (StrategyConfig, error) {
	for _, s := range c.Strategies {
		if s.ID == id {
			return s, nil
		}
	}

	return StrategyConfig{}, fmt.Errorf("SimulationConfig.Strategy: %s: %w", id, models.ErrInvalidId)
}

// Load reads a YAML simulation config. ${VAR} references are expanded from the environment before decoding.
func Load(path string) (*SimulationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.dir = filepath.Dir(path)

	return cfg, nil
}

func Parse(data []byte) (*SimulationConfig, error) {
	var cfg SimulationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.checkReferences(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func unique(kind string, seen map[string]bool, id string) error {
	if seen[id] {
		return fmt.Errorf("duplicate %s %s: %w", kind, id, models.ErrAlreadyExists)
	}

	seen[id] = true
	return nil
}

func (c *SimulationConfig) checkReferences() error {
	exchanges := make(map[string]bool)
	for _, e := range c.Exchanges {
		if err := unique("exchange", exchanges, e.ID); err != nil {
			return err
		}

		if e.IndexFile != "" && e.IndexID == "" {
			return fmt.Errorf("exchange %s has an index file without an index id: %w", e.ID, models.ErrInvalidId)
		}
	}

	brokers := make(map[string]bool)
	for _, b := range c.Brokers {
		if err := unique("broker", brokers, b.ID); err != nil {
			return err
		}
	}

	assets := make(map[string]bool)
	for _, a := range c.Assets {
		if err := unique("asset", assets, a.ID); err != nil {
			return err
		}

		if !exchanges[a.Exchange] {
			return fmt.Errorf("asset %s references unknown exchange %s: %w", a.ID, a.Exchange, models.ErrInvalidId)
		}

		if !brokers[a.Broker] {
			return fmt.Errorf("asset %s references unknown broker %s: %w", a.ID, a.Broker, models.ErrInvalidId)
		}
	}

	// parents must be declared before their children
	portfolios := map[string]bool{MasterPortfolioID: true}
	for _, p := range c.Portfolios {
		if !portfolios[p.ParentID()] {
			return fmt.Errorf("portfolio %s references unknown parent %s: %w", p.ID, p.ParentID(), models.ErrInvalidId)
		}

		if err := unique("portfolio", portfolios, p.ID); err != nil {
			return err
		}
	}

	strategies := make(map[string]bool)
	for _, s := range c.Strategies {
		if err := unique("strategy", strategies, s.ID); err != nil {
			return err
		}

		if !portfolios[s.PortfolioID()] {
			return fmt.Errorf("strategy %s references unknown portfolio %s: %w", s.ID, s.PortfolioID(), models.ErrInvalidId)
		}

		if !exchanges[s.Exchange] {
			return fmt.Errorf("strategy %s references unknown exchange %s: %w", s.ID, s.Exchange, models.ErrInvalidId)
		}
	}

	if c.Sweep.Strategy != "" && !strategies[c.Sweep.Strategy] {
		return fmt.Errorf("sweep references unknown strategy %s: %w", c.Sweep.Strategy, models.ErrInvalidId)
	}

	return nil
}
