package cluster

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ice-blockchain/go-pgcluster"
	"github.com/ice-blockchain/go-pgcluster/pool"
	"github.com/ice-blockchain/go-pgcluster/topology"
)

// PoolConfig is the YAML form of pool options.
type PoolConfig struct {
	InitialSize      int           `yaml:"initial_size"`
	MaxSize          int           `yaml:"max_size"`
	MaxWaiters       int           `yaml:"max_waiters"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ConnectRate      float64       `yaml:"connect_rate"`
	ConnectBurst     int           `yaml:"connect_burst"`
	ExecuteTimeout   time.Duration `yaml:"execute_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// Config is the YAML form of cluster options:
//
//	hosts:
//	  - host=db1,db2,db3 port=5432 user=app dbname=app
//	pool:
//	  initial_size: 4
//	  max_size: 16
//	  execute_timeout: 2s
//	topology:
//	  max_replication_lag: 10s
//	  probe_deadline: 500ms
//	refresh_interval: 1s
//	read_mode: prefer_ro
type Config struct {
	// Hosts are descriptors of one or several hosts each.
	Hosts             []string          `yaml:"hosts"`
	Pool              PoolConfig        `yaml:"pool"`
	Topology          topology.Settings `yaml:"topology"`
	RefreshInterval   time.Duration     `yaml:"refresh_interval"`
	ProbeThroughPools bool              `yaml:"probe_through_pools"`
	// ReadMode routes statements which do not require writes.
	ReadMode          Mode              `yaml:"read_mode"`
	Retry             RetryOpts         `yaml:"retry"`
}

// DefaultConfig holds the values used for fields missing in YAML.
var DefaultConfig = Config{
	Pool: PoolConfig{
		InitialSize:    1,
		MaxSize:        10,
		ConnectTimeout: 2 * time.Second,
		ExecuteTimeout: pgcluster.DefaultCommandControl.ExecuteTimeout,
	},
	Topology:        topology.DefaultSettings,
	RefreshInterval: defaultRefreshInterval,
	ReadMode:        PreferRO,
	Retry:           DefaultRetryOpts,
}

// LoadOpts reads and validates a YAML configuration file.
func LoadOpts(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseOpts(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseOpts parses and validates a YAML configuration.
func ParseOpts(data []byte) (*Config, error) {
	cfg := DefaultConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", pgcluster.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports all problems of the configuration at once.
func (cfg *Config) Validate() error {
	var errs *multierror.Error
	if len(cfg.Hosts) == 0 {
		errs = multierror.Append(errs, ErrEmptyDsns)
	}
	if cfg.Pool.MaxSize <= 0 {
		errs = multierror.Append(errs, pool.ErrWrongMaxSize)
	}
	if cfg.Pool.InitialSize < 0 || cfg.Pool.InitialSize > cfg.Pool.MaxSize {
		errs = multierror.Append(errs, pool.ErrWrongInitialSize)
	}
	if cfg.Pool.MaxWaiters < 0 {
		errs = multierror.Append(errs, pool.ErrWrongMaxWaiters)
	}
	if cfg.RefreshInterval <= 0 {
		errs = multierror.Append(errs, topology.ErrWrongRefreshInterval)
	}
	if err := cfg.Topology.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, ok := modeNames[cfg.ReadMode]; !ok {
		errs = multierror.Append(errs, fmt.Errorf("%w: %w %s",
			pgcluster.ErrConfiguration, ErrUnknownMode, cfg.ReadMode))
	}
	return errs.ErrorOrNil()
}

// Dsns splits configured descriptors into one descriptor per host.
// Hosts repeated across descriptors are kept once.
func (cfg *Config) Dsns() ([]pgcluster.Dsn, error) {
	var dsns []pgcluster.Dsn
	seen := make(map[string]bool)
	for _, host := range cfg.Hosts {
		split, err := pgcluster.SplitByHost(pgcluster.Dsn(host))
		if err != nil {
			return nil, err
		}
		for _, dsn := range split {
			if hp := dsn.HostPort(); !seen[hp] {
				seen[hp] = true
				dsns = append(dsns, dsn)
			}
		}
	}
	if len(dsns) == 0 {
		return nil, ErrEmptyDsns
	}
	return dsns, nil
}

// Opts converts the configuration into cluster options.
func (cfg *Config) Opts(logger pgcluster.Logger) Opts {
	limit := rate.Limit(cfg.Pool.ConnectRate)
	readMode := cfg.ReadMode
	return Opts{
		Pool: pool.Opts{
			InitialSize:    cfg.Pool.InitialSize,
			MaxSize:        cfg.Pool.MaxSize,
			MaxWaiters:     cfg.Pool.MaxWaiters,
			ConnectTimeout: cfg.Pool.ConnectTimeout,
			ConnectRate:    limit,
			ConnectBurst:   cfg.Pool.ConnectBurst,
			DefaultCommandControl: &pgcluster.CommandControl{
				ExecuteTimeout:   cfg.Pool.ExecuteTimeout,
				StatementTimeout: cfg.Pool.StatementTimeout,
			},
			Logger: logger,
		},
		Topology:          cfg.Topology,
		RefreshInterval:   cfg.RefreshInterval,
		ReadMode:          &readMode,
		ProbeThroughPools: cfg.ProbeThroughPools,
		Logger:            logger,
	}
}
