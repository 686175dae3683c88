package xcute

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AymericDu/oio-sds/internal/platform/envutil"
)

// Config carries the settings of the three binaries. Values come from an
// optional YAML file named by XCUTE_CONFIG, then per-field XCUTE_* env
// overrides on top.
type Config struct {
	// Control API.
	BindAddr string `yaml:"bind_addr"`

	// Redis endpoint backing the persistent store, host:port.
	BackendEndpoint string `yaml:"backend_endpoint"`

	// Conscience endpoint used for beanstalkd discovery.
	ConscienceEndpoint string `yaml:"conscience_endpoint"`

	// Reply tube this orchestrator listens on.
	BeanstalkdReplyAddr string `yaml:"beanstalkd_reply_addr"`
	BeanstalkdReplyTube string `yaml:"beanstalkd_reply_tube"`

	// Tube workers reserve tasks from.
	BeanstalkdWorkersTube string `yaml:"beanstalkd_workers_tube"`

	// Beanstalkd endpoint the worker binary reserves from.
	BeanstalkdWorkerAddr string `yaml:"beanstalkd_worker_addr"`

	// Stable identity for claims; defaults to the hostname.
	OrchestratorID string `yaml:"orchestrator_id"`

	// Chunk directory endpoint, needed by rawx decommission jobs.
	RdirEndpoint string `yaml:"rdir_endpoint"`

	WorkerConcurrency int `yaml:"worker_concurrency"`

	// Logger mode: dev, prod or test.
	LogMode string `yaml:"log_mode"`
}

func DefaultConfig() *Config {
	return &Config{
		BindAddr:          "127.0.0.1:8000",
		BackendEndpoint:   "127.0.0.1:6379",
		WorkerConcurrency: 1,
		LogMode:           "dev",
	}
}

// LoadConfig reads XCUTE_CONFIG (when set) over the defaults, then applies
// env overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("XCUTE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.OrchestratorID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("derive orchestrator id: %w", err)
		}
		cfg.OrchestratorID = host
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BindAddr = envutil.String("XCUTE_BIND_ADDR", c.BindAddr)
	c.BackendEndpoint = envutil.String("XCUTE_BACKEND_ENDPOINT", c.BackendEndpoint)
	c.ConscienceEndpoint = envutil.String("XCUTE_CONSCIENCE_ENDPOINT", c.ConscienceEndpoint)
	c.BeanstalkdReplyAddr = envutil.String("XCUTE_BEANSTALKD_REPLY_ADDR", c.BeanstalkdReplyAddr)
	c.BeanstalkdReplyTube = envutil.String("XCUTE_BEANSTALKD_REPLY_TUBE", c.BeanstalkdReplyTube)
	c.BeanstalkdWorkersTube = envutil.String("XCUTE_BEANSTALKD_WORKERS_TUBE", c.BeanstalkdWorkersTube)
	c.BeanstalkdWorkerAddr = envutil.String("XCUTE_BEANSTALKD_WORKER_ADDR", c.BeanstalkdWorkerAddr)
	c.OrchestratorID = envutil.String("XCUTE_ORCHESTRATOR_ID", c.OrchestratorID)
	c.RdirEndpoint = envutil.String("XCUTE_RDIR_ENDPOINT", c.RdirEndpoint)
	c.WorkerConcurrency = envutil.Int("XCUTE_WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.LogMode = envutil.String("XCUTE_LOG_MODE", c.LogMode)
}

// CheckServer validates the fields the control API binary needs.
func (c *Config) CheckServer() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind_addr")
	}
	if c.BackendEndpoint == "" {
		return fmt.Errorf("missing backend_endpoint")
	}
	return nil
}

// CheckOrchestrator validates the fields the orchestrator binary needs.
func (c *Config) CheckOrchestrator() error {
	if c.BackendEndpoint == "" {
		return fmt.Errorf("missing backend_endpoint")
	}
	if c.ConscienceEndpoint == "" {
		return fmt.Errorf("missing conscience_endpoint")
	}
	if c.BeanstalkdReplyAddr == "" {
		return fmt.Errorf("missing beanstalkd_reply_addr")
	}
	if c.BeanstalkdReplyTube == "" {
		return fmt.Errorf("missing beanstalkd_reply_tube")
	}
	if c.BeanstalkdWorkersTube == "" {
		return fmt.Errorf("missing beanstalkd_workers_tube")
	}
	if c.OrchestratorID == "" {
		return fmt.Errorf("missing orchestrator_id")
	}
	return nil
}

// CheckWorker validates the fields the worker binary needs.
func (c *Config) CheckWorker() error {
	if c.BeanstalkdWorkerAddr == "" {
		return fmt.Errorf("missing beanstalkd_worker_addr")
	}
	if c.BeanstalkdWorkersTube == "" {
		return fmt.Errorf("missing beanstalkd_workers_tube")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive")
	}
	return nil
}
