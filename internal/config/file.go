package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"lifeline/internal/domain"
)

var defaultConfigFilenames = []string{
	"lifeline.yaml",
	"lifeline.yml",
	"lifeline.toml",
}

type FileConfig struct {
	DBPath      string                `yaml:"db_path" toml:"db_path"`
	DatabaseURL string                `yaml:"database_url" toml:"database_url"`
	Addr        string                `yaml:"addr" toml:"addr"`
	Identity    IdentityFileConfig    `yaml:"identity" toml:"identity"`
	Heartbeat   HeartbeatFileConfig   `yaml:"heartbeat" toml:"heartbeat"`
	Tiers       TiersFileConfig       `yaml:"tiers" toml:"tiers"`
	Credits     CreditsFileConfig     `yaml:"credits" toml:"credits"`
	USDC        USDCFileConfig        `yaml:"usdc" toml:"usdc"`
	Tasks       TasksFileConfig       `yaml:"tasks" toml:"tasks"`
	Schedule    []domain.ScheduleSeed `yaml:"schedule" toml:"schedule"`
}

type IdentityFileConfig struct {
	Name          string `yaml:"name" toml:"name"`
	WalletAddress string `yaml:"wallet_address" toml:"wallet_address"`
}

type HeartbeatFileConfig struct {
	Interval             string   `yaml:"interval" toml:"interval"`
	LeaseTTL             string   `yaml:"lease_ttl" toml:"lease_ttl"`
	DefaultTimeout       string   `yaml:"default_timeout" toml:"default_timeout"`
	RetryDelay           string   `yaml:"retry_delay" toml:"retry_delay"`
	LowComputeMultiplier *float64 `yaml:"low_compute_multiplier" toml:"low_compute_multiplier"`
	HonorRetryAt         *bool    `yaml:"honor_retry_at" toml:"honor_retry_at"`
}

type TiersFileConfig struct {
	High       *int64 `yaml:"high" toml:"high"`
	Normal     *int64 `yaml:"normal" toml:"normal"`
	LowCompute *int64 `yaml:"low_compute" toml:"low_compute"`
}

type CreditsFileConfig struct {
	APIURL string `yaml:"api_url" toml:"api_url"`
	APIKey string `yaml:"api_key" toml:"api_key"`
}

type USDCFileConfig struct {
	RPCURL   string `yaml:"rpc_url" toml:"rpc_url"`
	Contract string `yaml:"contract" toml:"contract"`
}

type TasksFileConfig struct {
	PingURL          string `yaml:"ping_url" toml:"ping_url"`
	HealthCommand    string `yaml:"health_command" toml:"health_command"`
	HistoryRetention string `yaml:"history_retention" toml:"history_retention"`
}

// ResolveConfigPath picks the config file: an explicit path, then
// LIFELINE_CONFIG, then the first default filename present in the working
// directory. It returns "" when none applies.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("LIFELINE_CONFIG"); env != "" {
		return env
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name
		}
	}
	return ""
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.DatabaseURL != "" {
		cfg.DatabaseURL = fileCfg.DatabaseURL
	}
	if fileCfg.Addr != "" {
		cfg.Addr = fileCfg.Addr
	}
	if fileCfg.Identity.Name != "" {
		cfg.Identity.Name = fileCfg.Identity.Name
	}
	if fileCfg.Identity.WalletAddress != "" {
		cfg.Identity.WalletAddress = fileCfg.Identity.WalletAddress
	}

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"heartbeat.interval", fileCfg.Heartbeat.Interval, &cfg.Heartbeat.Interval},
		{"heartbeat.lease_ttl", fileCfg.Heartbeat.LeaseTTL, &cfg.Heartbeat.LeaseTTL},
		{"heartbeat.default_timeout", fileCfg.Heartbeat.DefaultTimeout, &cfg.Heartbeat.DefaultTimeout},
		{"heartbeat.retry_delay", fileCfg.Heartbeat.RetryDelay, &cfg.Heartbeat.RetryDelay},
		{"tasks.history_retention", fileCfg.Tasks.HistoryRetention, &cfg.Tasks.HistoryRetention},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	if fileCfg.Heartbeat.LowComputeMultiplier != nil {
		cfg.Heartbeat.LowComputeMultiplier = *fileCfg.Heartbeat.LowComputeMultiplier
	}
	if fileCfg.Heartbeat.HonorRetryAt != nil {
		cfg.Heartbeat.HonorRetryAt = *fileCfg.Heartbeat.HonorRetryAt
	}

	if fileCfg.Tiers.High != nil {
		cfg.Tiers.High = *fileCfg.Tiers.High
	}
	if fileCfg.Tiers.Normal != nil {
		cfg.Tiers.Normal = *fileCfg.Tiers.Normal
	}
	if fileCfg.Tiers.LowCompute != nil {
		cfg.Tiers.LowCompute = *fileCfg.Tiers.LowCompute
	}

	if fileCfg.Credits.APIURL != "" {
		cfg.Credits.APIURL = fileCfg.Credits.APIURL
	}
	if fileCfg.Credits.APIKey != "" {
		cfg.Credits.APIKey = fileCfg.Credits.APIKey
	}
	if fileCfg.USDC.RPCURL != "" {
		cfg.USDC.RPCURL = fileCfg.USDC.RPCURL
	}
	if fileCfg.USDC.Contract != "" {
		cfg.USDC.Contract = fileCfg.USDC.Contract
	}
	if fileCfg.Tasks.PingURL != "" {
		cfg.Tasks.PingURL = fileCfg.Tasks.PingURL
	}
	if fileCfg.Tasks.HealthCommand != "" {
		cfg.Tasks.HealthCommand = fileCfg.Tasks.HealthCommand
	}

	cfg.Schedule = mergeSchedule(cfg.Schedule, fileCfg.Schedule)
	return nil
}

// mergeSchedule replaces base seeds that share a task name with an override
// and appends the rest in file order.
func mergeSchedule(base, overrides []domain.ScheduleSeed) []domain.ScheduleSeed {
	if len(overrides) == 0 {
		return base
	}
	out := append([]domain.ScheduleSeed{}, base...)
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.TaskName] = i
	}
	for _, s := range overrides {
		if i, ok := index[s.TaskName]; ok {
			out[i] = s
			continue
		}
		index[s.TaskName] = len(out)
		out = append(out, s)
	}
	return out
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
