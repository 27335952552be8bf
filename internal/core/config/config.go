package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"SERVER"`
	Database   DatabaseConfig   `mapstructure:"DATABASE"`
	Federation FederationConfig `mapstructure:"FEDERATION"`
	Scheduler  SchedulerConfig  `mapstructure:"SCHEDULER"`
	Checkpoint CheckpointConfig `mapstructure:"CHECKPOINT"`
}

type ServerConfig struct {
	Host     string `mapstructure:"HOST"`
	Port     string `mapstructure:"PORT"`
	Endpoint string `mapstructure:"ENDPOINT"`
	CertFile string `mapstructure:"CERT_FILE"`
	KeyFile  string `mapstructure:"KEY_FILE"`
	CAFile   string `mapstructure:"CA_FILE"`
	CRLFile  string `mapstructure:"CRL_FILE"`
}

type DatabaseConfig struct {
	Username     string `mapstructure:"USERNAME"`
	Password     string `mapstructure:"PASSWORD"`
	Host         string `mapstructure:"HOST"`
	Port         string `mapstructure:"PORT"`
	DatabaseName string `mapstructure:"DATABASE_NAME"`
}

// FederationConfig holds server-level defaults for runs; each run may
// override them at creation time.
type FederationConfig struct {
	TotalRounds          int     `mapstructure:"TOTAL_ROUNDS"`
	QuorumFraction       float64 `mapstructure:"QUORUM_FRACTION"`
	QuorumPolicy         string  `mapstructure:"QUORUM_POLICY"`
	RoundDeadlineSeconds int     `mapstructure:"ROUND_DEADLINE_SECONDS"`
	SamplingFraction     float64 `mapstructure:"SAMPLING_FRACTION"`
	SamplingSeed         int64   `mapstructure:"SAMPLING_SEED"`
	AggregationMethod    string  `mapstructure:"AGGREGATION_METHOD"`
	HeartbeatTimeout     int     `mapstructure:"HEARTBEAT_TIMEOUT_SECONDS"`
}

type SchedulerConfig struct {
	Interval int `mapstructure:"INTERVAL"`
}

type CheckpointConfig struct {
	Enabled         bool   `mapstructure:"ENABLED"`
	Region          string `mapstructure:"REGION"`
	BucketName      string `mapstructure:"BUCKET_NAME"`
	AccessKeyID     string `mapstructure:"ACCESS_KEY_ID"`
	SecretAccessKey string `mapstructure:"SECRET_ACCESS_KEY"`
}

type ConfigManager struct {
	config     *Config
	configPath string
	mutex      sync.RWMutex
}

var (
	instance *ConfigManager
	once     sync.Once
)

func (dc *DatabaseConfig) GetConnectionURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dc.Username,
		dc.Password,
		dc.Host,
		dc.Port,
		dc.DatabaseName,
	)
}

func GetConfigManager() *ConfigManager {
	once.Do(func() {
		instance = &ConfigManager{
			configPath: ".env",
		}
	})
	return instance
}

func (cm *ConfigManager) SetConfigPath(path string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.configPath = path
	cm.config = nil
}

func (cm *ConfigManager) GetConfig() (*Config, error) {
	cm.mutex.RLock()
	if cm.config != nil {
		defer cm.mutex.RUnlock()
		return cm.config, nil
	}
	cm.mutex.RUnlock()

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	var err error
	cm.config, err = loadConfigFile(cm.configPath)
	return cm.config, err
}

func (cm *ConfigManager) ReloadConfig() (*Config, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	var err error
	cm.config, err = loadConfigFile(cm.configPath)
	return cm.config, err
}

func loadConfigFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	v.SetDefault("SERVER", map[string]interface{}{
		"HOST":      v.GetString("SERVER_HOST"),
		"PORT":      v.GetString("SERVER_PORT"),
		"ENDPOINT":  v.GetString("SERVER_ENDPOINT"),
		"CERT_FILE": v.GetString("SERVER_CERT_FILE"),
		"KEY_FILE":  v.GetString("SERVER_KEY_FILE"),
		"CA_FILE":   v.GetString("SERVER_CA_FILE"),
		"CRL_FILE":  v.GetString("SERVER_CRL_FILE"),
	})

	v.SetDefault("DATABASE", map[string]interface{}{
		"USERNAME":      v.GetString("DATABASE_USERNAME"),
		"PASSWORD":      v.GetString("DATABASE_PASSWORD"),
		"HOST":          v.GetString("DATABASE_HOST"),
		"PORT":          v.GetString("DATABASE_PORT"),
		"DATABASE_NAME": v.GetString("DATABASE_DATABASE_NAME"),
	})

	v.SetDefault("FEDERATION", map[string]interface{}{
		"TOTAL_ROUNDS":              v.GetInt("FEDERATION_TOTAL_ROUNDS"),
		"QUORUM_FRACTION":           v.GetFloat64("FEDERATION_QUORUM_FRACTION"),
		"QUORUM_POLICY":             v.GetString("FEDERATION_QUORUM_POLICY"),
		"ROUND_DEADLINE_SECONDS":    v.GetInt("FEDERATION_ROUND_DEADLINE_SECONDS"),
		"SAMPLING_FRACTION":         v.GetFloat64("FEDERATION_SAMPLING_FRACTION"),
		"SAMPLING_SEED":             v.GetInt64("FEDERATION_SAMPLING_SEED"),
		"AGGREGATION_METHOD":        v.GetString("FEDERATION_AGGREGATION_METHOD"),
		"HEARTBEAT_TIMEOUT_SECONDS": v.GetInt("FEDERATION_HEARTBEAT_TIMEOUT_SECONDS"),
	})

	v.SetDefault("SCHEDULER", map[string]interface{}{
		"INTERVAL": v.GetInt("SCHEDULER_INTERVAL"),
	})

	v.SetDefault("CHECKPOINT", map[string]interface{}{
		"ENABLED":           v.GetBool("CHECKPOINT_ENABLED"),
		"REGION":            v.GetString("CHECKPOINT_REGION"),
		"BUCKET_NAME":       v.GetString("CHECKPOINT_BUCKET_NAME"),
		"ACCESS_KEY_ID":     v.GetString("CHECKPOINT_ACCESS_KEY_ID"),
		"SECRET_ACCESS_KEY": v.GetString("CHECKPOINT_SECRET_ACCESS_KEY"),
	})

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if config.Database.Username == "" || config.Database.Password == "" ||
		config.Database.Host == "" || config.Database.Port == "" ||
		config.Database.DatabaseName == "" {
		return nil, fmt.Errorf("missing required database configuration")
	}

	if config.Server.CertFile == "" || config.Server.KeyFile == "" || config.Server.CAFile == "" {
		return nil, fmt.Errorf("missing required TLS configuration")
	}

	applyFederationDefaults(&config.Federation)

	return &config, nil
}

func applyFederationDefaults(fc *FederationConfig) {
	if fc.TotalRounds <= 0 {
		fc.TotalRounds = 10
	}
	if fc.QuorumFraction <= 0 || fc.QuorumFraction > 1 {
		fc.QuorumFraction = 1.0
	}
	if fc.QuorumPolicy == "" {
		fc.QuorumPolicy = "abort"
	}
	if fc.RoundDeadlineSeconds <= 0 {
		fc.RoundDeadlineSeconds = 600
	}
	if fc.SamplingFraction <= 0 || fc.SamplingFraction > 1 {
		fc.SamplingFraction = 1.0
	}
	if fc.AggregationMethod == "" {
		fc.AggregationMethod = "weighted_average"
	}
	if fc.HeartbeatTimeout <= 0 {
		fc.HeartbeatTimeout = 120
	}
}

func (cm *ConfigManager) GetConfigPath() string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.configPath
}
