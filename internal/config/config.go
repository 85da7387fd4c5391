package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/validator"
)

type APIKeyPermissions struct {
	Submit      bool `mapstructure:"submit"       json:"submit"`
	WorkerAdmin bool `mapstructure:"worker_admin" json:"worker_admin"`
}

type APIKey struct {
	Active      *bool             `mapstructure:"active"      json:"active"      validate:"required"`
	Token       string            `mapstructure:"token"       json:"token"       validate:"required"`
	Permissions APIKeyPermissions `mapstructure:"permissions" json:"permissions"`
}

type Client struct {
	ID     string `mapstructure:"id"      json:"id"      validate:"required,uuid_rfc4122"`
	Note   string `mapstructure:"note"    json:"note"    validate:"required"`
	APIKey APIKey `mapstructure:"api_key" json:"api_key" validate:"required"`
}

type PostgresConfig struct {
	User               string        `validate:"required"`
	Password           string        `validate:"required"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	Port               int16         `validate:"required"`
}

type AzureConfig struct {
	StorageAccount *AzureStorageAccountConfig `mapstructure:"storage_account" validate:"required"`
	Dev            bool                       `mapstructure:"dev"`
}

type AzureStorageAccountConfig struct {
	Containers *AzureStorageAccountContainerConfig `mapstructure:"containers" validate:"required"`
	Queues     *AzureStorageAccountQueueConfig     `mapstructure:"queues"     validate:"required"`
	Name       string                              `mapstructure:"name"       validate:"required"`
	Key        string                              `mapstructure:"key"        validate:"required"`
}

type AzureStorageAccountContainerConfig struct {
	URL       string `mapstructure:"url"       validate:"required"`
	Artifacts string `mapstructure:"artifacts" validate:"required"`
}

type AzureStorageAccountQueueConfig struct {
	URL     string `mapstructure:"url"     validate:"required"`
	Grading string `mapstructure:"grading" validate:"required"`
}

type QueueConfig struct {
	// Visibility window per delivery. The orchestrator must finish or the
	// message reappears for another consumer.
	VisibilityTimeoutSecs int64 `mapstructure:"visibility_timeout_secs"`
	// Deliveries over this count complete the message and fail the job.
	MaxDequeueCount int64 `mapstructure:"max_dequeue_count"`
	PollTimeSecs    int64 `mapstructure:"poll_time_secs"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type GormLogConfig struct {
	Level        int  `mapstructure:"level"`
	TraceQueries bool `mapstructure:"trace_queries"`
}

type LoggingConfig struct {
	Gorm    GormLogConfig `mapstructure:"gorm"`
	App     SlogConfig    `mapstructure:"app"`
	UseOTLP bool          `mapstructure:"use_otlp"`
}

type K8SLabel struct {
	Key   string `mapstructure:"key"   validate:"required"`
	Value string `mapstructure:"value" validate:"required"`
}

type NodeAssignment struct {
	NodeAffinityLabel *K8SLabel `mapstructure:"node_affinity_label" validate:"required"`
	Toleration        *K8SLabel `mapstructure:"toleration"          validate:"required"`
}

type K8sConfig struct {
	WorkerNodeAssignment *NodeAssignment `mapstructure:"worker_node_assignment" validate:"required"`
	Namespace            string          `mapstructure:"namespace"              validate:"required"`
	// Image per worker type, e.g. workerimages.rust
	WorkerImages map[string]string `mapstructure:"worker_images" validate:"required"`
	// Non empty switches worker pods onto a microVM runtime (e.g. kata) for
	// types listed in microvm_types. A deploy time decision, never per job.
	MicroVMRuntimeClass string   `mapstructure:"microvm_runtime_class"`
	MicroVMTypes        []string `mapstructure:"microvm_types"`
	InCluster           bool     `mapstructure:"in_cluster"`
}

type PoolConfig struct {
	// Global ceiling across all worker types.
	MaxWorkers          int   `mapstructure:"max_workers"`
	HealthIntervalSecs  int64 `mapstructure:"health_interval_secs"`
	HealthTimeoutSecs   int64 `mapstructure:"health_timeout_secs"`
	StartupTimeoutSecs  int64 `mapstructure:"startup_timeout_secs"`
	DispatchTimeoutSecs int64 `mapstructure:"dispatch_timeout_secs"`
}

type LimitsConfig struct {
	DefaultGasLimit      uint64 `mapstructure:"default_gas_limit"`
	DefaultTimeLimitSecs int64  `mapstructure:"default_time_limit_secs"`
	MaxTimeLimitSecs     int64  `mapstructure:"max_time_limit_secs"`
}

type CacheConfig struct {
	LocalDir        string `mapstructure:"local_dir"`
	LocalMaxBytes   int64  `mapstructure:"local_max_bytes"`
	LocalMaxAgeSecs int64  `mapstructure:"local_max_age_secs"`
}

type TracesConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	SSLEnabled      bool   `mapstructure:"ssl_enabled"`
	RetentionSecs   int64  `mapstructure:"retention_secs"`
}

type NotifyConfig struct {
	RedisHost string `mapstructure:"redis_host"`
	Channel   string `mapstructure:"channel"`
}

type FeaturesConfig struct {
	Tracing         bool `mapstructure:"tracing"`
	PlagiarismCheck bool `mapstructure:"plagiarism_check"`
}

type OrchestratorConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type RateLimitConfig struct {
	RedisHost       string `mapstructure:"redis_host"`
	GlobalPerMinute int64  `mapstructure:"global_per_minute"`
	SubmitPerMinute int64  `mapstructure:"submit_per_minute"`
	FailOpen        bool   `mapstructure:"fail_open"`
}

// See gradingengine.yaml for an example config
type Config struct {
	Postgres             *PostgresConfig     `mapstructure:"postgres"      validate:"required"`
	Azure                *AzureConfig        `mapstructure:"azure"         validate:"required"`
	Queue                *QueueConfig        `mapstructure:"queue"         validate:"required"`
	Logging              *LoggingConfig      `mapstructure:"logging"`
	K8s                  *K8sConfig          `mapstructure:"k8s"           validate:"required"`
	Pool                 *PoolConfig         `mapstructure:"pool"          validate:"required"`
	Limits               *LimitsConfig       `mapstructure:"limits"        validate:"required"`
	Cache                *CacheConfig        `mapstructure:"cache"         validate:"required"`
	Traces               *TracesConfig       `mapstructure:"traces"        validate:"required"`
	Notify               *NotifyConfig       `mapstructure:"notify"`
	RateLimit            *RateLimitConfig    `mapstructure:"rate_limit"`
	Features             *FeaturesConfig     `mapstructure:"features"`
	Orchestrator         *OrchestratorConfig `mapstructure:"orchestrator"`
	ListenAddress        string              `mapstructure:"listen_address" validate:"required"`
	Clients              []Client            `mapstructure:"clients"        validate:"required"`
	GracefulShutdownSecs int64               `mapstructure:"graceful_shutdown_secs"`
}

const (
	AppLogLevel                string = "logging.app.level"
	AzureDev                   string = "azure.dev"
	AzureStorageAccountKey     string = "azure.storage_account.key"
	CacheLocalDir              string = "cache.local_dir"
	CacheLocalMaxAgeSecs       string = "cache.local_max_age_secs"
	CacheLocalMaxBytes         string = "cache.local_max_bytes"
	EnvPrefix                  string = "gradingengine"
	FeaturesPlagiarismCheck    string = "features.plagiarism_check"
	FeaturesTracing            string = "features.tracing"
	GormLogLevel               string = "logging.gorm.level"
	GormTraceQueries           string = "logging.gorm.trace_queries"
	GracefulShutdownSecs       string = "graceful_shutdown_secs"
	LimitsDefaultGasLimit      string = "limits.default_gas_limit"
	LimitsDefaultTimeLimitSecs string = "limits.default_time_limit_secs"
	LimitsMaxTimeLimitSecs     string = "limits.max_time_limit_secs"
	ListenAddress              string = "listen_address"
	NotifyChannel              string = "notify.channel"
	NotifyRedisHost            string = "notify.redis_host"
	OrchestratorConcurrency    string = "orchestrator.concurrency"
	PoolDispatchTimeoutSecs    string = "pool.dispatch_timeout_secs"
	PoolHealthIntervalSecs     string = "pool.health_interval_secs"
	PoolHealthTimeoutSecs      string = "pool.health_timeout_secs"
	PoolMaxWorkers             string = "pool.max_workers"
	PoolStartupTimeoutSecs     string = "pool.startup_timeout_secs"
	PostgresConnectonTTL       string = "postgres.connection_ttl"
	PostgresDatabase           string = "postgres.database"
	PostgresHost               string = "postgres.host"
	PostgresMaxIdleConnections string = "postgres.max_idle_connections"
	PostgresMaxOpenConnections string = "postgres.max_open_connections"
	PostgresPassword           string = "postgres.password"
	PostgresPort               string = "postgres.port"
	PostgresUser               string = "postgres.user"
	QueueMaxDequeueCount       string = "queue.max_dequeue_count"
	QueuePollTimeSecs          string = "queue.poll_time_secs"
	QueueVisibilityTimeoutSecs string = "queue.visibility_timeout_secs"
	TracesAccessKeyID          string = "traces.access_key_id"
	TracesRetentionSecs        string = "traces.retention_secs"
	TracesSSLEnabled           string = "traces.ssl_enabled"
	TracesSecretAccessKey      string = "traces.secret_access_key" // #nosec
	UseOTLP                    string = "logging.use_otlp"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("gradingengine")

	v.AddConfigPath("/etc/gradingengine/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	err := v.BindEnv(PostgresPassword)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(AzureStorageAccountKey)
	if err != nil {
		return nil, err
	}

	err = v.BindEnv(TracesAccessKeyID)
	if err != nil {
		return nil, err
	}

	err = v.BindEnv(TracesSecretAccessKey)
	if err != nil {
		return nil, err
	}

	v.SetDefault(ListenAddress, "[::]:1323")
	v.SetDefault(PostgresHost, "localhost")
	v.SetDefault(PostgresPort, 5432)
	v.SetDefault(PostgresMaxIdleConnections, 2)
	v.SetDefault(PostgresMaxOpenConnections, 10)
	v.SetDefault(PostgresConnectonTTL, 10*time.Minute)
	v.SetDefault(AzureDev, false)
	v.SetDefault(GormLogLevel, int(slog.LevelWarn))
	v.SetDefault(GormTraceQueries, false)
	v.SetDefault(AppLogLevel, int(slog.LevelInfo))

	v.SetDefault(QueueVisibilityTimeoutSecs, 300)
	v.SetDefault(QueueMaxDequeueCount, 5)
	v.SetDefault(QueuePollTimeSecs, 2)

	v.SetDefault(PoolMaxWorkers, 32)
	v.SetDefault(PoolHealthIntervalSecs, 15)
	v.SetDefault(PoolHealthTimeoutSecs, 5)
	v.SetDefault(PoolStartupTimeoutSecs, 120)
	v.SetDefault(PoolDispatchTimeoutSecs, 300)

	v.SetDefault(LimitsDefaultGasLimit, 10_000_000)
	v.SetDefault(LimitsDefaultTimeLimitSecs, 30)
	v.SetDefault(LimitsMaxTimeLimitSecs, 300)

	v.SetDefault(CacheLocalDir, "/var/cache/gradingengine/artifacts")
	v.SetDefault(CacheLocalMaxBytes, int64(10)<<30)
	v.SetDefault(CacheLocalMaxAgeSecs, 7*24*60*60)

	v.SetDefault(TracesSSLEnabled, true)
	v.SetDefault(TracesRetentionSecs, 30*24*60*60)

	v.SetDefault(NotifyRedisHost, "localhost")
	v.SetDefault(NotifyChannel, "grading-status")

	v.SetDefault(FeaturesTracing, true)
	v.SetDefault(FeaturesPlagiarismCheck, true)

	v.SetDefault(OrchestratorConcurrency, 8)

	v.SetDefault(UseOTLP, false)

	v.SetDefault(GracefulShutdownSecs, 30)

	err = v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Postgres.User),
		url.QueryEscape(c.Postgres.Password),
		c.Postgres.Host, c.Postgres.Port,
		url.QueryEscape(c.Postgres.Database),
	)
}
