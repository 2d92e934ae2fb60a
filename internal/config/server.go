// Package config provides configuration management for stackarchiver.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ExecutionMode selects how archive jobs are run.
type ExecutionMode string

const (
	// ExecInProcess runs jobs as goroutines of the server.
	ExecInProcess ExecutionMode = "inprocess"
	// ExecDetached runs each job as a separate run-job process.
	ExecDetached ExecutionMode = "detached"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment
	ListenAddr  string
	DatabaseURL string // empty selects the in-memory store
	DBMaxConns  int    // 0 keeps the per-role pool size
	RedisURL    string // empty disables the cross-process event mirror

	ArchiveDir   string
	JobLogDir    string
	DownloadsDir string
	MountBase    string // container path under which stack directories are mounted

	RequireMatchingMounts bool
	AutoGenerateOnAccess  bool
	AutoGenerateOnStartup bool

	PullInactivityTimeout time.Duration // 0 disables the inactivity timer
	MaxJobTimeout         time.Duration
	StackStopTimeout      time.Duration
	ArchiveWriteTimeout   time.Duration
	LeaseWait             time.Duration // 0 rejects a second trigger immediately
	ExecutionMode         ExecutionMode

	DockerBinary    string
	Maintenance     bool
	ShutdownTimeout time.Duration
	LogLevel        string

	Notify  NotifyConfig
	Offsite OffsiteConfig
	Cleanup CleanupConfig

	DownloadRateLimit string // ulule/limiter formatted rate, e.g. "30-M"
	BaseURL           string
}

// NotifyConfig selects the notifier variants.
type NotifyConfig struct {
	WebhookURL  string
	DiscordURL  string
	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	SMTPFrom    string
	Recipients  []string
	OnlyFailure bool
}

// CleanupConfig schedules the housekeeping sweep.
type CleanupConfig struct {
	Enabled          bool
	Schedule         string // cron expression, minute resolution
	DryRun           bool
	LogRetentionDays int // 0 or less keeps job records forever
	Notify           bool
}

// OffsiteConfig configures the optional S3 copy of new archives.
type OffsiteConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Enabled reports whether an offsite bucket is configured.
func (o OffsiteConfig) Enabled() bool {
	return o.Bucket != ""
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	pullTimeout := getEnvInt("PULL_INACTIVITY_TIMEOUT_SECONDS", 300)
	if pullTimeout < 0 {
		pullTimeout = 300
	}

	maxJob := getEnvInt("MAX_JOB_TIMEOUT_SECONDS", 21600)
	if maxJob <= 0 {
		maxJob = 21600
	}

	mode := ExecutionMode(strings.ToLower(os.Getenv("EXECUTION_MODE")))
	if mode != ExecDetached {
		mode = ExecInProcess
	}

	archiveDir := getEnv("ARCHIVE_DIR", "/archives")

	return ServerConfig{
		Environment: env,
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  max(getEnvInt("DB_MAX_CONNS", 0), 0),
		RedisURL:    os.Getenv("REDIS_URL"),

		ArchiveDir:   archiveDir,
		JobLogDir:    getEnv("JOB_LOG_DIR", "/var/log/archiver"),
		DownloadsDir: getEnv("DOWNLOADS_DIR", filepath.Join(archiveDir, "_downloads")),
		MountBase:    getEnv("MOUNT_BASE", "/opt/stacks"),

		RequireMatchingMounts: getEnvBool("REQUIRE_MATCHING_MOUNTS", true),
		AutoGenerateOnAccess:  getEnvBool("AUTO_GENERATE_ON_ACCESS", false),
		AutoGenerateOnStartup: getEnvBool("AUTO_GENERATE_ON_STARTUP", false),

		PullInactivityTimeout: time.Duration(pullTimeout) * time.Second,
		MaxJobTimeout:         time.Duration(maxJob) * time.Second,
		StackStopTimeout:      getEnvDuration("STACK_STOP_TIMEOUT", 120*time.Second),
		ArchiveWriteTimeout:   getEnvDuration("ARCHIVE_WRITE_TIMEOUT", time.Hour),
		LeaseWait:             getEnvDuration("LEASE_WAIT", 0),
		ExecutionMode:         mode,

		DockerBinary:    getEnv("DOCKER_BINARY", "docker"),
		Maintenance:     getEnvBool("MAINTENANCE_MODE", false),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 5*time.Minute),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),

		Notify: NotifyConfig{
			WebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
			DiscordURL:  os.Getenv("NOTIFY_DISCORD_URL"),
			SMTPHost:    os.Getenv("SMTP_HOST"),
			SMTPPort:    getEnvInt("SMTP_PORT", 587),
			SMTPUser:    os.Getenv("SMTP_USER"),
			SMTPPass:    os.Getenv("SMTP_PASSWORD"),
			SMTPFrom:    os.Getenv("SMTP_FROM"),
			Recipients:  getEnvList("NOTIFY_EMAILS"),
			OnlyFailure: getEnvBool("NOTIFY_ONLY_ON_FAILURE", false),
		},
		Offsite: OffsiteConfig{
			Bucket:    os.Getenv("OFFSITE_S3_BUCKET"),
			Prefix:    os.Getenv("OFFSITE_S3_PREFIX"),
			Region:    getEnv("OFFSITE_S3_REGION", "us-east-1"),
			Endpoint:  os.Getenv("OFFSITE_S3_ENDPOINT"),
			AccessKey: os.Getenv("OFFSITE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("OFFSITE_S3_SECRET_KEY"),
		},

		Cleanup: CleanupConfig{
			Enabled:          getEnvBool("CLEANUP_ENABLED", true),
			Schedule:         getEnv("CLEANUP_SCHEDULE", "30 3 * * *"),
			DryRun:           getEnvBool("CLEANUP_DRY_RUN", false),
			LogRetentionDays: getEnvInt("CLEANUP_LOG_RETENTION_DAYS", 90),
			Notify:           getEnvBool("NOTIFY_ON_CLEANUP", false),
		},

		DownloadRateLimit: getEnv("DOWNLOAD_RATE_LIMIT", "30-M"),
		BaseURL:           strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
	}
}

// getEnv reads a string from an environment variable, returning the default if unset.
func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a Go duration, accepting a bare integer as seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(val); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}

// getEnvList reads a comma separated list, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
