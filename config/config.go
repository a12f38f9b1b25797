package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the server.
type Config struct {
	Addr     string `yaml:"addr"`
	DataDir  string `yaml:"data_dir"`
	WorkDir  string `yaml:"work_dir"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Upload    UploadConfig    `yaml:"upload"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	History   HistoryConfig   `yaml:"history"`
}

// RateLimitConfig configures the per-client fixed windows and the optional
// server-wide token bucket in front of them.
type RateLimitConfig struct {
	ConvertMax    int           `yaml:"convert_max"` // conversion requests per window
	PollMax       int           `yaml:"poll_max"`    // status/result requests per window
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	GlobalRPS     float64       `yaml:"global_rps"` // 0 disables the global bucket
	GlobalBurst   int           `yaml:"global_burst"`
}

type JobsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	ResultGrace   time.Duration `yaml:"result_grace"`  // delay before fetched artifacts are deleted
	ProgressPoll  time.Duration `yaml:"progress_poll"` // websocket snapshot cadence
	Timeout       time.Duration `yaml:"timeout"`       // upper bound for one conversion
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
	MaxFiles int   `yaml:"max_files"`
}

// ArtifactsConfig selects where conversion outputs live until they are fetched.
// Backend is one of "local", "s3", "gcs" or "sftp".
type ArtifactsConfig struct {
	Backend  string     `yaml:"backend"`
	LocalDir string     `yaml:"local_dir"`
	S3       S3Config   `yaml:"s3"`
	GCS      GCSConfig  `yaml:"gcs"`
	SFTP     SFTPConfig `yaml:"sftp"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"` // S3-compatible endpoints (MinIO etc.)
}

type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

type SFTPConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKeyFile string `yaml:"private_key_file"`
	BaseDir        string `yaml:"base_dir"`
}

type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:     ":8080",
		DataDir:  GetDataDir(),
		WorkDir:  GetWorkDir(),
		LogLevel: "INFO",
		RateLimit: RateLimitConfig{
			ConvertMax:    20,
			PollMax:       240,
			Window:        time.Minute,
			SweepInterval: time.Minute,
			GlobalBurst:   50,
		},
		Jobs: JobsConfig{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
			Workers:       4,
			QueueCapacity: 100,
			ResultGrace:   time.Minute,
			ProgressPoll:  500 * time.Millisecond,
			Timeout:       10 * time.Minute,
		},
		Upload: UploadConfig{
			MaxBytes: 50 << 20,
			MaxFiles: 20,
		},
		Artifacts: ArtifactsConfig{
			Backend:  "local",
			LocalDir: GetArtifactDir(),
			SFTP:     SFTPConfig{Port: "22"},
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// FILEFORGE_CONFIG and finally FILEFORGE_* environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("FILEFORGE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Addr = getEnv("FILEFORGE_ADDR", c.Addr)
	c.LogFile = getEnv("FILEFORGE_LOG_FILE", c.LogFile)
	c.LogLevel = getEnv("FILEFORGE_LOG_LEVEL", c.LogLevel)
	if os.Getenv("FILEFORGE_DATA_DIR") != "" {
		c.DataDir = GetDataDir()
	}
	if os.Getenv("FILEFORGE_WORK_DIR") != "" {
		c.WorkDir = GetWorkDir()
	}
	if os.Getenv("FILEFORGE_ARTIFACT_DIR") != "" {
		c.Artifacts.LocalDir = GetArtifactDir()
	}

	a := &c.Artifacts
	a.Backend = getEnv("FILEFORGE_ARTIFACT_BACKEND", a.Backend)
	a.S3.Region = getEnv("FILEFORGE_S3_REGION", a.S3.Region)
	a.S3.Bucket = getEnv("FILEFORGE_S3_BUCKET", a.S3.Bucket)
	a.S3.Prefix = getEnv("FILEFORGE_S3_PREFIX", a.S3.Prefix)
	a.S3.AccessKey = getEnv("FILEFORGE_S3_ACCESS_KEY", a.S3.AccessKey)
	a.S3.SecretKey = getEnv("FILEFORGE_S3_SECRET_KEY", a.S3.SecretKey)
	a.S3.Endpoint = getEnv("FILEFORGE_S3_ENDPOINT", a.S3.Endpoint)
	a.GCS.Bucket = getEnv("FILEFORGE_GCS_BUCKET", a.GCS.Bucket)
	a.GCS.Prefix = getEnv("FILEFORGE_GCS_PREFIX", a.GCS.Prefix)
	a.GCS.CredentialsFile = getEnv("FILEFORGE_GCS_CREDENTIALS_FILE", a.GCS.CredentialsFile)
	a.SFTP.Host = getEnv("FILEFORGE_SFTP_HOST", a.SFTP.Host)
	a.SFTP.Port = getEnv("FILEFORGE_SFTP_PORT", a.SFTP.Port)
	a.SFTP.User = getEnv("FILEFORGE_SFTP_USER", a.SFTP.User)
	a.SFTP.Password = getEnv("FILEFORGE_SFTP_PASSWORD", a.SFTP.Password)
	a.SFTP.PrivateKeyFile = getEnv("FILEFORGE_SFTP_PRIVATE_KEY_FILE", a.SFTP.PrivateKeyFile)
	a.SFTP.BaseDir = getEnv("FILEFORGE_SFTP_BASE_DIR", a.SFTP.BaseDir)

	var err error
	r := &c.RateLimit
	if r.ConvertMax, err = getEnvInt("FILEFORGE_RATE_CONVERT_MAX", r.ConvertMax); err != nil {
		return err
	}
	if r.PollMax, err = getEnvInt("FILEFORGE_RATE_POLL_MAX", r.PollMax); err != nil {
		return err
	}
	if r.Window, err = getEnvDuration("FILEFORGE_RATE_WINDOW", r.Window); err != nil {
		return err
	}
	if r.GlobalRPS, err = getEnvFloat("FILEFORGE_RATE_GLOBAL_RPS", r.GlobalRPS); err != nil {
		return err
	}

	j := &c.Jobs
	if j.TTL, err = getEnvDuration("FILEFORGE_JOB_TTL", j.TTL); err != nil {
		return err
	}
	if j.Workers, err = getEnvInt("FILEFORGE_WORKERS", j.Workers); err != nil {
		return err
	}
	if j.ResultGrace, err = getEnvDuration("FILEFORGE_RESULT_GRACE", j.ResultGrace); err != nil {
		return err
	}

	maxBytes, err := getEnvInt("FILEFORGE_MAX_UPLOAD_BYTES", int(c.Upload.MaxBytes))
	if err != nil {
		return err
	}
	c.Upload.MaxBytes = int64(maxBytes)

	if v := os.Getenv("FILEFORGE_HISTORY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FILEFORGE_HISTORY_ENABLED %q: %w", v, err)
		}
		c.History.Enabled = enabled
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.RateLimit.ConvertMax <= 0 || c.RateLimit.PollMax <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Jobs.TTL <= 0 {
		return fmt.Errorf("job ttl must be positive")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	switch strings.ToLower(c.Artifacts.Backend) {
	case "local", "s3", "gcs", "sftp":
	default:
		return fmt.Errorf("unknown artifact backend: %s", c.Artifacts.Backend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	return parsed, nil
}
