package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AUTOANALYSIS_HOURSTOWAIT.
const EnvPrefix = "AUTOANALYSIS"

var (
	ErrMissingKey  = errors.New("missing required configuration key")
	ErrNotWritable = errors.New("directory is not writable")
	ErrUnknownRole = errors.New("unknown location")
)

// Role selects which daemon runs.
type Role string

const (
	RoleExecution  Role = "execution"
	RoleSubmission Role = "submission"
)

// ParseRole accepts the role names and their site aliases.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "execution", "chpc":
		return RoleExecution, nil
	case "submission", "hci":
		return RoleSubmission, nil
	}
	return "", fmt.Errorf("%w %q, expecting execution (chpc) or submission (hci)", ErrUnknownRole, s)
}

// Title is the daemon name used in logs and notification subjects.
func (r Role) Title() string {
	if r == RoleSubmission {
		return "SubmissionAutoAnalysis"
	}
	return "ExecutionAutoAnalysis"
}

type Config struct {
	AdminEmail  string  `mapstructure:"adminEmail"`
	HoursToWait float64 `mapstructure:"hoursToWait"`

	MaxConcurrentCommands int    `mapstructure:"maxConcurrentCommands"`
	RemoteHost            string `mapstructure:"remoteHost"`
	RemoteJobDirectory    string `mapstructure:"remoteJobDirectory"`
	LocalJobDirectory     string `mapstructure:"localJobDirectory"`
	TempDirectory         string `mapstructure:"tempDirectory"`

	SlurmPartition     string `mapstructure:"slurmPartition"`
	SlurmUserTruncated string `mapstructure:"slurmUserTruncated"`
	AvailableNodes     int    `mapstructure:"availableNodes"`
	QueueCommand       string `mapstructure:"queueCommand"`
	SubmitCommand      string `mapstructure:"submitCommand"`
	SubmitNice         int    `mapstructure:"submitNice"`

	NumberRetries     int     `mapstructure:"numberRetries"`
	RetryDelayMinutes float64 `mapstructure:"retryDelayMinutes"`

	MailCommand string `mapstructure:"mailCommand"`
	MailFrom    string `mapstructure:"mailFrom"`

	StatusAddress string `mapstructure:"statusAddress"`
	StatusSecret  string `mapstructure:"statusSecret"`

	DatabaseURL      string `mapstructure:"databaseUrl"`
	NotifyRequesters bool   `mapstructure:"notifyRequesters"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`

	present map[string]bool
}

// Keys without a default. They must appear in the file or the environment.
var requiredKeys = []string{
	"adminEmail",
	"hoursToWait",
	"maxConcurrentCommands",
	"remoteHost",
	"remoteJobDirectory",
	"localJobDirectory",
	"tempDirectory",
	"slurmPartition",
	"slurmUserTruncated",
	"databaseUrl",
}

// Load reads the tab-separated key/value file at path. Lines starting with # are comments.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")

	v.SetDefault("numberRetries", 2)
	v.SetDefault("retryDelayMinutes", 5)
	v.SetDefault("availableNodes", 30)
	v.SetDefault("queueCommand", "squeue")
	v.SetDefault("submitCommand", "sbatch")
	v.SetDefault("submitNice", 10000)
	v.SetDefault("mailCommand", "sendmail")
	v.SetDefault("mailFrom", "noreply_auto_analysis@localhost")
	v.SetDefault("statusAddress", "")
	v.SetDefault("statusSecret", "")
	v.SetDefault("notifyRequesters", false)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for _, key := range requiredKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Path = path
	cfg.present = make(map[string]bool, len(requiredKeys))
	for _, key := range requiredKeys {
		cfg.present[key] = v.IsSet(key) && strings.TrimSpace(v.GetString(key)) != ""
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	for _, s := range []*string{
		&c.AdminEmail, &c.RemoteHost, &c.RemoteJobDirectory, &c.LocalJobDirectory, &c.TempDirectory,
		&c.SlurmPartition, &c.SlurmUserTruncated, &c.QueueCommand, &c.SubmitCommand,
		&c.MailCommand, &c.MailFrom, &c.StatusAddress, &c.StatusSecret, &c.DatabaseURL,
	} {
		*s = strings.TrimSpace(*s)
	}
	if c.RemoteJobDirectory != "" && !strings.HasSuffix(c.RemoteJobDirectory, "/") {
		c.RemoteJobDirectory += "/"
	}
}

// Interval is the sleep between ticks. Zero means run once.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.HoursToWait * float64(time.Hour))
}

// RetryDelay is the fixed wait between command attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMinutes * float64(time.Minute))
}

// Validate checks the keys and directories the given role depends on.
func (c *Config) Validate(role Role) error {
	keys := []string{"adminEmail", "hoursToWait", "remoteJobDirectory"}
	var dirs []string
	switch role {
	case RoleExecution:
		keys = append(keys, "maxConcurrentCommands", "remoteHost", "localJobDirectory",
			"tempDirectory", "slurmPartition", "slurmUserTruncated")
		dirs = []string{c.LocalJobDirectory, c.TempDirectory}
	case RoleSubmission:
		keys = append(keys, "databaseUrl")
		dirs = []string{c.RemoteJobDirectory}
	default:
		return fmt.Errorf("%w %q", ErrUnknownRole, role)
	}

	var missing []string
	for _, key := range keys {
		if !c.present[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s in %s", ErrMissingKey, strings.Join(missing, ", "), c.Path)
	}

	if c.HoursToWait < 0 {
		return fmt.Errorf("hoursToWait must not be negative, got %v", c.HoursToWait)
	}
	if role == RoleExecution && c.MaxConcurrentCommands < 1 {
		return fmt.Errorf("maxConcurrentCommands must be at least 1, got %d", c.MaxConcurrentCommands)
	}
	if c.NumberRetries < 0 {
		return fmt.Errorf("numberRetries must not be negative, got %d", c.NumberRetries)
	}
	for _, dir := range dirs {
		if err := checkWritable(dir); err != nil {
			return err
		}
	}
	return nil
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotWritable, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNotWritable, dir)
	}
	f, err := os.CreateTemp(dir, ".writecheck_*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotWritable, dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
