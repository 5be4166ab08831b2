// Package config loads process settings from flags and the environment, and
// the initial user options from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"modwatch/pkg/modwatch"
)

// Config holds the process settings.
type Config struct {
	Storage     string `long:"storage" env:"STORAGE" default:"local" choice:"local" choice:"gcs" choice:"sqlite" choice:"memory" description:"State backend"`
	DataDir     string `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Directory for the local backend"`
	Bucket      string `long:"bucket" env:"STORAGE_BUCKET" description:"GCS bucket for the gcs backend"`
	SQLitePath  string `long:"sqlite-path" env:"SQLITE_PATH" default:"./data/modwatch.db" description:"Database file for the sqlite backend"`
	MemoryQuota int    `long:"memory-quota" env:"MEMORY_QUOTA" default:"0" description:"Byte quota per area for the memory backend (0 = unlimited)"`

	Port        string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseURL     string `long:"base-url" env:"BASE_URL" default:"http://localhost:8080" description:"Public base URL, used in notification links"`
	OptionsFile string `long:"options-file" env:"OPTIONS_FILE" description:"YAML file with the initial user options"`

	Notify           string `long:"notify" env:"NOTIFY" default:"mock" choice:"mock" choice:"gmail" choice:"brevo" description:"Notification provider"`
	NotifyTo         string `long:"notify-to" env:"NOTIFY_TO" description:"Address notifications are sent to"`
	FromAddr         string `long:"from-addr" env:"FROM_ADDR" description:"Sender address"`
	FromName         string `long:"from-name" env:"FROM_NAME" default:"modwatch" description:"Sender name"`
	BrevoAPIKey      string `long:"brevo-api-key" env:"BREVO_API_KEY" description:"Brevo API key"`
	GmailCredentials string `long:"gmail-credentials" env:"GOOGLE_CREDENTIALS_JSON" description:"Service account JSON for Gmail (empty uses the metadata server on GCP)"`

	RedditToken  string        `long:"reddit-token" env:"REDDIT_TOKEN" description:"OAuth bearer token; anonymous JSON endpoints are used without one"`
	UserAgent    string        `long:"user-agent" env:"USER_AGENT" default:"modwatch/1.0 (moderation status watcher)" description:"User agent for platform requests"`
	CycleTimeout time.Duration `long:"cycle-timeout" env:"CYCLE_TIMEOUT" default:"5m" description:"Upper bound for one poll cycle"`
	Debug        bool          `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// ErrHelp is returned when --help was requested; usage has been printed.
var ErrHelp = errors.New("help requested")

// Load parses args (without the program name) and the environment.
func Load(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Storage == "gcs" && c.Bucket == "" {
		return errors.New("--bucket is required with --storage=gcs")
	}
	if c.Notify != "mock" && c.NotifyTo == "" {
		return fmt.Errorf("--notify-to is required with --notify=%s", c.Notify)
	}
	if c.Notify == "brevo" && (c.BrevoAPIKey == "" || c.FromAddr == "") {
		return errors.New("--brevo-api-key and --from-addr are required with --notify=brevo")
	}
	if c.CycleTimeout <= 0 {
		return fmt.Errorf("--cycle-timeout must be positive, got %s", c.CycleTimeout)
	}
	return nil
}

// LoadOptions reads user options from a YAML file. Missing fields keep
// their defaults; an empty path returns the defaults.
func LoadOptions(path string) (modwatch.Options, error) {
	opts := modwatch.DefaultOptions()
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options file: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("invalid options file %s: %w", path, err)
	}
	return opts, nil
}
