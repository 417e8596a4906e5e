package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Prefix is prepended to every environment variable, e.g. LICENSING_PORT.
const Prefix = "LICENSING"

type Config struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	DBPath         string        `envconfig:"DB_PATH" default:"licensing.db"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"text"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`

	// Admins and AdminsFile are merged; either may be empty.
	Admins            []string `envconfig:"ADMINS"`
	AdminsFile        string   `envconfig:"ADMINS_FILE"`
	AdminPasswordHash string   `envconfig:"ADMIN_PASSWORD_HASH"`

	SigningKeyFile string        `envconfig:"SIGNING_KEY_FILE" required:"true"`
	Issuer         string        `envconfig:"ISSUER" default:"eagleeyes-licensing"`
	CountCacheTTL  time.Duration `envconfig:"COUNT_CACHE_TTL" default:"5s"`

	Identity  IdentityConfig  `envconfig:"IDENTITY"`
	Email     EmailConfig     `envconfig:"EMAIL"`
	Downloads DownloadsConfig `envconfig:"DOWNLOADS"`

	EventOrigins []string `envconfig:"EVENT_ORIGINS"`
	BackupLink   string   `envconfig:"BACKUP_LINK"`
}

// IdentityConfig describes the provider whose ID tokens callers present.
type IdentityConfig struct {
	PublicKeyFile string        `envconfig:"PUBLIC_KEY_FILE" required:"true"`
	Issuer        string        `envconfig:"ISSUER"`
	Audience      string        `envconfig:"AUDIENCE"`
	Leeway        time.Duration `envconfig:"LEEWAY" default:"30s"`
}

type EmailConfig struct {
	From          string `envconfig:"FROM"`
	OpsAddress    string `envconfig:"OPS_ADDRESS"`
	DownloadURL   string `envconfig:"DOWNLOAD_URL" default:"https://www.eagleeyessearch.com/download"`
	PostmarkToken string `envconfig:"POSTMARK_TOKEN"`
	SMTPHost      string `envconfig:"SMTP_HOST"`
	SMTPPort      int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser      string `envconfig:"SMTP_USER"`
	SMTPPass      string `envconfig:"SMTP_PASS"`
}

// Transport reports which mail backend is configured: "postmark", "smtp" or "".
func (e EmailConfig) Transport() string {
	switch {
	case e.PostmarkToken != "":
		return "postmark"
	case e.SMTPHost != "":
		return "smtp"
	default:
		return ""
	}
}

type DownloadsConfig struct {
	Endpoint    string        `envconfig:"ENDPOINT"`
	Bucket      string        `envconfig:"BUCKET"`
	Region      string        `envconfig:"REGION" default:"auto"`
	AccessKey   string        `envconfig:"ACCESS_KEY"`
	SecretKey   string        `envconfig:"SECRET_KEY"`
	AllowedDirs []string      `envconfig:"ALLOWED_DIRS" default:"releases"`
	LinkTTL     time.Duration `envconfig:"LINK_TTL" default:"15m"`
}

// adminsFile is the YAML layout of AdminsFile.
type adminsFile struct {
	Admins []string `yaml:"admins"`
}

// Load reads the optional .env files, then the environment, then the admins
// file. Variables already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if cfg.AdminsFile != "" {
		admins, err := LoadAdminsFile(cfg.AdminsFile)
		if err != nil {
			return nil, err
		}
		cfg.Admins = append(cfg.Admins, admins...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAdminsFile reads a YAML document of the form `admins: [a@b.com, ...]`.
func LoadAdminsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admins file: %w", err)
	}
	var f adminsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse admins file: %w", err)
	}
	return f.Admins, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.Email.Transport() != "" && c.Email.From == "" {
		errs = append(errs, errors.New("email from address is required when a mail transport is set"))
	}
	if c.Downloads.LinkTTL <= 0 {
		errs = append(errs, errors.New("download link ttl must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
