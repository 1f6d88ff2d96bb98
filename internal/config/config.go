package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	DefaultPath                = "/etc/roborock-bridge/config.json"
	DefaultHTTPAddr            = "0.0.0.0:8080"
	DefaultCacheDir            = "/var/lib/roborock-bridge/tokens"
	DefaultPollIntervalSeconds = 5
	DefaultLowBatteryThreshold = 15
	DefaultBlobPrefix          = "roborock-bridge/tokens"
)

// Auth modes. Password mode lets the bridge re-login on its own when the
// cached credential is rejected; OTP mode can only consume a credential
// obtained out of band.
const (
	AuthModePassword = "password"
	AuthModeOTP      = "otp"
)

type Config struct {
	Account Account `json:"account"`

	HTTPAddr            string `json:"http_addr"`
	CacheDir            string `json:"cache_dir"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	LowBatteryThreshold int    `json:"low_battery_threshold"`
	LogLevel            string `json:"log_level"`

	Blob *BlobConfig `json:"blob,omitempty"`
}

type Account struct {
	Email    string `json:"email"`
	AuthMode string `json:"auth_mode"`

	// Password mode only.
	Password string `json:"password,omitempty"`

	// OTP mode only: path to a file holding the user-data JSON captured
	// from a completed email-code login.
	CredentialFile string `json:"credential_file,omitempty"`
}

// BlobConfig enables the optional S3 credential mirror.
type BlobConfig struct {
	Endpoint      string `json:"endpoint"`
	Bucket        string `json:"bucket"`
	Prefix        string `json:"prefix"`
	AccessKeyFile string `json:"access_key_file"`
	SecretKeyFile string `json:"secret_key_file"`
}

// Load parses the JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err = Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if cfg.LowBatteryThreshold == 0 {
		cfg.LowBatteryThreshold = DefaultLowBatteryThreshold
	}
	if cfg.Account.AuthMode == "" {
		cfg.Account.AuthMode = AuthModePassword
	}
	if cfg.Blob != nil && cfg.Blob.Prefix == "" {
		cfg.Blob.Prefix = DefaultBlobPrefix
	}
}

// Validate enforces required invariants beyond JSON typing. A config
// rejected here is a fatal startup error, never retried.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	if cfg.Account.Email == "" {
		return fmt.Errorf("account.email is required")
	}
	switch cfg.Account.AuthMode {
	case AuthModePassword:
		if cfg.Account.Password == "" {
			return fmt.Errorf("account.password is required in password mode")
		}
	case AuthModeOTP:
		if cfg.Account.CredentialFile == "" {
			return fmt.Errorf("account.credential_file is required in otp mode")
		}
	default:
		return fmt.Errorf("unknown auth_mode %q", cfg.Account.AuthMode)
	}

	if cfg.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	if cfg.LowBatteryThreshold < 0 || cfg.LowBatteryThreshold > 100 {
		return fmt.Errorf("low_battery_threshold must be between 0 and 100")
	}

	if cfg.Blob != nil {
		if cfg.Blob.Endpoint == "" {
			return fmt.Errorf("blob.endpoint is required")
		}
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required")
		}
		if cfg.Blob.AccessKeyFile == "" {
			return fmt.Errorf("blob.access_key_file is required")
		}
		if cfg.Blob.SecretKeyFile == "" {
			return fmt.Errorf("blob.secret_key_file is required")
		}
	}

	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
