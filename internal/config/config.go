package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Replay    ReplayConfig    `yaml:"replay"`
	Vault     VaultConfig     `yaml:"vault"`
	Providers ProvidersConfig `yaml:"providers"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ReplayConfig controls the anti-replay middleware. The nonce TTL equals
// MaxAge, so a nonce becomes reusable exactly when its timestamp would
// have gone stale anyway.
type ReplayConfig struct {
	MaxAge           time.Duration `yaml:"max_age"`
	SignatureSecret  string        `yaml:"signature_secret"`
	RequireSignature bool          `yaml:"require_signature"`
}

type VaultConfig struct {
	// KeyHex is a hex-encoded 32-byte AES key. Normally injected via
	// VAULT_KEY rather than committed in the file.
	KeyHex string `yaml:"key_hex"`
}

type ProvidersConfig struct {
	Flutterwave FlutterwaveConfig `yaml:"flutterwave"`
	Mpesa       MpesaConfig       `yaml:"mpesa"`
	Airtel      AirtelConfig      `yaml:"airtel"`
}

// PollingConfig is the per-rail poll policy. Grace is the settle delay
// before the first status query; FailOnExhaust decides whether running
// out of attempts forces the transaction to FAILED or leaves it PENDING
// for the reconciliation sweep.
type PollingConfig struct {
	Grace         time.Duration `yaml:"grace"`
	Interval      time.Duration `yaml:"interval"`
	MaxInterval   time.Duration `yaml:"max_interval"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	MaxAttempts   int           `yaml:"max_attempts"`
	FailOnExhaust bool          `yaml:"fail_on_exhaust"`
}

type FlutterwaveConfig struct {
	BaseURL       string        `yaml:"base_url"`
	SecretKey     string        `yaml:"secret_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Polling       PollingConfig `yaml:"polling"`
}

type MpesaConfig struct {
	BaseURL        string        `yaml:"base_url"`
	ConsumerKey    string        `yaml:"consumer_key"`
	ConsumerSecret string        `yaml:"consumer_secret"`
	Shortcode      string        `yaml:"shortcode"`
	Passkey        string        `yaml:"passkey"`
	CallbackIPs    []string      `yaml:"callback_ips"`
	CallbackUser   string        `yaml:"callback_user"`
	CallbackPass   string        `yaml:"callback_pass"`
	Polling        PollingConfig `yaml:"polling"`
}

type AirtelConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Country      string        `yaml:"country"`
	Currency     string        `yaml:"currency"`
	Polling      PollingConfig `yaml:"polling"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if k := os.Getenv("VAULT_KEY"); k != "" {
		cfg.Vault.KeyHex = k
	}
	if s := os.Getenv("FLW_SECRET_KEY"); s != "" {
		cfg.Providers.Flutterwave.SecretKey = s
	}
	if s := os.Getenv("FLW_WEBHOOK_SECRET"); s != "" {
		cfg.Providers.Flutterwave.WebhookSecret = s
	}
	if s := os.Getenv("MPESA_CONSUMER_SECRET"); s != "" {
		cfg.Providers.Mpesa.ConsumerSecret = s
	}
	if s := os.Getenv("AIRTEL_CLIENT_SECRET"); s != "" {
		cfg.Providers.Airtel.ClientSecret = s
	}
	return &cfg, nil
}
