package cmd

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"

	"github.com/netbirdio/sockrelay/relay/server/listener/ws"
	"github.com/netbirdio/sockrelay/relay/server/proxy"
	"github.com/netbirdio/sockrelay/util"
)

// Config is the configuration of the relay command. Every field can be set from a flag, from an SR_ environment
// variable or from the YAML file given with --config.
type Config struct {
	ListenAddress string `yaml:"listenAddress"`

	PortRangeStart       int           `yaml:"portRangeStart"`
	PortRangeEnd         int           `yaml:"portRangeEnd"`
	TCPServerBindAddress string        `yaml:"tcpServerBindAddress"`
	DialTimeout          time.Duration `yaml:"dialTimeout"`
	IdleTimeout          time.Duration `yaml:"idleTimeout"`
	MaxMessageSize       int64         `yaml:"maxMessageSize"`
	CreateRateLimit      float64       `yaml:"createRateLimit"`
	CreateBurst          int           `yaml:"createBurst"`

	MetricsPort              int    `yaml:"metricsPort"`
	HealthcheckListenAddress string `yaml:"healthListenAddress"`

	TlsCertFile        string   `yaml:"tlsCertFile"`
	TlsKeyFile         string   `yaml:"tlsKeyFile"`
	LetsencryptDataDir string   `yaml:"letsencryptDataDir"`
	LetsencryptDomains []string `yaml:"letsencryptDomains"`
	LetsencryptEmail   string   `yaml:"letsencryptEmail"`
	// in case of using Route 53 for DNS challenge the credentials should be provided in the environment variables or
	// in the AWS credentials file
	LetsencryptAWSRoute53 bool `yaml:"letsencryptAwsRoute53"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:            ":8080",
		PortRangeStart:           9000,
		PortRangeEnd:             9999,
		TCPServerBindAddress:     "0.0.0.0",
		DialTimeout:              proxy.DefaultDialTimeout,
		MaxMessageSize:           ws.DefaultMaxMessageSize,
		MetricsPort:              9090,
		HealthcheckListenAddress: ":9100",
		LogLevel:                 "info",
		LogFile:                  "console",
	}
}

// LoadConfig loads the YAML file on top of the defaults. Environment variables can be referenced in the file
// as {{ .NAME }}.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	if err := util.ReadYAMLWithEnvSub(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// mergeFlags overrides the file values with the flags the user has set explicitly, on the command line or through
// the environment
func (c *Config) mergeFlags(flags *pflag.FlagSet, fromFlags *Config) {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("listen-address") {
		c.ListenAddress = fromFlags.ListenAddress
	}
	if changed("port-range-start") {
		c.PortRangeStart = fromFlags.PortRangeStart
	}
	if changed("port-range-end") {
		c.PortRangeEnd = fromFlags.PortRangeEnd
	}
	if changed("tcp-server-bind-address") {
		c.TCPServerBindAddress = fromFlags.TCPServerBindAddress
	}
	if changed("dial-timeout") {
		c.DialTimeout = fromFlags.DialTimeout
	}
	if changed("idle-timeout") {
		c.IdleTimeout = fromFlags.IdleTimeout
	}
	if changed("max-message-size") {
		c.MaxMessageSize = fromFlags.MaxMessageSize
	}
	if changed("create-rate-limit") {
		c.CreateRateLimit = fromFlags.CreateRateLimit
	}
	if changed("create-burst") {
		c.CreateBurst = fromFlags.CreateBurst
	}
	if changed("metrics-port") {
		c.MetricsPort = fromFlags.MetricsPort
	}
	if changed("health-listen-address") {
		c.HealthcheckListenAddress = fromFlags.HealthcheckListenAddress
	}
	if changed("tls-cert-file") {
		c.TlsCertFile = fromFlags.TlsCertFile
	}
	if changed("tls-key-file") {
		c.TlsKeyFile = fromFlags.TlsKeyFile
	}
	if changed("letsencrypt-data-dir") {
		c.LetsencryptDataDir = fromFlags.LetsencryptDataDir
	}
	if changed("letsencrypt-domains") {
		c.LetsencryptDomains = fromFlags.LetsencryptDomains
	}
	if changed("letsencrypt-email") {
		c.LetsencryptEmail = fromFlags.LetsencryptEmail
	}
	if changed("letsencrypt-aws-route53") {
		c.LetsencryptAWSRoute53 = fromFlags.LetsencryptAWSRoute53
	}
	if changed("log-level") {
		c.LogLevel = fromFlags.LogLevel
	}
	if changed("log-file") {
		c.LogFile = fromFlags.LogFile
	}
}

func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 {
		return fmt.Errorf("port range %d-%d must be within 1-65535", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("port range start %d is greater than the end %d", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.TCPServerBindAddress != "" && net.ParseIP(c.TCPServerBindAddress) == nil {
		return fmt.Errorf("invalid tcp server bind address: %s", c.TCPServerBindAddress)
	}
	if c.DialTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive")
	}
	if c.CreateRateLimit < 0 {
		return fmt.Errorf("create rate limit must not be negative")
	}
	if (c.TlsCertFile == "") != (c.TlsKeyFile == "") {
		return fmt.Errorf("both --tls-cert-file and --tls-key-file are required for TLS")
	}
	if c.LetsencryptAWSRoute53 && len(c.LetsencryptDomains) == 0 {
		return fmt.Errorf("--letsencrypt-domains is required with --letsencrypt-aws-route53")
	}
	if c.HasCertConfig() && (c.HasLetsEncrypt() || c.LetsencryptAWSRoute53) {
		return fmt.Errorf("certificate files and Let's Encrypt are mutually exclusive")
	}
	return nil
}

func (c *Config) HasCertConfig() bool {
	return c.TlsCertFile != "" && c.TlsKeyFile != ""
}

func (c *Config) HasLetsEncrypt() bool {
	return c.LetsencryptDataDir != "" && len(c.LetsencryptDomains) > 0
}
