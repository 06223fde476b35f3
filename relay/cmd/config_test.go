package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
listenAddress: ":9443"
portRangeStart: 20000
portRangeEnd: 20010
dialTimeout: 5s
createRateLimit: 2.5
letsencryptDomains:
  - relay.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.ListenAddress)
	assert.Equal(t, 20000, cfg.PortRangeStart)
	assert.Equal(t, 20010, cfg.PortRangeEnd)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 2.5, cfg.CreateRateLimit)
	assert.Equal(t, []string{"relay.example.com"}, cfg.LetsencryptDomains)
	// untouched keys keep the defaults
	assert.Equal(t, DefaultConfig().MetricsPort, cfg.MetricsPort)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("portRangeStart: [1"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_MergeFlags(t *testing.T) {
	fromFlags := DefaultConfig()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringVar(&fromFlags.ListenAddress, "listen-address", fromFlags.ListenAddress, "")
	flags.IntVar(&fromFlags.PortRangeEnd, "port-range-end", fromFlags.PortRangeEnd, "")
	flags.StringVar(&fromFlags.LogLevel, "log-level", fromFlags.LogLevel, "")
	require.NoError(t, flags.Parse([]string{"--listen-address", ":7000", "--port-range-end", "9500"}))

	cfg := DefaultConfig()
	cfg.ListenAddress = ":6000"
	cfg.LogLevel = "debug"
	cfg.mergeFlags(flags, fromFlags)

	assert.Equal(t, ":7000", cfg.ListenAddress)
	assert.Equal(t, 9500, cfg.PortRangeEnd)
	assert.Equal(t, "debug", cfg.LogLevel, "flag not set on the command line must not override the file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "empty listen address", mutate: func(c *Config) { c.ListenAddress = "" }, wantErr: true},
		{name: "zero range start", mutate: func(c *Config) { c.PortRangeStart = 0 }, wantErr: true},
		{name: "range end too big", mutate: func(c *Config) { c.PortRangeEnd = 70000 }, wantErr: true},
		{name: "inverted range", mutate: func(c *Config) { c.PortRangeStart, c.PortRangeEnd = 9100, 9000 }, wantErr: true},
		{name: "single port range", mutate: func(c *Config) { c.PortRangeStart, c.PortRangeEnd = 9000, 9000 }},
		{name: "invalid bind address", mutate: func(c *Config) { c.TCPServerBindAddress = "localhost" }, wantErr: true},
		{name: "negative idle timeout", mutate: func(c *Config) { c.IdleTimeout = -time.Second }, wantErr: true},
		{name: "zero message size", mutate: func(c *Config) { c.MaxMessageSize = 0 }, wantErr: true},
		{name: "negative rate", mutate: func(c *Config) { c.CreateRateLimit = -1 }, wantErr: true},
		{name: "cert without key", mutate: func(c *Config) { c.TlsCertFile = "cert.pem" }, wantErr: true},
		{name: "cert and key", mutate: func(c *Config) { c.TlsCertFile, c.TlsKeyFile = "cert.pem", "key.pem" }},
		{name: "route53 without domains", mutate: func(c *Config) { c.LetsencryptAWSRoute53 = true }, wantErr: true},
		{
			name: "cert and letsencrypt",
			mutate: func(c *Config) {
				c.TlsCertFile, c.TlsKeyFile = "cert.pem", "key.pem"
				c.LetsencryptDataDir = "/var/lib/sockrelay"
				c.LetsencryptDomains = []string{"relay.example.com"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRelayConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	cfg.CreateRateLimit = 10
	cfg.CreateBurst = 5

	rc := relayConfig(cfg)
	assert.Equal(t, cfg.PortRangeStart, rc.PortRangeStart)
	assert.Equal(t, cfg.PortRangeEnd, rc.PortRangeEnd)
	assert.Equal(t, cfg.DialTimeout, rc.Proxy.DialTimeout)
	assert.Equal(t, time.Minute, rc.Proxy.IdleTimeout)
	assert.Equal(t, cfg.TCPServerBindAddress, rc.Proxy.BindAddress)
	assert.Equal(t, 10.0, rc.CreateRateLimit)
	assert.Equal(t, 5, rc.CreateBurst)
}

func TestHandleTLSConfig_None(t *testing.T) {
	tlsCfg, err := handleTLSConfig(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)
}

func TestHandleTLSConfig_MissingCertFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TlsCertFile = filepath.Join(t.TempDir(), "cert.pem")
	cfg.TlsKeyFile = filepath.Join(t.TempDir(), "key.pem")
	_, err := handleTLSConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestHandleTLSConfig_Route53WithoutDomains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LetsencryptAWSRoute53 = true
	cfg.LetsencryptDataDir = t.TempDir()
	_, err := handleTLSConfig(context.Background(), cfg)
	assert.ErrorContains(t, err, "no domains provided")
}

func TestSetupTLSCertManager_NextProtos(t *testing.T) {
	tlsCfg, err := setupTLSCertManager(t.TempDir(), "relay.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"http/1.1", "acme-tls/1"}, tlsCfg.NextProtos)
	assert.NotNil(t, tlsCfg.GetCertificate)
}

func TestCreateHealthCheck_ProbeURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddress = ":8081"

	hc, err := createHealthCheck(cfg, stubChecker{}, false)
	require.NoError(t, err)
	require.NotNil(t, hc)

	_, err = createHealthCheck(&Config{ListenAddress: "no-port", HealthcheckListenAddress: ":0"}, stubChecker{}, false)
	assert.Error(t, err)

	_, err = createHealthCheck(&Config{ListenAddress: "no-port", HealthcheckListenAddress: ":0"}, stubChecker{}, true)
	assert.NoError(t, err, "the probe is skipped with TLS")
}

type stubChecker struct{}

func (stubChecker) ListenerReady() bool { return true }
func (stubChecker) AvailablePorts() int { return 1 }
