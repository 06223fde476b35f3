package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme"
	"golang.org/x/sync/errgroup"

	"github.com/netbirdio/sockrelay/encryption"
	"github.com/netbirdio/sockrelay/relay/healthcheck"
	"github.com/netbirdio/sockrelay/relay/server"
	"github.com/netbirdio/sockrelay/relay/server/proxy"
	"github.com/netbirdio/sockrelay/shared/metrics"
	"github.com/netbirdio/sockrelay/util"
	"github.com/netbirdio/sockrelay/version"
)

const shutdownTimeout = 30 * time.Second

// listenerNextProtos is the ALPN list of the WebSocket listener
var listenerNextProtos = []string{"http/1.1"}

var (
	cobraConfig *Config
	configPath  string
	rootCmd     = &cobra.Command{
		Use:           "sockrelay",
		Short:         "Socket relay service",
		Long:          "WebSocket relay that gives restricted clients TCP and UDP sockets and virtual TCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
		Version:       version.RelayVersion(),
	}
)

func init() {
	_ = util.InitLog("info", util.LogConsole)
	cobraConfig = DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to an optional YAML config file, explicitly set flags override its values")
	flags.StringVarP(&cobraConfig.ListenAddress, "listen-address", "l", cobraConfig.ListenAddress, "listen address of the WebSocket endpoint")
	flags.IntVar(&cobraConfig.PortRangeStart, "port-range-start", cobraConfig.PortRangeStart, "first port of the virtual TCP servers")
	flags.IntVar(&cobraConfig.PortRangeEnd, "port-range-end", cobraConfig.PortRangeEnd, "last port of the virtual TCP servers")
	flags.StringVar(&cobraConfig.TCPServerBindAddress, "tcp-server-bind-address", cobraConfig.TCPServerBindAddress, "IP address the virtual TCP servers bind to")
	flags.DurationVar(&cobraConfig.DialTimeout, "dial-timeout", cobraConfig.DialTimeout, "timeout of the outbound TCP connections")
	flags.DurationVar(&cobraConfig.IdleTimeout, "idle-timeout", cobraConfig.IdleTimeout, "idle time after which a TCP socket reports a timeout, 0 disables it")
	flags.Int64Var(&cobraConfig.MaxMessageSize, "max-message-size", cobraConfig.MaxMessageSize, "largest WebSocket message accepted from a client in bytes")
	flags.Float64Var(&cobraConfig.CreateRateLimit, "create-rate-limit", cobraConfig.CreateRateLimit, "resource creations allowed per second across all clients, 0 disables the limit")
	flags.IntVar(&cobraConfig.CreateBurst, "create-burst", cobraConfig.CreateBurst, "burst of the resource creation rate limit")
	flags.IntVar(&cobraConfig.MetricsPort, "metrics-port", cobraConfig.MetricsPort, "metrics endpoint http port. Metrics are accessible under host:metrics-port/metrics")
	flags.StringVarP(&cobraConfig.HealthcheckListenAddress, "health-listen-address", "H", cobraConfig.HealthcheckListenAddress, "listen address of healthcheck server")
	flags.StringVarP(&cobraConfig.TlsCertFile, "tls-cert-file", "c", "", "")
	flags.StringVarP(&cobraConfig.TlsKeyFile, "tls-key-file", "k", "", "")
	flags.StringVarP(&cobraConfig.LetsencryptDataDir, "letsencrypt-data-dir", "d", "", "a directory to store Let's Encrypt data. Required if Let's Encrypt is enabled.")
	flags.StringSliceVarP(&cobraConfig.LetsencryptDomains, "letsencrypt-domains", "a", nil, "list of domains to issue Let's Encrypt certificate for. Enables TLS using Let's Encrypt. Will fetch and renew certificate, and run the server with TLS")
	flags.StringVar(&cobraConfig.LetsencryptEmail, "letsencrypt-email", "", "email address to use for Let's Encrypt certificate registration")
	flags.BoolVar(&cobraConfig.LetsencryptAWSRoute53, "letsencrypt-aws-route53", false, "use AWS Route 53 for Let's Encrypt DNS challenge")
	flags.StringVar(&cobraConfig.LogLevel, "log-level", cobraConfig.LogLevel, "log level")
	flags.StringVar(&cobraConfig.LogFile, "log-file", cobraConfig.LogFile, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func execute(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.mergeFlags(cmd.PersistentFlags(), cobraConfig)

	if err := cfg.Validate(); err != nil {
		log.Debugf("invalid config: %s", err)
		return fmt.Errorf("invalid config: %s", err)
	}

	if err := util.InitLog(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Debugf("failed to initialize log: %s", err)
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	log.Infof("starting sockrelay %s", version.RelayVersion())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg)
}

// run creates every server, serves until the context is done or one of them fails, and shuts them down
func run(ctx context.Context, cfg *Config) error {
	// Resource creation phase (fail fast before starting any goroutines)
	metricsServer, err := metrics.NewServer(cfg.MetricsPort, "")
	if err != nil {
		log.Debugf("setup metrics: %v", err)
		return fmt.Errorf("setup metrics: %v", err)
	}

	tlsConfig, err := handleTLSConfig(ctx, cfg)
	if err != nil {
		log.Debugf("failed to setup TLS config: %s", err)
		return fmt.Errorf("failed to setup TLS config: %s", err)
	}

	srv, err := server.NewServer(server.Config{
		Meter: metricsServer.Meter,
		Relay: relayConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create relay server: %v", err)
	}

	httpHealthcheck, err := createHealthCheck(cfg, srv, tlsConfig != nil)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("running metrics server: %s%s", metricsServer.Addr, metricsServer.Endpoint)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Infof("relay server listening on %s", cfg.ListenAddress)
		if err := srv.Listen(server.ListenerConfig{
			Address:        cfg.ListenAddress,
			TLSConfig:      tlsConfig,
			MaxMessageSize: cfg.MaxMessageSize,
		}); err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := httpHealthcheck.ListenAndServe(); err != nil {
			return fmt.Errorf("healthcheck server: %w", err)
		}
		return nil
	})

	<-gCtx.Done()
	if err := context.Cause(gCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("stopping: %s", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := shutdownServers(shutdownCtx, metricsServer, srv, httpHealthcheck)
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func relayConfig(cfg *Config) server.RelayConfig {
	return server.RelayConfig{
		PortRangeStart: cfg.PortRangeStart,
		PortRangeEnd:   cfg.PortRangeEnd,
		Proxy: proxy.Config{
			DialTimeout: cfg.DialTimeout,
			IdleTimeout: cfg.IdleTimeout,
			BindAddress: cfg.TCPServerBindAddress,
		},
		CreateRateLimit: cfg.CreateRateLimit,
		CreateBurst:     cfg.CreateBurst,
	}
}

func shutdownServers(ctx context.Context, metricsServer *metrics.Metrics, srv *server.Server, httpHealthcheck *healthcheck.Server) error {
	var errs *multierror.Error

	if err := httpHealthcheck.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close healthcheck server: %w", err))
	}

	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close relay server: %w", err))
	}

	log.Infof("shutting down metrics server")
	if err := metricsServer.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
	}

	return util.FormatErrorOrNil(errs)
}

// createHealthCheck probes the relay listener through its local URL. A TLS certificate is issued for the public
// domains, so with TLS only the listener state is reported.
func createHealthCheck(cfg *Config, checker healthcheck.ServiceChecker, tlsSupported bool) (*healthcheck.Server, error) {
	hCfg := healthcheck.Config{
		ListenAddress:  cfg.HealthcheckListenAddress,
		ServiceChecker: checker,
	}

	if !tlsSupported {
		probeURL, err := server.LocalURL(cfg.ListenAddress, false)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		hCfg.ProbeURL = probeURL
	}

	httpHealthcheck, err := healthcheck.NewServer(hCfg)
	if err != nil {
		log.Debugf("failed to create healthcheck server: %v", err)
		return nil, fmt.Errorf("failed to create healthcheck server: %v", err)
	}
	return httpHealthcheck, nil
}

func handleTLSConfig(ctx context.Context, cfg *Config) (*tls.Config, error) {
	if cfg.LetsencryptAWSRoute53 {
		log.Debugf("using Let's Encrypt DNS resolver with Route 53 support")
		r53 := encryption.Route53Issuer{
			DataDir:    cfg.LetsencryptDataDir,
			Domains:    cfg.LetsencryptDomains,
			Email:      cfg.LetsencryptEmail,
			NextProtos: listenerNextProtos,
			Log:        log.WithField("component", "acme"),
		}
		tlsCfg, err := r53.TLSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s", err)
		}
		return tlsCfg, nil
	}

	if cfg.HasLetsEncrypt() {
		log.Infof("setting up TLS with Let's Encrypt.")
		tlsCfg, err := setupTLSCertManager(cfg.LetsencryptDataDir, cfg.LetsencryptDomains...)
		if err != nil {
			return nil, fmt.Errorf("%s", err)
		}
		return tlsCfg, nil
	}

	if cfg.HasCertConfig() {
		log.Debugf("using file based TLS config")
		tlsCfg, err := encryption.LoadTLSConfig(cfg.TlsCertFile, cfg.TlsKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%s", err)
		}
		return tlsCfg, nil
	}
	return nil, nil
}

func setupTLSCertManager(letsencryptDataDir string, letsencryptDomains ...string) (*tls.Config, error) {
	certManager, err := encryption.CreateCertManager(letsencryptDataDir, letsencryptDomains...)
	if err != nil {
		return nil, fmt.Errorf("failed creating LetsEncrypt cert manager: %v", err)
	}
	tlsCfg := certManager.TLSConfig()
	// the WebSocket listener serves HTTP/1.1 only, acme-tls/1 answers the TLS-ALPN challenge
	tlsCfg.NextProtos = append(append([]string{}, listenerNextProtos...), acme.ALPNProto)
	return tlsCfg, nil
}
