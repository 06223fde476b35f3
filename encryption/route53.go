//go:build !js

package encryption

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/route53"
	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var ErrNoDomains = errors.New("no domains provided")

// Route53Issuer obtains the certificates of the relay listener with the ACME DNS-01 challenge, the TXT records
// are published in AWS Route53. The AWS configuration is loaded from the environment:
// AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN
type Route53Issuer struct {
	DataDir string
	Domains []string
	// Email is the ACME account, admin@<registered domain> of the first domain when empty
	Email string
	// CA is the ACME directory, Let's Encrypt production when empty
	CA string
	// NextProtos is the ALPN list announced by the listener
	NextProtos []string
	Log        *log.Entry
}

// TLSConfig obtains or loads the certificates of every domain and returns a config that serves and renews
// them. It blocks until the certificates are ready or the context is done.
func (r *Route53Issuer) TLSConfig(ctx context.Context) (*tls.Config, error) {
	if len(r.Domains) == 0 {
		return nil, ErrNoDomains
	}

	logger := r.Log
	if logger == nil {
		logger = log.WithField("component", "acme")
	}
	zapLogger := newZapLogger(logger)

	var magic *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return magic, nil
		},
		Logger: zapLogger,
	})
	magic = certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: r.DataDir},
		Logger:  zapLogger,
	})
	magic.Issuers = []certmagic.Issuer{
		certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
			CA:     r.ca(),
			Email:  r.email(),
			Agreed: true,
			DNS01Solver: &certmagic.DNS01Solver{
				DNSManager: certmagic.DNSManager{
					DNSProvider: &route53.Provider{},
				},
			},
			Logger: zapLogger,
		}),
	}

	if err := magic.ManageSync(ctx, r.Domains); err != nil {
		return nil, fmt.Errorf("manage certificates of %s: %w", strings.Join(r.Domains, ", "), err)
	}
	logger.Infof("serving Let's Encrypt certificates for %s", strings.Join(r.Domains, ", "))

	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: magic.GetCertificate,
		NextProtos:     r.NextProtos,
	}, nil
}

func (r *Route53Issuer) email() string {
	if r.Email != "" {
		return r.Email
	}
	return emailFromDomain(r.Domains[0])
}

func (r *Route53Issuer) ca() string {
	if r.CA != "" {
		return r.CA
	}
	return certmagic.LetsEncryptProductionCA
}

func emailFromDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 || parts[0] == "" {
		return ""
	}
	return fmt.Sprintf("admin@%s.%s", parts[len(parts)-2], parts[len(parts)-1])
}

// newZapLogger routes the certmagic logs to the relay logger
func newZapLogger(entry *log.Entry) *zap.Logger {
	return zap.New(&logrusCore{entry: entry})
}

type logrusCore struct {
	entry  *log.Entry
	fields []zapcore.Field
}

func (c *logrusCore) Enabled(level zapcore.Level) bool {
	return c.entry.Logger.IsLevelEnabled(logrusLevel(level))
}

func (c *logrusCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &logrusCore{entry: c.entry, fields: merged}
}

func (c *logrusCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *logrusCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	entry := c.entry.WithFields(log.Fields(enc.Fields))
	if e.LoggerName != "" {
		entry = entry.WithField("logger", e.LoggerName)
	}
	entry.Log(logrusLevel(e.Level), e.Message)
	return nil
}

func (c *logrusCore) Sync() error {
	return nil
}

func logrusLevel(level zapcore.Level) log.Level {
	switch level {
	case zapcore.DebugLevel:
		return log.DebugLevel
	case zapcore.InfoLevel:
		return log.InfoLevel
	case zapcore.WarnLevel:
		return log.WarnLevel
	case zapcore.ErrorLevel:
		return log.ErrorLevel
	default:
		// dpanic, panic and fatal are reported without stopping the relay
		return log.ErrorLevel
	}
}
