package encryption

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

// CreateCertManager wraps common logic of generating Let's encrypt certificate.
// The certificates are stored under <datadir>/letsencrypt. The TLS-ALPN challenge is answered by the TLS config
// of the manager, so no extra HTTP listener is needed.
func CreateCertManager(datadir string, letsencryptDomains ...string) (*autocert.Manager, error) {
	if len(letsencryptDomains) == 0 {
		return nil, fmt.Errorf("no domains provided")
	}

	certDir := filepath.Join(datadir, "letsencrypt")

	if _, err := os.Stat(certDir); os.IsNotExist(err) {
		err = os.MkdirAll(certDir, 0o700)
		if err != nil {
			return nil, fmt.Errorf("failed creating Let's encrypt certdir: %s: %w", certDir, err)
		}
	}

	log.Infof("running with Let's encrypt with domains %s. Cert will be stored in %s", letsencryptDomains, certDir)

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(certDir),
		HostPolicy: autocert.HostWhitelist(letsencryptDomains...),
	}

	return certManager, nil
}
