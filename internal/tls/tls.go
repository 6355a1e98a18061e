// Package tls builds the admin API's server TLS configuration, optionally
// generating a self-signed certificate on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/bridgevisor/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion maps "1.2"/"1.3" style names to the crypto/tls constant.
// An empty or unknown value reports false.
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults to TLS 1.3 only. An unknown name is an error.
func resolveTLSVersions(c config.TLSConfig) (minVer, maxVer uint16, err error) {
	minVer, maxVer = tls.VersionTLS13, tls.VersionTLS13
	if c.MinVersion != "" {
		v, ok := parseTLSVersion(c.MinVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls min_version %q", c.MinVersion)
		}
		minVer = v
	}
	if c.MaxVersion != "" {
		v, ok := parseTLSVersion(c.MaxVersion)
		if !ok {
			return 0, 0, fmt.Errorf("unknown tls max_version %q", c.MaxVersion)
		}
		maxVer = v
	}
	if minVer > maxVer {
		return 0, 0, errors.New("tls min_version is above max_version")
	}
	return minVer, maxVer, nil
}

// Setup returns the server TLS config, or nil when TLS is disabled.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(c)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, config.ErrTLSNoCertificate
		}
		certPath, keyPath = filepath.Join(c.Dir, tlsCrt), filepath.Join(c.Dir, tlsKey)
		if c.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}

	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certificateLoader re-reads the pair on each handshake so rotated
// certificates are picked up without a restart.
func certificateLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

// generateCertificate writes a self-signed pair into c.Dir.
func generateCertificate(c config.TLSConfig) error {
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	validDays := c.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(c.CommonName, "localhost"),
		Organization: "bridgevisor",
		DNSNames:     getOrDefaultSlice(c.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(c.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(c.Dir, tlsCrt),
		KeyPath:      filepath.Join(c.Dir, tlsKey),
		CACertPath:   filepath.Join(c.Dir, tlsCaCrt),
	})
}
