package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bridgevisor/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(config.TLSConfig{Dir: t.TempDir(), AutoGenerate: true})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_AutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c := config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, DNSNames: []string{"bridge.local"}, ValidDays: 3}
	cfg, err := Setup(c)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	if runtime.GOOS != "windows" {
		st, err := os.Stat(filepath.Join(dir, tlsKey))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
	}

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Equal(t, []string{"bridge.local"}, leaf.DNSNames)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 3), leaf.NotAfter, time.Hour)

	// An existing pair is reused, not regenerated.
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(c)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetup_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName:   "api",
		Organization: "test",
		NotAfter:     time.Now().Add(time.Hour),
		CertPath:     certPath,
		KeyPath:      keyPath,
	}))
	cfg, err := Setup(config.TLSConfig{
		Enabled:    true,
		CertFile:   certPath,
		KeyFile:    keyPath,
		Dir:        filepath.Join(dir, "unused"),
		MinVersion: "1.2",
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.NoDirExists(t, filepath.Join(dir, "unused"))

	raw, err := os.ReadFile(certPath)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
}

func TestSetup_Errors(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	assert.ErrorIs(t, err, config.ErrTLSNoCertificate)

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "load certificate", "no pair and no auto-generate")

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.1"})
	assert.ErrorContains(t, err, "min_version")

	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.3", MaxVersion: "1.2"})
	assert.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{"1.2", tls.VersionTLS12, true},
		{" TLS1.3 ", tls.VersionTLS13, true},
		{"", 0, false},
		{"ssl3", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseTLSVersion(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
