package smtp

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTLS(t *testing.T) {
	certFile, keyFile := writeCert(t)

	cfg, err := LoadTLS(certFile, keyFile)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestLoadTLSFallback(t *testing.T) {
	certFile, keyFile := writeCert(t)

	// paths swapped, the strict loader finds no certificate in the key file
	cfg, err := LoadTLS(keyFile, certFile)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Zero(t, cfg.MinVersion)

	// a single bundle holding both blocks
	certPEM, err := os.ReadFile(certFile)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(keyFile)
	require.NoError(t, err)

	bundle := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, os.WriteFile(bundle, append(keyPEM, certPEM...), 0600))

	cfg, err = LoadTLS(bundle, bundle)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestLoadTLSInvalid(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not pem"), 0600))

	_, err := LoadTLS(junk, junk)
	assert.Error(t, err)

	_, err = LoadTLS(filepath.Join(dir, "missing.pem"), junk)
	assert.Error(t, err)
}
