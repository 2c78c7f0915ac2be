package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)

	assert.NotEmpty(t, c.Hostname)
	assert.Equal(t, ":25", c.Listen.Plain)
	assert.Equal(t, ":587", c.Listen.TLS)
	assert.Equal(t, "./storage", c.Storage.Root)
	assert.Equal(t, int64(10485760), c.SMTP.MaxSize)
	assert.Equal(t, 5*time.Minute, c.SMTP.ReadTimeout)
	assert.Equal(t, "8.8.8.8:53", c.DNS.Server)
	assert.Equal(t, 10*time.Second, c.Client.Timeout)
	assert.Equal(t, 25, c.Client.Port)
	assert.Equal(t, "none", c.Client.TLS)
	assert.False(t, c.Delivery.Enabled)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, c.Delivery.InternalDomains)
	assert.Equal(t, 4, c.Queue.Workers)
	assert.Equal(t, "deliveries", c.Queue.Name)
	assert.Equal(t, "json", c.Log.Format)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MXD_SMTP_MAX_SIZE", "1024")
	t.Setenv("MXD_CLIENT_TIMEOUT", "3s")
	t.Setenv("MXD_DELIVERY_ENABLED", "true")
	t.Setenv("MXD_DELIVERY_INTERNAL_DOMAINS", "example.com,example.org")

	c, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, int64(1024), c.SMTP.MaxSize)
	assert.Equal(t, 3*time.Second, c.Client.Timeout)
	assert.True(t, c.Delivery.Enabled)
	assert.Equal(t, []string{"example.com", "example.org"}, c.Delivery.InternalDomains)
}

func TestFileAndFlags(t *testing.T) {
	file := filepath.Join(t.TempDir(), "mxd.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
hostname: mx.example.com
listen:
  plain: ":2525"
client:
  tls: starttls
  verify_peer: true
delivery:
  internal_domains:
    - example.com
`), 0600))

	v := New()

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen.plain", ":25", "")
	flags.String("unrelated", "", "")
	require.NoError(t, flags.Parse([]string{"--listen.plain=:2626"}))
	require.NoError(t, BindFlags(v, flags))

	c, err := Load(v, file)
	require.NoError(t, err)

	assert.Equal(t, "mx.example.com", c.Hostname)
	assert.Equal(t, ":2626", c.Listen.Plain)
	assert.Equal(t, "starttls", c.Client.TLS)
	assert.True(t, c.Client.VerifyPeer)
	assert.Equal(t, []string{"example.com"}, c.Delivery.InternalDomains)
}

func TestInvalid(t *testing.T) {
	for name, env := range map[string][2]string{
		"client tls": {"MXD_CLIENT_TLS", "sometimes"},
		"log format": {"MXD_LOG_FORMAT", "xml"},
		"max size":   {"MXD_SMTP_MAX_SIZE", "0"},
		"half tls":   {"MXD_TLS_CERT", "/etc/cert.pem"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load(New(), "")
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
