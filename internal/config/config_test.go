package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"port out of range", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"empty mdns tag", func(c *Config) { c.P2P.MdnsTag = "" }},
		{"bad relay scheme", func(c *Config) { c.P2P.RelayURL = "http://relay" }},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
		{"bad stun url", func(c *Config) { c.Media.StunURLs = []string{"udp://1.2.3.4"} }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.tweak(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	// Second call loads the existing file.
	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "callkit-mdns", cfg.P2P.MdnsTag)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"name":"Alice"}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Alice", cfg.Identity.Name)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec, "unset fields keep defaults")
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"name":"Bob"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Bob", cfg.Identity.Name)
}
