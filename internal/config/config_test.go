package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Targets = []string{"http://example.com/?id=1"}
	return cfg
}

func TestDefaultConfigIsValidOnceTargetsAreSet(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Error(t, cfg.Validate(), "no targets")

	assert.NoError(t, validConfig().Validate())
}

func TestTimeToSleepIsOneMoreThanTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.TimeoutSeconds = 4
	assert.Equal(t, 5, cfg.TimeToSleep())
	assert.Equal(t, 4*time.Second, cfg.RequestTimeout())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"unknown format", func(c *Config) { c.OutputFormat = "xml" }},
		{"verbosity level", func(c *Config) { c.VerbosityLevel = 3 }},
		{"method", func(c *Config) { c.Method = "DELETE" }},
		{"negative rps", func(c *Config) { c.RequestsPerSecond = -1 }},
		{"retry delays", func(c *Config) { c.RetryDelayBaseMs = 10000; c.RetryDelayMaxMs = 100 }},
		{"header", func(c *Config) { c.CustomHeaders = []string{"NoColon"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsTargetsFileOrStdin(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.TargetsFile = "targets.txt"
	assert.NoError(t, cfg.Validate())

	cfg = GetDefaultConfig()
	cfg.Stdin = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadLinesFromFileSkipsCommentsAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.txt")
	require.NoError(t, os.WriteFile(path, []byte("# header\n\n a \nb\n#c\n"), 0o600))

	lines, err := LoadLinesFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}

func TestProxyEntryString(t *testing.T) {
	p := ProxyEntry{Host: "127.0.0.1:8080"}
	assert.Equal(t, "http://127.0.0.1:8080", p.String())

	p = ProxyEntry{Scheme: "socks5", Host: "proxy:1080", Username: "u", Password: "p"}
	assert.Equal(t, "socks5://u:p@proxy:1080", p.String())
}
