package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, DefaultTokenTTL, cfg.TokenTTL)
	assert.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BACKENDS_REGISTRY_URL", "http://registry:8080/")
	t.Setenv("API_KEY", "secret")
	t.Setenv("CACHE_TTL_MS", "5000")
	t.Setenv("TOKEN_TTL_MS", "60000")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := FromEnv()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "http://registry:8080", cfg.RegistryURL, "trailing slash is trimmed")
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, time.Minute, cfg.TokenTTL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestFromEnv_BadValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("CACHE_TTL_MS", "-5")

	cfg := FromEnv()

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCacheTTL, cfg.CacheTTL)
}

func TestConfig_ApplyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8888
cacheTTL: "10s"
tokenTTL: "30m"
allowedOrigins:
  - https://app.example.com
logLevel: debug
`), 0o600))

	cfg := &Config{
		Port:           8080,
		RegistryURL:    "http://registry",
		APIKey:         "k",
		CacheTTL:       DefaultCacheTTL,
		TokenTTL:       DefaultTokenTTL,
		ProbeTimeout:   DefaultProbeTimeout,
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		LogFormat:      "json",
	}

	require.NoError(t, cfg.ApplyFile(path))

	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.CacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat, "fields absent from the file keep their values")
	assert.Equal(t, DefaultProbeTimeout, cfg.ProbeTimeout)
}

func TestConfig_ApplyFileErrors(t *testing.T) {
	t.Parallel()

	cfg := FromEnv()
	assert.Error(t, cfg.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml")))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("port: [not an int"), 0o600))
	assert.Error(t, cfg.ApplyFile(bad))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := &Config{Port: 8080, RegistryURL: "http://registry", APIKey: "k"}
	assert.NoError(t, valid.Validate())

	missing := &Config{Port: 8080}
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKENDS_REGISTRY_URL")
	assert.Contains(t, err.Error(), "API_KEY")

	badPort := &Config{Port: -1, RegistryURL: "http://registry", APIKey: "k"}
	assert.Error(t, badPort.Validate())
}

func TestConfig_WeakEncryptionKey(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Config{}).WeakEncryptionKey())
	assert.True(t, (&Config{EncryptionKey: "short"}).WeakEncryptionKey())
	assert.False(t, (&Config{EncryptionKey: "0123456789abcdef0123456789abcdef"}).WeakEncryptionKey())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8081\n"), 0o600))

	reloaded := make(chan *Config, 4)
	base := func() *Config {
		return &Config{Port: 8080, RegistryURL: "http://registry", APIKey: "k"}
	}

	w, err := NewWatcher(path, base, func(cfg *Config) { reloaded <- cfg },
		WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("port: 8082\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8082, cfg.Port)
		assert.Equal(t, "http://registry", cfg.RegistryURL, "overlay is applied onto the env baseline")
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback was not invoked")
	}
}

func TestWatcher_KeepsRunningOnBadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8081\n"), 0o600))

	reloaded := make(chan *Config, 4)
	base := func() *Config {
		return &Config{Port: 8080, RegistryURL: "http://registry", APIKey: "k"}
	}

	w, err := NewWatcher(path, base, func(cfg *Config) { reloaded <- cfg },
		WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// Broken YAML must not kill the watcher or fire the callback.
	require.NoError(t, os.WriteFile(path, []byte("port: [broken"), 0o600))
	select {
	case <-reloaded:
		t.Fatal("callback fired for invalid file")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("port: 8083\n"), 0o600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8083, cfg.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not recover after invalid file")
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8081\n"), 0o600))

	reloaded := make(chan *Config, 4)
	base := func() *Config {
		return &Config{Port: 8080, RegistryURL: "http://registry", APIKey: "k"}
	}

	w, err := NewWatcher(path, base, func(cfg *Config) { reloaded <- cfg },
		WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// Parseable but invalid values are rejected, keeping the last good
	// configuration in effect.
	require.NoError(t, os.WriteFile(path, []byte("port: 99999\n"), 0o600))
	select {
	case cfg := <-reloaded:
		t.Fatalf("callback fired for invalid config: port %d", cfg.Port)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("port: 8084\n"), 0o600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8084, cfg.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not recover after invalid config")
	}
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*string)) = "90s"
		return nil
	}))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := Duration(time.Minute).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", out)
}
