package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSON(t *testing.T) {
	out, f, err := toJSON("cfg", []byte(` {"storage":{"dir":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, formatJSON, f, "sniffed from content")
	assert.JSONEq(t, `{"storage":{"dir":"x"}}`, string(out))

	out, f, err = toJSON("cfg.yml", []byte("storage:\n  dir: x\n"))
	require.NoError(t, err)
	assert.Equal(t, formatYAML, f)
	assert.JSONEq(t, `{"storage":{"dir":"x"}}`, string(out))

	out, _, err = toJSON("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))

	_, _, err = toJSON("bad.yaml", []byte("engine:\n  refresh_minutes:\n    1: 30\n"))
	assert.ErrorContains(t, err, "engine.refresh_minutes")
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	path := writeConfig(t, "shopwatch.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Unchanged content is not republished.
	m.reload(context.Background())
	assert.Empty(t, ch)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"http:\n  addr: \":9090\"\n"), 0o644))
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	m.reload(context.Background())
	assert.Empty(t, ch, "validator rejection keeps the previous config")

	m.SetValidator(nil)
	m.reload(context.Background())
	require.Len(t, ch, 1)
	cfg := <-ch
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Same(t, cfg, m.Get())
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "shopwatch.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	updated := strings.Replace(sampleYAML, "level: info", "level: debug", 1)
	require.Eventually(t, func() bool {
		// Rewrite until the watcher has picked up the directory.
		_ = os.WriteFile(path, []byte(updated), 0o644)
		return len(ch) > 0
	}, 5*time.Second, 300*time.Millisecond)

	cfg := <-ch
	assert.Equal(t, "debug", cfg.Logging.Level)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
