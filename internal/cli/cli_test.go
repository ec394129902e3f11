package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopwatch/internal/shop"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeState(t *testing.T, dir string) string {
	t.Helper()
	st := shop.NewAggregate(nil)
	st.LastUpdated = t0
	st.Categories[shop.CategorySeeds].Items = []shop.Item{shop.NewItem("Carrot", 10)}
	st.Weather = &shop.ActiveWeatherSet{Events: []shop.WeatherEvent{{Name: "Rain", EndsAt: t0.Add(time.Minute)}}}
	st.Vendor = &shop.VendorState{VendorName: "Sam", IsActive: true, Items: []shop.VendorItem{{Item: shop.NewItem("Gold Seed", 1)}}}
	b, err := json.Marshal(st)
	require.NoError(t, err)
	p := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func TestStateShow_JSON(t *testing.T) {
	p := writeState(t, t.TempDir())
	out, err := run(t, "state", "show", "--file", p, "--format", "json")
	require.NoError(t, err)

	var st shop.AggregateState
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "carrot", st.Categories[shop.CategorySeeds].Items[0].ID)
}

func TestStateShow_FromConfig(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir)
	cfg := filepath.Join(dir, "shopwatch.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("storage:\n  dir: "+dir+"\n"), 0o644))

	out, err := run(t, "state", "show", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "[seeds]")
	assert.Contains(t, out, "Carrot")
	assert.Contains(t, out, "[vendor]")
	assert.Contains(t, out, "Sam")
}

func TestStateShow_CorruptFileLeftInPlace(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(p, []byte("{nope"), 0o644))

	_, err := run(t, "state", "show", "--file", p)
	require.Error(t, err)
	_, statErr := os.Stat(p)
	assert.NoError(t, statErr)
}

func TestPrintState_Text(t *testing.T) {
	st := shop.NewAggregate(nil)
	st.Weather = &shop.ActiveWeatherSet{Events: []shop.WeatherEvent{
		{Name: "Rain", EndsAt: t0.Add(90 * time.Second)},
		{Name: "Frost", EndsAt: t0.Add(-time.Second)},
	}}
	var buf bytes.Buffer
	require.NoError(t, printState(&buf, st, t0))
	out := buf.String()
	assert.Contains(t, out, "(empty)")
	assert.Contains(t, out, "ends in 1m30s")
	assert.Contains(t, out, "ended")
	assert.NotContains(t, out, "[vendor]")
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "version", "--format", "xml")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shopwatch dev")
}
