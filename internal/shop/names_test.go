package shop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Carrot":            "carrot",
		"  Blue  Berry ":    "blue_berry",
		"Orange Tulip!!":    "orange_tulip",
		"Jalapeño":          "jalapeno",
		"Master-Sprinkler":  "master_sprinkler",
		"Basic_Sprinkler 2": "basic_sprinkler_2",
		"???":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "Slug(%q)", in)
	}
}

func TestIsProperlyCapitalized(t *testing.T) {
	assert.True(t, IsProperlyCapitalized("Rain"))
	assert.True(t, IsProperlyCapitalized("Thunderstorm"))
	assert.False(t, IsProperlyCapitalized("RAIN"))
	assert.False(t, IsProperlyCapitalized("rain"))
	assert.False(t, IsProperlyCapitalized("rAin"))
	assert.False(t, IsProperlyCapitalized(""))
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, FoldName("RAIN"), FoldName("rain"))
	assert.Equal(t, FoldName(" Rain "), FoldName("rain"))
	assert.NotEqual(t, FoldName("Rain"), FoldName("Snow"))
}

func TestNextScheduledUpdateAlignsToEpochMultiples(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for offset := time.Duration(0); offset < 20*time.Minute; offset += 37 * time.Second {
		now := base.Add(offset)
		next := NextScheduledUpdate(now, 5)
		require.Zero(t, next.Unix()%(5*60), "next=%s not aligned", next)
		require.True(t, next.After(now), "next=%s not after now=%s", next, now)
		require.LessOrEqual(t, next.Sub(now), 5*time.Minute)
	}
}

func TestNextScheduledUpdateOnBoundaryMovesForward(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), NextScheduledUpdate(now, 5))
	assert.True(t, NextScheduledUpdate(now, 0).IsZero())
}

func TestAggregateCloneIsIndependent(t *testing.T) {
	a := NewAggregate(nil)
	a.Categories[CategorySeeds].Items = []Item{NewItem("Carrot", 10)}
	a.Weather = &ActiveWeatherSet{Events: []WeatherEvent{{Name: "Rain"}}}

	cp := a.Clone()
	cp.Categories[CategorySeeds].Items[0].Quantity = 1
	cp.Weather.Events[0].Name = "Snow"

	assert.Equal(t, 10, a.Categories[CategorySeeds].Items[0].Quantity)
	assert.Equal(t, "Rain", a.Weather.Events[0].Name)
	assert.Equal(t, 5, a.Categories[CategorySeeds].RefreshIntervalMinutes)
}
