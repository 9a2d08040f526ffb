package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/villagelife/internal/world"
)

func TestMapToSim(t *testing.T) {
	tests := []struct {
		name string
		in   *Conditions
		want world.Weather
	}{
		{"storm", &Conditions{Temp: 18, WindSpeed: 22, IsStorm: true}, world.Storm},
		{"snow", &Conditions{Temp: -5, IsSnow: true}, world.Snow},
		{"rain", &Conditions{Temp: 12, Clouds: 90, IsRain: true}, world.Rain},
		{"hot", &Conditions{Temp: 35}, world.Hot},
		{"overcast", &Conditions{Temp: 15, Clouds: 80}, world.Cloudy},
		{"clear", &Conditions{Temp: 20, Clouds: 10}, world.Clear},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := MapToSim(tt.in, world.Summer)
			assert.Equal(t, tt.want, r.Weather)
			assert.Equal(t, tt.in.Temp, r.Temperature)
			assert.GreaterOrEqual(t, r.Intensity, 0.0)
			assert.LessOrEqual(t, r.Intensity, 1.0)
		})
	}

	r := MapToSim(nil, world.Winter)
	assert.Equal(t, world.Snow, r.Weather)
	assert.Equal(t, "cold winter chill", r.Description)
}

func TestNoiseProviderDeterministic(t *testing.T) {
	a, b := NewNoiseProvider(9), NewNoiseProvider(9)
	seen := map[world.Weather]bool{}
	for tick := uint64(0); tick < 60*24*60; tick += 60 {
		ra := a.At(tick, world.Autumn)
		assert.Equal(t, ra, b.At(tick, world.Autumn))
		assert.True(t, ra.Weather.Valid(), "tick %d: %q", tick, ra.Weather)
		assert.GreaterOrEqual(t, ra.Intensity, 0.1)
		assert.LessOrEqual(t, ra.Intensity, 1.0)
		seen[ra.Weather] = true
	}
	assert.Greater(t, len(seen), 1, "weather should vary over two months")
}

func TestClientCachesAndParses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Lisbon,PT", r.URL.Query().Get("q"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		fmt.Fprint(w, `{"main":{"temp":8.5},"weather":[{"main":"Rain","description":"light rain"}],"wind":{"speed":4},"clouds":{"all":75}}`)
	}))
	defer srv.Close()

	c := NewClient("k", "Lisbon,PT", srv.URL)
	r, err := c.Current(context.Background(), 0, world.Spring)
	require.NoError(t, err)
	assert.Equal(t, world.Rain, r.Weather)
	assert.Equal(t, 8.5, r.Temperature)
	assert.Equal(t, "light rain", r.Description)

	_, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient("k", "", srv.URL)
	c.now = func() time.Time { return now }

	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2*time.Minute, c.failBackoff)
}

type failing struct{}

func (failing) Current(context.Context, uint64, world.Season) (world.Reading, error) {
	return world.Reading{}, errors.New("offline")
}

func TestFallback(t *testing.T) {
	noise := NewNoiseProvider(1)
	f := Fallback{Primary: failing{}, Secondary: noise}
	r, err := f.Current(context.Background(), 600, world.Summer)
	require.NoError(t, err)
	assert.Equal(t, noise.At(600, world.Summer), r)

	var nilClient *Client
	r, err = Fallback{Primary: nilClient, Secondary: noise}.Current(context.Background(), 600, world.Summer)
	require.NoError(t, err)
	assert.Equal(t, noise.At(600, world.Summer), r)

	_, err = Fallback{Primary: failing{}}.Current(context.Background(), 0, world.Summer)
	assert.Error(t, err)
}
