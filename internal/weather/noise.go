package weather

import (
	"context"
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/villagelife/internal/world"
)

// Seasonal climate: base temperature and how wet the season runs.
type climate struct {
	temp     float64 // Celsius
	swing    float64 // day-to-day spread
	wetness  float64 // added to the precipitation field, -0.5..0.5
	heatWave float64 // temperature above which clear days count as hot
}

var climates = map[world.Season]climate{
	world.Spring: {temp: 13, swing: 7, wetness: 0.10, heatWave: 27},
	world.Summer: {temp: 25, swing: 8, wetness: -0.10, heatWave: 30},
	world.Autumn: {temp: 11, swing: 7, wetness: 0.05, heatWave: 27},
	world.Winter: {temp: 0, swing: 6, wetness: 0.05, heatWave: 27},
}

// NoiseProvider produces deterministic weather from layered simplex noise
// sampled along the tick axis. The same seed and tick always give the same
// reading.
type NoiseProvider struct {
	precip opensimplex.Noise
	temp   opensimplex.Noise
	wind   opensimplex.Noise
}

// NewNoiseProvider returns a provider for seed.
func NewNoiseProvider(seed int64) *NoiseProvider {
	// Three noise generators for independent layers.
	return &NoiseProvider{
		precip: opensimplex.NewNormalized(seed),
		temp:   opensimplex.NewNormalized(seed + 1),
		wind:   opensimplex.NewNormalized(seed + 2),
	}
}

// Current implements Provider. It never fails.
func (p *NoiseProvider) Current(_ context.Context, tick uint64, season world.Season) (world.Reading, error) {
	return p.At(tick, season), nil
}

// At samples the field. Weather fronts move on a scale of about a day.
func (p *NoiseProvider) At(tick uint64, season world.Season) world.Reading {
	cl, ok := climates[season]
	if !ok {
		cl = climates[world.Spring]
	}
	hours := float64(tick) / 60

	wet := octaveNoise(p.precip, hours, 0, 3, 1.0/36, 0.5) + cl.wetness
	heat := octaveNoise(p.temp, hours, 0, 2, 1.0/72, 0.5)
	gust := octaveNoise(p.wind, hours, 0, 2, 1.0/12, 0.5)

	// Diurnal cycle: coolest near 04:00, warmest near 16:00.
	hourOfDay := math.Mod(hours, 24)
	diurnal := -4 * math.Cos((hourOfDay-4)/24*2*math.Pi)
	temp := cl.temp + (heat-0.5)*2*cl.swing + diurnal

	r := world.Reading{Temperature: math.Round(temp*10) / 10}
	switch {
	case wet > 0.72 && gust > 0.55:
		r.Weather = world.Storm
		r.Intensity = clamp01((wet - 0.72) / 0.28 * 2)
	case wet > 0.62 && temp <= 1:
		r.Weather = world.Snow
		r.Intensity = clamp01((wet - 0.62) / 0.38 * 2)
	case wet > 0.62:
		r.Weather = world.Rain
		r.Intensity = clamp01((wet - 0.62) / 0.38 * 2)
	case wet > 0.5:
		r.Weather = world.Cloudy
		r.Intensity = clamp01((wet - 0.5) / 0.12)
	case temp > cl.heatWave:
		r.Weather = world.Hot
		r.Intensity = clamp01((temp - cl.heatWave) / 8)
	default:
		r.Weather = world.Clear
		r.Intensity = clamp01(0.5 - wet)
	}
	if r.Intensity < 0.1 {
		r.Intensity = 0.1
	}
	r.Description = string(r.Weather)
	return r
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}
