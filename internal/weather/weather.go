// Package weather supplies the weather half of the world context.
// Real conditions come from OpenWeatherMap; offline runs use a
// deterministic noise field biased by season.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/talgya/villagelife/internal/world"
)

// Provider reports the weather at a tick.
type Provider interface {
	Current(ctx context.Context, tick uint64, season world.Season) (world.Reading, error)
}

// DefaultBaseURL is the OpenWeatherMap current-weather endpoint.
const DefaultBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// Client fetches weather data from OpenWeatherMap.
type Client struct {
	apiKey   string
	location string
	baseURL  string
	client   *http.Client
	group    singleflight.Group

	mu          sync.Mutex
	cached      *Conditions
	cachedAt    time.Time
	cacheTTL    time.Duration
	lastFailAt  time.Time
	failBackoff time.Duration
	now         func() time.Time
}

// NewClient creates a weather API client. Returns nil if apiKey is empty.
func NewClient(apiKey, location, baseURL string) *Client {
	if apiKey == "" {
		return nil
	}
	if location == "" {
		location = "San Diego,US"
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey:   apiKey,
		location: location,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
	}
}

// Conditions holds parsed weather data from the API.
type Conditions struct {
	Temp        float64 `json:"temp"` // Celsius
	Description string  `json:"description"`
	WindSpeed   float64 `json:"wind_speed"` // m/s
	Clouds      float64 `json:"clouds"`     // percent
	IsStorm     bool    `json:"is_storm"`
	IsSnow      bool    `json:"is_snow"`
	IsRain      bool    `json:"is_rain"`
}

// Fetch retrieves current weather conditions, using cache if fresh.
// Concurrent callers share one request.
func (c *Client) Fetch(ctx context.Context) (*Conditions, error) {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < c.cacheTTL {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}

	// Backoff on repeated failures (up to 10 minutes).
	if c.failBackoff > 0 && c.now().Sub(c.lastFailAt) < c.failBackoff {
		cached, remaining := c.cached, c.failBackoff-c.now().Sub(c.lastFailAt)
		c.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("weather API backoff (%s remaining)", remaining)
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(c.location, func() (any, error) {
		return c.fetchFromAPI(ctx)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastFailAt = c.now()
		if c.failBackoff == 0 {
			c.failBackoff = 1 * time.Minute
		} else if c.failBackoff < 10*time.Minute {
			c.failBackoff *= 2
		}
		if c.cached != nil {
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = v.(*Conditions)
	c.cachedAt = c.now()
	c.failBackoff = 0 // Reset backoff on success.
	return c.cached, nil
}

// Current implements Provider.
func (c *Client) Current(ctx context.Context, _ uint64, season world.Season) (world.Reading, error) {
	cond, err := c.Fetch(ctx)
	if err != nil {
		return world.Reading{}, err
	}
	return MapToSim(cond, season), nil
}

func (c *Client) fetchFromAPI(ctx context.Context) (*Conditions, error) {
	apiURL := fmt.Sprintf("%s?q=%s&appid=%s&units=metric",
		c.baseURL, url.QueryEscape(c.location), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather API call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API error %d: %s", resp.StatusCode, string(body))
	}

	// Parse OpenWeatherMap response.
	var owm struct {
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
		Weather []struct {
			Main        string `json:"main"`
			Description string `json:"description"`
		} `json:"weather"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Clouds struct {
			All float64 `json:"all"`
		} `json:"clouds"`
	}

	if err := json.Unmarshal(body, &owm); err != nil {
		return nil, fmt.Errorf("parse weather: %w", err)
	}

	conditions := &Conditions{
		Temp:      owm.Main.Temp,
		WindSpeed: owm.Wind.Speed,
		Clouds:    owm.Clouds.All,
	}

	if len(owm.Weather) > 0 {
		conditions.Description = owm.Weather[0].Description
		main := strings.ToLower(owm.Weather[0].Main)
		conditions.IsRain = main == "rain" || main == "drizzle"
		conditions.IsSnow = main == "snow"
		conditions.IsStorm = main == "thunderstorm" || conditions.WindSpeed > 15
	}

	slog.Debug("weather fetched", "temp", conditions.Temp, "desc", conditions.Description)
	return conditions, nil
}

// MapToSim converts real weather conditions to a simulation reading.
// A nil c yields the season's default.
func MapToSim(c *Conditions, season world.Season) world.Reading {
	if c == nil {
		return seasonDefault(season)
	}

	r := world.Reading{
		Weather:     world.Clear,
		Intensity:   0.5,
		Temperature: c.Temp,
		Description: c.Description,
	}

	switch {
	case c.IsStorm:
		r.Weather = world.Storm
		// 15 m/s is a weak storm, 30 m/s the worst we model.
		r.Intensity = clamp01(0.5 + (c.WindSpeed-15)/30)
	case c.IsSnow:
		r.Weather = world.Snow
		r.Intensity = clamp01(0.4 + (0-c.Temp)/20)
	case c.IsRain:
		r.Weather = world.Rain
		r.Intensity = clamp01(0.3 + c.Clouds/200)
	case c.Temp > 30:
		r.Weather = world.Hot
		r.Intensity = clamp01((c.Temp - 30) / 10)
	case c.Clouds >= 60:
		r.Weather = world.Cloudy
		r.Intensity = clamp01(c.Clouds / 100)
	}
	return r
}

func seasonDefault(season world.Season) world.Reading {
	switch season {
	case world.Spring:
		return world.Reading{Weather: world.Cloudy, Intensity: 0.4, Temperature: 14, Description: "mild spring weather"}
	case world.Summer:
		return world.Reading{Weather: world.Clear, Intensity: 0.5, Temperature: 26, Description: "warm summer sun"}
	case world.Autumn:
		return world.Reading{Weather: world.Cloudy, Intensity: 0.5, Temperature: 10, Description: "cool autumn breeze"}
	case world.Winter:
		return world.Reading{Weather: world.Snow, Intensity: 0.3, Temperature: -2, Description: "cold winter chill"}
	default:
		return world.Reading{Weather: world.Clear, Intensity: 0.5, Temperature: 15, Description: "fair weather"}
	}
}

// Fallback asks Primary first and Secondary when it fails. A nil Primary
// goes straight to Secondary.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

func (f Fallback) Current(ctx context.Context, tick uint64, season world.Season) (world.Reading, error) {
	if f.Primary != nil && !isNilClient(f.Primary) {
		r, err := f.Primary.Current(ctx, tick, season)
		if err == nil {
			return r, nil
		}
		slog.Debug("primary weather provider failed", "error", err)
	}
	if f.Secondary == nil {
		return world.Reading{}, errors.New("no weather provider")
	}
	return f.Secondary.Current(ctx, tick, season)
}

func isNilClient(p Provider) bool {
	c, ok := p.(*Client)
	return ok && c == nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
