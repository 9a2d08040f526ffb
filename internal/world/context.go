// Package world holds the point-in-time context snapshot the task engine reads:
// time of day, season, weather, location and village state.
package world

// Season is a calendar season. Values are the lowercase keys used in template data.
type Season string

const (
	Spring Season = "spring"
	Summer Season = "summer"
	Autumn Season = "autumn"
	Winter Season = "winter"
)

// Seasons lists the seasons in calendar order.
var Seasons = [4]Season{Spring, Summer, Autumn, Winter}

// Valid reports whether s is one of the four seasons.
func (s Season) Valid() bool {
	switch s {
	case Spring, Summer, Autumn, Winter:
		return true
	}
	return false
}

// Weather is a weather condition.
type Weather string

const (
	Clear  Weather = "clear"
	Cloudy Weather = "cloudy"
	Rain   Weather = "rain"
	Storm  Weather = "storm"
	Snow   Weather = "snow"
	Hot    Weather = "hot"
)

// Valid reports whether w is a known weather condition.
func (w Weather) Valid() bool {
	switch w {
	case Clear, Cloudy, Rain, Storm, Snow, Hot:
		return true
	}
	return false
}

// Reading is a weather observation produced by a weather provider.
type Reading struct {
	Weather     Weather `json:"weather"`
	Intensity   float64 `json:"intensity"`   // 0..1
	Temperature float64 `json:"temperature"` // Celsius
	Description string  `json:"description,omitempty"`
}

// Context is a read-only snapshot of the world at one moment. It is owned by
// the time, weather and village subsystems; the task engine only reads copies.
type Context struct {
	Tick             uint64             `json:"tick"`
	Hour             int                `json:"hour"` // 0-23
	Season           Season             `json:"season"`
	Weather          Weather            `json:"weather"`
	WeatherIntensity float64            `json:"weather_intensity"` // <= 0 means unspecified (full strength)
	VillageLevel     int                `json:"village_level"`
	Reputation       float64            `json:"reputation"`
	Location         string             `json:"location,omitempty"`
	Sheltered        bool               `json:"sheltered,omitempty"`
	LightSource      bool               `json:"light_source,omitempty"`
	Environment      map[string]float64 `json:"environment,omitempty"` // temperature, moisture, ventilation, ...
}

// Clone returns a copy that shares no mutable state with c.
func (c Context) Clone() Context {
	out := c
	if c.Environment != nil {
		out.Environment = make(map[string]float64, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	return out
}

// Intensity returns the weather intensity clamped to [0,1], treating an
// unset intensity as full strength.
func (c Context) Intensity() float64 {
	if c.WeatherIntensity <= 0 {
		return 1
	}
	if c.WeatherIntensity > 1 {
		return 1
	}
	return c.WeatherIntensity
}

// Metric looks up an environment metric.
func (c Context) Metric(name string) (float64, bool) {
	v, ok := c.Environment[name]
	return v, ok
}
