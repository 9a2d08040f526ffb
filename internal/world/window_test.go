package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimeWindowContains(t *testing.T) {
	tests := []struct {
		name   string
		window TimeWindow
		hour   int
		want   bool
	}{
		{"day window inside", TimeWindow{Start: 6, End: 20}, 12, true},
		{"day window end exclusive", TimeWindow{Start: 6, End: 20}, 20, false},
		{"day window before start", TimeWindow{Start: 6, End: 20}, 5, false},
		{"wrapping late evening", TimeWindow{Start: 20, End: 6}, 23, true},
		{"wrapping early morning", TimeWindow{Start: 20, End: 6}, 2, true},
		{"wrapping midday", TimeWindow{Start: 20, End: 6}, 12, false},
		{"wrapping start hour", TimeWindow{Start: 20, End: 6}, 20, true},
		{"full day", TimeWindow{Start: 0, End: 0}, 17, true},
		{"hour past 24 normalises", TimeWindow{Start: 20, End: 6}, 26, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.window.Contains(tt.hour))
		})
	}
}

func TestTimeWindowUsableNeedsLight(t *testing.T) {
	w := TimeWindow{Start: 20, End: 6, RequiresLight: true}
	assert.False(t, w.Usable(23, false))
	assert.True(t, w.Usable(23, true))
}

func TestContextCloneIsIndependent(t *testing.T) {
	c := Context{Environment: map[string]float64{"temperature": 900}}
	cp := c.Clone()
	cp.Environment["temperature"] = 10
	assert.Equal(t, 900.0, c.Environment["temperature"])
}

func TestContextIntensityDefaults(t *testing.T) {
	assert.Equal(t, 1.0, Context{}.Intensity())
	assert.Equal(t, 0.4, Context{WeatherIntensity: 0.4}.Intensity())
	assert.Equal(t, 1.0, Context{WeatherIntensity: 3}.Intensity())
}
