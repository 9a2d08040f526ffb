package world

// TimeWindow is a range of hours during which a task may run.
// End is exclusive. A window whose End is before its Start wraps past
// midnight, so {20, 6} covers 20:00 through 05:59.
type TimeWindow struct {
	Start         int     `json:"start_hour" yaml:"start_hour"`
	End           int     `json:"end_hour" yaml:"end_hour"`
	Efficiency    float64 `json:"efficiency_multiplier" yaml:"efficiency_multiplier"`
	RequiresLight bool    `json:"requires_light_source,omitempty" yaml:"requires_light_source"`
}

// Contains reports whether hour falls inside the window.
func (w TimeWindow) Contains(hour int) bool {
	hour = normalizeHour(hour)
	start, end := normalizeHour(w.Start), normalizeHour(w.End)
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// Usable reports whether the window admits hour given the light available.
func (w TimeWindow) Usable(hour int, light bool) bool {
	if w.RequiresLight && !light {
		return false
	}
	return w.Contains(hour)
}

func normalizeHour(h int) int {
	h %= 24
	if h < 0 {
		h += 24
	}
	return h
}
