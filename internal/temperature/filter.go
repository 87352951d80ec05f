package temperature

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

const (
	historySize = 10
	// readings this far apart never count as a jump
	baselineMaxAge = time.Hour
	// consecutive readings needed to accept a new level
	baselineSamples = 3
	baselineStdDev  = 0.5
)

type Reading struct {
	Temperature float64
	Timestamp   time.Time
}

type ReadingHistory struct {
	Readings     []Reading
	AnomalyCount int
	Failed       bool
	FailedAt     time.Time
	LastGood     *Reading
}

// Change reports a device whose readings stopped or resumed being trusted.
type Change struct {
	Device      model.DeviceKey
	Failed      bool
	Temperature float64
	LastGood    float64
	Anomalies   int
}

// Filter screens vendor temperature readings. A reading outside the
// configured range, or one that jumps too far from the last good reading,
// is replaced by the last good reading. After MaxAnomalies rejected
// readings in a row the device reports no temperature at all until it
// settles again.
type Filter struct {
	limits   config.SensorConfig
	onChange func(Change)

	mu      sync.Mutex
	history map[model.DeviceKey]*ReadingHistory
}

// NewFilter builds a filter. onChange may be nil.
func NewFilter(limits config.SensorConfig, onChange func(Change)) *Filter {
	return &Filter{
		limits:   limits,
		onChange: onChange,
		history:  make(map[model.DeviceKey]*ReadingHistory),
	}
}

// Check returns the temperature to use for a reading taken at at.
func (f *Filter) Check(key model.DeviceKey, temp *float64, at time.Time) *float64 {
	if temp == nil {
		return nil
	}
	f.mu.Lock()
	h := f.history[key]
	if h == nil {
		h = &ReadingHistory{Readings: make([]Reading, 0, historySize)}
		f.history[key] = h
	}
	reading := Reading{Temperature: *temp, Timestamp: at}
	out, change := f.process(key, h, reading)
	f.mu.Unlock()

	if change != nil && f.onChange != nil {
		f.onChange(*change)
	}
	return out
}

func (f *Filter) process(key model.DeviceKey, h *ReadingHistory, r Reading) (*float64, *Change) {
	inRange := r.Temperature >= f.limits.MinC && r.Temperature <= f.limits.MaxC
	if inRange {
		addToHistory(h, r)
	}

	if inRange && (h.LastGood == nil || r.Timestamp.Sub(h.LastGood.Timestamp) > baselineMaxAge || math.Abs(r.Temperature-h.LastGood.Temperature) <= f.limits.MaxDeltaC || stableBaseline(h)) {
		return f.accept(key, h, r)
	}

	h.AnomalyCount++
	datadog.Incr("temperature.anomaly", "device:"+key.String())
	log.Warn().
		Str("device", key.String()).
		Float64("temp", r.Temperature).
		Int("anomalies", h.AnomalyCount).
		Msg("Temperature reading rejected as anomalous")

	var change *Change
	if h.AnomalyCount >= f.limits.MaxAnomalies && !h.Failed {
		h.Failed = true
		h.FailedAt = r.Timestamp
		change = &Change{Device: key, Failed: true, Temperature: r.Temperature, Anomalies: h.AnomalyCount}
		if h.LastGood != nil {
			change.LastGood = h.LastGood.Temperature
		}
		log.Error().Str("device", key.String()).Float64("temp", r.Temperature).Msg("Temperature readings no longer trusted")
	}
	if h.Failed || h.LastGood == nil {
		return nil, change
	}
	v := h.LastGood.Temperature
	return &v, change
}

func (f *Filter) accept(key model.DeviceKey, h *ReadingHistory, r Reading) (*float64, *Change) {
	var change *Change
	if h.Failed {
		change = &Change{Device: key, Temperature: r.Temperature}
		if h.LastGood != nil {
			change.LastGood = h.LastGood.Temperature
		}
		log.Info().Str("device", key.String()).Float64("temp", r.Temperature).Msg("Temperature readings trusted again")
	}
	h.Failed = false
	h.AnomalyCount = 0
	good := r
	h.LastGood = &good
	v := r.Temperature
	return &v, change
}

// stableBaseline reports whether the newest readings agree on a new level,
// which is how a real change (a window opened, a restart after an outage)
// shows up.
func stableBaseline(h *ReadingHistory) bool {
	if h.AnomalyCount < baselineSamples-1 || len(h.Readings) < baselineSamples {
		return false
	}
	recent := h.Readings[len(h.Readings)-baselineSamples:]

	var sum float64
	for _, r := range recent {
		sum += r.Temperature
	}
	mean := sum / float64(len(recent))

	var variance float64
	for _, r := range recent {
		variance += (r.Temperature - mean) * (r.Temperature - mean)
	}
	variance /= float64(len(recent))
	return math.Sqrt(variance) < baselineStdDev
}

// addToHistory appends to the bounded history, dropping the oldest.
func addToHistory(h *ReadingHistory, r Reading) {
	if len(h.Readings) >= historySize {
		h.Readings = h.Readings[1:]
	}
	h.Readings = append(h.Readings, r)
}

// Failed lists the devices whose readings are currently not trusted.
func (f *Filter) Failed() []model.DeviceKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceKey
	for k, h := range f.history {
		if h.Failed {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Describe renders a change for a notification.
func (c Change) Describe() (title, message string) {
	if c.Failed {
		return "Temperature sensor failure",
			fmt.Sprintf("%s reported %.1f°C (%d anomalies, last good %.1f°C); room held until readings settle",
				c.Device.Name, c.Temperature, c.Anomalies, c.LastGood)
	}
	return "Temperature sensor recovered", fmt.Sprintf("%s reports %.1f°C again", c.Device.Name, c.Temperature)
}
