package temperature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

var (
	bedroom = model.DeviceKey{Family: model.FamilyRadiator, Name: "Bedroom"}
	limits  = config.SensorConfig{MinC: -10, MaxC: 45, MaxDeltaC: 4, MaxAnomalies: 4}
	t0      = time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
)

func f(v float64) *float64 { return &v }

func feed(flt *Filter, temps ...float64) []*float64 {
	out := make([]*float64, 0, len(temps))
	for i, v := range temps {
		out = append(out, flt.Check(bedroom, f(v), t0.Add(time.Duration(i)*15*time.Minute)))
	}
	return out
}

func TestFilterAcceptsNormalReadings(t *testing.T) {
	flt := NewFilter(limits, nil)
	for _, got := range feed(flt, 19.5, 19.8, 20.4, 21) {
		require.NotNil(t, got)
	}
	assert.Nil(t, flt.Check(bedroom, nil, t0), "missing reading stays missing")
	assert.Empty(t, flt.Failed())
}

func TestFilterHoldsLastGoodOnSpike(t *testing.T) {
	flt := NewFilter(limits, nil)
	got := feed(flt, 20, 35, 20.3)

	assert.Equal(t, 20.0, *got[1], "spike replaced by the last good reading")
	assert.Equal(t, 20.3, *got[2])
}

func TestFilterAcceptsStableNewLevel(t *testing.T) {
	flt := NewFilter(limits, nil)
	got := feed(flt, 20, 26, 26.2, 26.1)

	assert.Equal(t, 20.0, *got[1])
	assert.Equal(t, 20.0, *got[2])
	assert.Equal(t, 26.1, *got[3])
	assert.Empty(t, flt.Failed())
}

func TestFilterFailsAndRecovers(t *testing.T) {
	var changes []Change
	flt := NewFilter(limits, func(c Change) { changes = append(changes, c) })

	got := feed(flt, 20, 85, 85, 85, 85, 85, 20.2)

	assert.Equal(t, 20.0, *got[1])
	assert.Equal(t, 20.0, *got[3])
	assert.Nil(t, got[4], "fourth anomaly stops trusting the device")
	assert.Nil(t, got[5])
	assert.Equal(t, 20.2, *got[6])

	require.Len(t, changes, 2)
	assert.True(t, changes[0].Failed)
	assert.Equal(t, 85.0, changes[0].Temperature)
	assert.Equal(t, 20.0, changes[0].LastGood)
	assert.False(t, changes[1].Failed)
	assert.Empty(t, flt.Failed())

	title, msg := changes[0].Describe()
	assert.Equal(t, "Temperature sensor failure", title)
	assert.Contains(t, msg, "Bedroom")
}

func TestFilterStaleBaselineIsReplaced(t *testing.T) {
	flt := NewFilter(limits, nil)
	flt.Check(bedroom, f(20), t0)

	got := flt.Check(bedroom, f(12), t0.Add(3*time.Hour))
	require.NotNil(t, got)
	assert.Equal(t, 12.0, *got)
}

func TestFilterOutOfRangeWithoutBaseline(t *testing.T) {
	flt := NewFilter(limits, nil)
	assert.Nil(t, flt.Check(bedroom, f(-40), t0))
}
