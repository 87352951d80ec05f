package gateway

import (
	"context"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

// Device is a vendor client controlling one device family. Devices are
// addressed by their vendor display name.
type Device interface {
	Family() model.Family
	Authenticate(ctx context.Context) error
	State(ctx context.Context, name string) (model.Observation, error)
	TurnOn(ctx context.Context, name string, cmd model.Command) error
	TurnOff(ctx context.Context, name string) error
}

// ScheduleResumer is implemented by devices that run their own schedule
// when not overridden.
type ScheduleResumer interface {
	ResumeSchedule(ctx context.Context, name string) error
}

type Weather interface {
	OutdoorTemperature(ctx context.Context) (*float64, error)
}
