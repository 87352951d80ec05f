package policycontroller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/controllers/overridecontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/modes"
	"github.com/thatsimonsguy/hvac-policy/internal/notifications"
	"github.com/thatsimonsguy/hvac-policy/internal/state"
	"github.com/thatsimonsguy/hvac-policy/internal/temperature"
)

// ErrCycleRunning is returned when a cycle is requested while another one
// is still in flight. The request is dropped.
var ErrCycleRunning = errors.New("policy cycle already running")

// rooms evaluated at once; vendor calls are capped separately by each client
const roomParallelism = 4

type SolarSource interface {
	SolarOutput() *float64
}

type Notifier interface {
	Notify(ctx context.Context, e notifications.Event)
}

// Deps are the collaborators of a Controller. Solar and Notifier may be
// nil. Devices holds one gateway per family; a family without a gateway is
// never available.
type Deps struct {
	Config    *config.Config
	DB        *sql.DB
	State     *state.Store
	Modes     *modes.Store
	Overrides *overridecontroller.Detector
	Devices   []gateway.Device
	Weather   gateway.Weather
	Solar     SolarSource
	Notifier  Notifier
	Now       func() time.Time
}

// Controller runs policy cycles: it reads every room's devices, decides and
// dispatches commands.
type Controller struct {
	cfg       *config.Config
	db        *sql.DB
	eval      *zonecontroller.Evaluator
	state     *state.Store
	modes     *modes.Store
	overrides *overridecontroller.Detector
	devices   map[model.Family]gateway.Device
	readings  *temperature.Filter
	weather   gateway.Weather
	solar     SolarSource
	notifier  Notifier
	now       func() time.Time

	running   atomic.Bool
	roomLocks map[string]*sync.Mutex

	mu     sync.RWMutex
	status Status
}

func New(d Deps) *Controller {
	if d.Now == nil {
		d.Now = time.Now
	}
	c := &Controller{
		cfg:       d.Config,
		db:        d.DB,
		eval:      zonecontroller.New(d.Config),
		state:     d.State,
		modes:     d.Modes,
		overrides: d.Overrides,
		devices:   make(map[model.Family]gateway.Device, len(d.Devices)),
		weather:   d.Weather,
		solar:     d.Solar,
		notifier:  d.Notifier,
		now:       d.Now,
		roomLocks: make(map[string]*sync.Mutex),
	}
	c.readings = temperature.NewFilter(d.Config.Sensors, c.sensorChanged)
	for _, dev := range d.Devices {
		c.devices[dev.Family()] = dev
	}
	for _, r := range d.Config.ResolvedRooms() {
		c.roomLocks[r.Name] = &sync.Mutex{}
	}
	return c
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Int("rooms", len(c.cfg.ResolvedRooms())).Msg("Starting policy controller")
	c.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Policy controller stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if _, err := c.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleRunning) {
			log.Warn().Msg("Previous policy cycle still running, skipping this one")
			return
		}
		log.Error().Err(err).Msg("Policy cycle failed")
	}
}

// RunCycle evaluates every room once. At most one cycle runs at a time.
// Errors confined to a room end up in that room's status; the returned
// error covers only cycle-wide failures.
func (c *Controller) RunCycle(ctx context.Context) (Status, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Status{}, ErrCycleRunning
	}
	defer c.running.Store(false)

	start := c.now()
	st := Status{CycleID: uuid.NewString(), StartedAt: start}
	logger := log.With().Str("cycle", st.CycleID).Logger()

	enabled, err := db.GetPolicyEnabled(ctx, c.db)
	if err != nil {
		return Status{}, err
	}
	st.PolicyEnabled = enabled
	st.Modes = c.modes.Get()
	if !enabled {
		logger.Info().Msg("Policy disabled, leaving devices alone")
		for _, r := range c.cfg.ResolvedRooms() {
			st.Rooms = append(st.Rooms, RoomStatus{Room: r.Name, Decision: model.DecisionSkip, Reason: model.SkipPolicyDisabled})
		}
		return c.finish(ctx, st), nil
	}

	st.Available = c.authenticate(ctx)
	st.Outdoor = c.outdoor(ctx)
	if c.solar != nil {
		st.SolarW = c.solar.SolarOutput()
	}
	cond := zonecontroller.Conditions{
		Now:       start,
		Modes:     st.Modes,
		SolarW:    st.SolarW,
		Outdoor:   st.Outdoor,
		Available: st.Available,
	}

	rooms := c.cfg.ResolvedRooms()
	st.Rooms = make([]RoomStatus, len(rooms))
	var g errgroup.Group
	g.SetLimit(roomParallelism)
	for i, room := range rooms {
		g.Go(func() error {
			st.Rooms[i] = c.runRoom(ctx, logger, room, cond)
			return nil
		})
	}
	_ = g.Wait()

	st = c.finish(ctx, st)
	datadog.Timing("policy.cycle", st.FinishedAt.Sub(start))
	logger.Info().Dur("took", st.FinishedAt.Sub(start)).Int("rooms", len(st.Rooms)).Msg("Policy cycle complete")
	return st, nil
}

func (c *Controller) finish(ctx context.Context, st Status) Status {
	st.FinishedAt = c.now()
	st.UntrustedSensors = c.readings.Failed()
	if err := db.RecordCycle(ctx, c.db, st.FinishedAt); err != nil {
		log.Error().Err(err).Msg("Failed to record cycle time")
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	return st.clone()
}

// authenticate checks every vendor once per cycle. A vendor that cannot
// authenticate is unavailable to all rooms for this cycle.
func (c *Controller) authenticate(ctx context.Context) map[model.Family]bool {
	avail := map[model.Family]bool{model.FamilyAC: false, model.FamilyRadiator: false}
	for family, dev := range c.devices {
		if err := dev.Authenticate(ctx); err != nil {
			log.Error().Err(err).Str("family", string(family)).Msg("Vendor authentication failed, skipping its rooms this cycle")
			datadog.Incr("policy.vendor_unavailable", "family:"+string(family))
			c.notify(ctx, notifications.Event{
				Kind:     "auth_failed",
				Key:      string(family),
				Title:    fmt.Sprintf("%s vendor unavailable", family),
				Message:  err.Error(),
				Priority: notifications.PriorityHigh,
				Failure:  true,
			})
			continue
		}
		avail[family] = true
	}
	return avail
}

func (c *Controller) outdoor(ctx context.Context) *float64 {
	if c.weather == nil {
		return nil
	}
	t, err := c.weather.OutdoorTemperature(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Outdoor temperature unavailable")
		return nil
	}
	return t
}

func (c *Controller) lockRoom(name string) func() {
	m, ok := c.roomLocks[name]
	if !ok {
		return func() {}
	}
	m.Lock()
	return m.Unlock
}

func (c *Controller) runRoom(ctx context.Context, logger zerolog.Logger, room model.Room, cond zonecontroller.Conditions) RoomStatus {
	defer c.lockRoom(room.Name)()
	rs := RoomStatus{Room: room.Name, EvaluatedAt: cond.Now}

	plan, err := c.eval.Plan(room, cond)
	if err != nil {
		return c.roomError(ctx, logger, rs, err)
	}
	rs.fromPlan(plan)
	plan.Devices = c.included(plan.Devices)
	if plan.Skip == "" && len(plan.Devices) == 0 {
		plan.Skip = model.SkipNoSource
		plan.Detail = "every bound device is excluded"
	}

	if plan.Skip == "" {
		if reason, detail, err := c.observe(ctx, plan, cond.Now); err != nil {
			return c.roomError(ctx, logger, rs, err)
		} else if reason != "" {
			plan.Skip, plan.Detail = reason, detail
		}
	}

	out := c.eval.Decide(plan, c.state.Records(plan.Devices), cond.Now)
	rs.fromOutcome(out)

	var failed []string
	for _, dc := range out.Commands {
		rec, err := c.dispatch(ctx, room.Name, dc, model.OriginPolicy)
		rs.Commands = append(rs.Commands, rec)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", dc.Device, err))
		}
	}
	if len(failed) > 0 {
		rs.Error = strings.Join(failed, "; ")
	}

	c.logDecision(logger, plan, out)
	c.roomMetrics(plan, out)
	return rs
}

// observe reads each selected device, stores the reading and checks for
// manual overrides. A group with any overridden unit is skipped as a whole.
func (c *Controller) observe(ctx context.Context, plan zonecontroller.Plan, now time.Time) (model.SkipReason, string, error) {
	dev := c.devices[plan.Source]
	if dev == nil {
		return "", "", fmt.Errorf("no gateway for %s: %w", plan.Source, model.ErrConfiguration)
	}

	var overridden []string
	for _, key := range plan.Devices {
		obs, err := dev.State(ctx, key.Name)
		if err != nil {
			return "", "", fmt.Errorf("read %s: %w", key, err)
		}
		obs.Temperature = c.readings.Check(key, obs.Temperature, now)

		lapsed, err := c.overrides.Lapsed(ctx, key, obs, now)
		if err != nil {
			return "", "", fmt.Errorf("check overlay %s: %w", key, err)
		}
		if lapsed != nil && c.renew(ctx, plan.Room.Name, *lapsed) == nil {
			obs.PowerOn = lapsed.Command.Action == model.ActionOn
			obs.OwnSchedule = false
		}

		if _, err := c.state.Observe(ctx, key, obs, now); err != nil {
			log.Warn().Err(err).Str("device", key.String()).Msg("Failed to store device reading")
		}

		ov, created, err := c.overrides.Check(ctx, key, obs, now)
		if err != nil {
			return "", "", fmt.Errorf("check override %s: %w", key, err)
		}
		if created {
			c.notify(ctx, notifications.Event{
				Kind:     "override",
				Key:      key.String(),
				Title:    fmt.Sprintf("Manual override on %s", key.Name),
				Message:  fmt.Sprintf("%s in %s; automation paused until %s", ov.Reason, plan.Room.Name, ov.ExpiresAt.In(c.cfg.Location()).Format("15:04")),
				Priority: notifications.PriorityDefault,
			})
		}
		if ov != nil {
			overridden = append(overridden, fmt.Sprintf("%s until %s", key.Name, ov.ExpiresAt.Format(time.RFC3339)))
		}
	}
	if len(overridden) > 0 {
		return model.SkipOverridden, "manual override on " + strings.Join(overridden, ", "), nil
	}
	return "", "", nil
}

// renew sends the lapsed command again so the device leaves its own
// schedule and the overlay timer restarts.
func (c *Controller) renew(ctx context.Context, room string, last model.CommandRecord) error {
	log.Info().Str("room", room).Str("device", last.Device.String()).Str("action", string(last.Command.Action)).
		Time("issued_at", last.IssuedAt).Msg("Overlay lapsed, renewing last command")
	datadog.Incr("policy.overlay_lapsed", "family:"+string(last.Device.Family))
	_, err := c.dispatch(ctx, room, zonecontroller.DeviceCommand{Device: last.Device, Command: last.Command}, model.OriginRenew)
	return err
}

func (c *Controller) sensorChanged(ch temperature.Change) {
	title, msg := ch.Describe()
	priority := notifications.PriorityDefault
	if ch.Failed {
		priority = notifications.PriorityHigh
	}
	c.notify(context.Background(), notifications.Event{
		Kind:     "sensor",
		Key:      ch.Device.String(),
		Title:    title,
		Message:  msg,
		Priority: priority,
		Failure:  ch.Failed,
	})
}

func (c *Controller) included(keys []model.DeviceKey) []model.DeviceKey {
	out := keys[:0:0]
	for _, k := range keys {
		if !c.cfg.Excluded(k) {
			out = append(out, k)
		}
	}
	return out
}

// dispatch sends one command and records it whatever the outcome.
func (c *Controller) dispatch(ctx context.Context, room string, dc zonecontroller.DeviceCommand, origin model.CommandOrigin) (model.CommandRecord, error) {
	rec := model.CommandRecord{
		ID:       uuid.NewString(),
		Device:   dc.Device,
		Room:     room,
		Command:  dc.Command,
		Origin:   origin,
		IssuedAt: c.now(),
	}

	err := c.send(ctx, dc)
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := c.state.RecordDispatch(ctx, rec); rerr != nil {
		log.Error().Err(rerr).Str("device", dc.Device.String()).Str("command", rec.ID).Msg("Failed to record command")
	}

	tags := []string{"family:" + string(dc.Device.Family), "action:" + string(dc.Command.Action), "origin:" + string(origin)}
	if err != nil {
		datadog.Incr("policy.command_failed", tags...)
		log.Error().Err(err).Str("room", room).Str("device", dc.Device.String()).Str("action", string(dc.Command.Action)).Msg("Command failed")
		priority := notifications.PriorityDefault
		if errors.Is(err, gateway.ErrRateLimited) || errors.Is(err, gateway.ErrAuthentication) {
			priority = notifications.PriorityHigh
		}
		c.notify(ctx, notifications.Event{
			Kind:     "command_failed",
			Key:      dc.Device.String(),
			Title:    fmt.Sprintf("Failed to turn %s %s", dc.Device.Name, dc.Command.Action),
			Message:  err.Error(),
			Priority: priority,
			Failure:  true,
		})
		return rec, err
	}

	datadog.Incr("policy.command", tags...)
	log.Info().Str("room", room).Str("device", dc.Device.String()).Str("action", string(dc.Command.Action)).
		Float64("setpoint", dc.Command.Setpoint).Str("origin", string(origin)).Msg("Command sent")
	c.notify(ctx, notifications.Event{
		Kind:     "command",
		Key:      dc.Device.String(),
		Title:    fmt.Sprintf("%s: %s %s", room, dc.Device.Name, dc.Command.Action),
		Message:  commandMessage(dc.Command, origin),
		Priority: notifications.PriorityLow,
	})
	return rec, nil
}

func (c *Controller) send(ctx context.Context, dc zonecontroller.DeviceCommand) error {
	dev := c.devices[dc.Device.Family]
	if dev == nil {
		return fmt.Errorf("no gateway for %s: %w", dc.Device.Family, model.ErrConfiguration)
	}
	switch dc.Command.Action {
	case model.ActionOn:
		return dev.TurnOn(ctx, dc.Device.Name, dc.Command)
	case model.ActionOff:
		return dev.TurnOff(ctx, dc.Device.Name)
	case model.ActionResume:
		r, ok := dev.(gateway.ScheduleResumer)
		if !ok {
			return fmt.Errorf("%s devices have no schedule to resume", dc.Device.Family)
		}
		return r.ResumeSchedule(ctx, dc.Device.Name)
	}
	return fmt.Errorf("unknown action %q", dc.Command.Action)
}

func commandMessage(cmd model.Command, origin model.CommandOrigin) string {
	if cmd.Action == model.ActionOn {
		return fmt.Sprintf("setpoint %.1f°C (%s)", cmd.Setpoint, origin)
	}
	return string(origin)
}

func (c *Controller) roomError(ctx context.Context, logger zerolog.Logger, rs RoomStatus, err error) RoomStatus {
	rs.Decision = model.DecisionSkip
	rs.Error = err.Error()
	logger.Error().Err(err).Str("room", rs.Room).Msg("Room evaluation failed")
	datadog.Incr("policy.room_error", "room:"+rs.Room)
	if !errors.Is(err, model.ErrConfiguration) {
		c.notify(ctx, notifications.Event{
			Kind:     "room_error",
			Key:      rs.Room,
			Title:    fmt.Sprintf("Cannot control %s", rs.Room),
			Message:  err.Error(),
			Priority: notifications.PriorityHigh,
			Failure:  true,
		})
	}
	return rs
}

func (c *Controller) logDecision(logger zerolog.Logger, plan zonecontroller.Plan, out zonecontroller.Outcome) {
	ev := logger.Info()
	if out.Decision == model.DecisionMaintain {
		ev = logger.Debug()
	}
	ev = ev.Str("room", plan.Room.Name).
		Str("family", string(plan.Source)).
		Str("decision", string(out.Decision)).
		Float64("target", plan.Target)
	if len(plan.Devices) > 0 {
		names := make([]string, len(plan.Devices))
		for i, k := range plan.Devices {
			names[i] = k.Name
		}
		ev = ev.Str("device", strings.Join(names, ","))
	}
	if out.Reason != "" {
		ev = ev.Str("reason", string(out.Reason))
	}
	if out.Temperature != nil {
		ev = ev.Float64("temp", *out.Temperature)
	}
	if len(plan.Modifiers) > 0 {
		ev = ev.Strs("modifiers", plan.Modifiers)
	}
	ev.Msg(out.Detail)
}

func (c *Controller) roomMetrics(plan zonecontroller.Plan, out zonecontroller.Outcome) {
	tag := "room:" + plan.Room.Name
	if out.Temperature != nil {
		datadog.Gauge("room.temperature", *out.Temperature, tag)
	}
	if plan.Skip != model.SkipRoomDisabled {
		datadog.Gauge("room.target", plan.Target, tag)
	}
	tags := []string{tag, "decision:" + string(out.Decision)}
	if out.Reason != "" {
		tags = append(tags, "reason:"+string(out.Reason))
	}
	datadog.Incr("policy.decision", tags...)
}

func (c *Controller) notify(ctx context.Context, e notifications.Event) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, e)
}
