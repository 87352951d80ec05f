package modes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/config"
)

// FrostProtection is the setpoint every room holds while away mode is on.
const FrostProtection = 5.0

const (
	minEcoDelta = -5.0
	maxEcoDelta = 0.0
)

type Away struct {
	Enabled bool       `json:"enabled"`
	Until   *time.Time `json:"until,omitempty"`
}

type Eco struct {
	Enabled bool    `json:"enabled"`
	DeltaC  float64 `json:"delta_c"`
}

// PV boosts setpoints while solar output is at least BoostThresholdW. A
// threshold of zero disables the boost.
type PV struct {
	BoostThresholdW float64 `json:"boost_threshold_w"`
	BoostDeltaC     float64 `json:"boost_delta_c"`
}

type State struct {
	Away Away `json:"away"`
	Eco  Eco  `json:"eco"`
	PV   PV   `json:"pv"`
}

func FromConfig(cfg config.ModesConfig, awayUntil *time.Time) State {
	return State{
		Away: Away{Enabled: cfg.Away.Enabled, Until: awayUntil},
		Eco:  Eco{Enabled: cfg.Eco.Enabled, DeltaC: cfg.Eco.DeltaC},
		PV:   PV{BoostThresholdW: cfg.PV.BoostThresholdW, BoostDeltaC: cfg.PV.BoostDeltaC},
	}.Normalize()
}

// Normalize clamps the eco delta into [-5, 0].
func (s State) Normalize() State {
	s.Eco.DeltaC = min(max(s.Eco.DeltaC, minEcoDelta), maxEcoDelta)
	return s
}

// AwayActive reports whether away mode is on and its expiry, if any, has
// not been reached.
func (s State) AwayActive(now time.Time) bool {
	return s.Away.Enabled && (s.Away.Until == nil || now.Before(*s.Away.Until))
}

// Apply adjusts a scheduled setpoint: away replaces it with frost
// protection and skips the rest, eco adds its delta, and PV adds the boost
// when solar output reaches the threshold. solarW is nil when unknown.
func (s State) Apply(scheduled float64, solarW *float64, now time.Time) (float64, []string) {
	if s.AwayActive(now) {
		return FrostProtection, []string{"away"}
	}
	s = s.Normalize()

	target := scheduled
	var applied []string
	if s.Eco.Enabled && s.Eco.DeltaC != 0 {
		target += s.Eco.DeltaC
		applied = append(applied, "eco")
	}
	if solarW != nil && s.PV.BoostThresholdW > 0 && *solarW >= s.PV.BoostThresholdW {
		target += s.PV.BoostDeltaC
		applied = append(applied, "pv_boost")
	}
	return target, applied
}

// Store holds the process-wide mode state and persists every change.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	state State
}

// Load restores the persisted state, falling back to initial when nothing
// was stored yet.
func Load(ctx context.Context, conn *sql.DB, initial State) (*Store, error) {
	s := &Store{db: conn, state: initial.Normalize()}
	doc, err := db.GetModes(ctx, conn)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return s, nil
	}
	var stored State
	if err := json.Unmarshal(doc, &stored); err != nil {
		log.Warn().Err(err).Msg("Stored mode state unreadable, using configured modes")
		return s, nil
	}
	s.state = stored.Normalize()
	return s, nil
}

func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Set(ctx context.Context, st State) (State, error) {
	st = st.Normalize()
	doc, err := json.Marshal(st)
	if err != nil {
		return State{}, fmt.Errorf("encode modes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := db.SetModes(ctx, s.db, doc); err != nil {
		return State{}, err
	}
	s.state = st
	log.Info().
		Bool("away", st.Away.Enabled).
		Bool("eco", st.Eco.Enabled).
		Float64("eco_delta", st.Eco.DeltaC).
		Float64("pv_threshold_w", st.PV.BoostThresholdW).
		Msg("Mode state updated")
	return st, nil
}
