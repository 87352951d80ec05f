package main

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/api"
	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/controllers/overridecontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/controllers/policycontroller"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway/melcloud"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway/sim"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway/tado"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway/weather"
	"github.com/thatsimonsguy/hvac-policy/internal/logging"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/modes"
	"github.com/thatsimonsguy/hvac-policy/internal/mqtt"
	"github.com/thatsimonsguy/hvac-policy/internal/notifications"
	"github.com/thatsimonsguy/hvac-policy/internal/state"
	"github.com/thatsimonsguy/hvac-policy/internal/tokenstore"
	"github.com/thatsimonsguy/hvac-policy/system/shutdown"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config", cfg.ConfigFile).
		Str("db", cfg.DBPath).
		Int("rooms", len(cfg.ResolvedRooms())).
		Msg("Starting HVAC policy engine")

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	datadog.InitMetrics(cfg.Datadog)
	steps := []shutdown.Step{{Name: "metrics", Fn: func() error { datadog.Close(); return nil }}}

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open database", steps...)
	}
	steps = append(steps, shutdown.Step{Name: "database", Fn: conn.Close})

	devices, outdoor := gateways(&cfg, conn)
	if cfg.SimMode {
		log.Warn().Msg("SIM MODE ENABLED - no vendor API is called")
	}

	var publisher notifications.Publisher
	var solar policycontroller.SolarSource
	if cfg.MQTT.Broker != "" {
		mq := mqtt.New(cfg.MQTT)
		if err := mq.Connect(); err != nil {
			log.Error().Err(err).Msg("MQTT unavailable, continuing without PV input and events")
		} else {
			publisher, solar = mq, mq
			steps = append(steps, shutdown.Step{Name: "mqtt", Fn: func() error { mq.Disconnect(); return nil }})
		}
	}

	st, err := state.Load(ctx, conn)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to load device state", steps...)
	}
	ms, err := modes.Load(ctx, conn, modes.FromConfig(cfg.Modes, cfg.AwayUntil()))
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to load modes", steps...)
	}

	ctrl := policycontroller.New(policycontroller.Deps{
		Config:    &cfg,
		DB:        conn,
		State:     st,
		Modes:     ms,
		Overrides: overridecontroller.New(conn, cfg.Policy),
		Devices:   devices,
		Weather:   outdoor,
		Solar:     solar,
		Notifier:  notifications.FromConfig(cfg.Notifications, publisher),
	})

	if cfg.API.Port > 0 {
		server := api.NewServer(ctrl)
		go func() {
			if err := server.Start(ctx, cfg.API.Port); err != nil {
				log.Error().Err(err).Msg("API server failed")
				stop()
			}
		}()
	}

	ctrl.Run(ctx, cfg.PollInterval())
	shutdown.Shutdown(steps...)
}

// gateways builds the vendor clients, or simulated ones in sim mode.
func gateways(cfg *config.Config, conn *sql.DB) ([]gateway.Device, gateway.Weather) {
	if cfg.SimMode {
		var radiators, acs []string
		for _, r := range cfg.ResolvedRooms() {
			for _, k := range r.Bindings.All() {
				if k.Family == model.FamilyAC {
					acs = append(acs, k.Name)
				} else {
					radiators = append(radiators, k.Name)
				}
			}
		}
		rad := sim.NewDevice(model.FamilyRadiator, nil, radiators...)
		rad.Overlay = cfg.Policy.Overlay()
		return []gateway.Device{rad, sim.NewDevice(model.FamilyAC, nil, acs...)}, sim.NewWeather(6)
	}

	tokens := tokenstore.New(conn)
	concurrency := int64(cfg.Policy.VendorConcurrency)

	var devices []gateway.Device
	if cfg.Tado.HomeID != 0 {
		devices = append(devices, tado.New(tado.Config{
			BaseURL:     cfg.Tado.BaseURL,
			HomeID:      cfg.Tado.HomeID,
			Overlay:     cfg.Policy.Overlay(),
			Concurrency: concurrency,
			Tokens:      tado.NewTokenSource(cfg.Tado.ClientID, cfg.Tado.AuthURL, tokens, nil),
		}))
	}
	if cfg.MELCloud.Email != "" {
		session := melcloud.NewSession(cfg.MELCloud.BaseURL, cfg.MELCloud.Email, cfg.MELCloud.Password, cfg.MELCloud.AppVersion, tokens)
		devices = append(devices, melcloud.New(melcloud.Config{
			BaseURL:     cfg.MELCloud.BaseURL,
			Concurrency: concurrency,
			Session:     session,
		}))
	}

	return devices, weather.New(weather.Config{
		BaseURL:   cfg.Weather.BaseURL,
		Latitude:  cfg.Weather.Latitude,
		Longitude: cfg.Weather.Longitude,
	})
}
