package config

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/thatsimonsguy/hvac-policy/internal/logging"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

type ACConfig struct {
	Mode           string `mapstructure:"mode"`
	Fan            int    `mapstructure:"fan"`
	VaneHorizontal string `mapstructure:"vane_horizontal"`
	VaneVertical   string `mapstructure:"vane_vertical"`
	Vanes          bool   `mapstructure:"vanes"`
}

// ScheduleConfig is the flat file form of every schedule shape; Type picks
// which fields are read.
type ScheduleConfig struct {
	Type string `mapstructure:"type"`

	// three-period and four-period
	Day      *float64 `mapstructure:"day"`
	Eve      *float64 `mapstructure:"eve"`
	Night    *float64 `mapstructure:"night"`
	DayStart string   `mapstructure:"day_start"`
	EveStart string   `mapstructure:"eve_start"`
	EveEnd   string   `mapstructure:"eve_end"`

	Morning      *float64  `mapstructure:"morning"`
	Evening      *float64  `mapstructure:"evening"`
	MorningStart string    `mapstructure:"morning_start"`
	MorningEnd   string    `mapstructure:"morning_end"`
	EveningStart string    `mapstructure:"evening_start"`
	EveningEnd   string    `mapstructure:"evening_end"`
	NightAC      *ACConfig `mapstructure:"night_ac"`
	MorningAC    *ACConfig `mapstructure:"morning_ac"`
	DayAC        *ACConfig `mapstructure:"day_ac"`
	EveningAC    *ACConfig `mapstructure:"evening_ac"`

	// workday
	Work  *float64 `mapstructure:"work"`
	Idle  *float64 `mapstructure:"idle"`
	Start string   `mapstructure:"start"`
	End   string   `mapstructure:"end"`
	Days  []string `mapstructure:"days"`

	// simple
	Setpoint *float64 `mapstructure:"setpoint"`
}

type ScheduleOverrideConfig struct {
	Start    string   `mapstructure:"start"`
	End      string   `mapstructure:"end"`
	Setpoint float64  `mapstructure:"setpoint"`
	Days     []string `mapstructure:"days"`
}

type RoomConfig struct {
	Name      string                   `mapstructure:"name"`
	Floor     string                   `mapstructure:"floor"`
	Disabled  bool                     `mapstructure:"disabled"`
	Tado      string                   `mapstructure:"tado"`
	MELCloud  []string                 `mapstructure:"melcloud"`
	AC        *ACConfig                `mapstructure:"ac"`
	Schedule  ScheduleConfig           `mapstructure:"schedule"`
	Overrides []ScheduleOverrideConfig `mapstructure:"overrides"`
}

type BlackoutConfig struct {
	Name      string   `mapstructure:"name"`
	Start     string   `mapstructure:"start"`
	End       string   `mapstructure:"end"`
	AppliesTo []string `mapstructure:"applies_to"`
	Enabled   bool     `mapstructure:"enabled"`
	Reason    string   `mapstructure:"reason"`
}

type PolicyConfig struct {
	Deadband                   float64  `mapstructure:"deadband"`
	HeatingOffset              float64  `mapstructure:"heating_offset"`
	ACMinOutdoorC              *float64 `mapstructure:"ac_min_outdoor_c"`
	TransitionThresholdMinutes int      `mapstructure:"transition_threshold_minutes"`
	OverrideGraceMinutes       int      `mapstructure:"override_grace_minutes"`
	OverrideDurationMinutes    int      `mapstructure:"override_duration_minutes"`
	ACMinSwitchMinutes         int      `mapstructure:"ac_min_switch_minutes"`
	ACMinOnMinutes             int      `mapstructure:"ac_min_on_minutes"`
	RadiatorMinSwitchMinutes   int      `mapstructure:"radiator_min_switch_minutes"`
	VendorConcurrency          int      `mapstructure:"vendor_concurrency"`
	OverlayMinutes             int      `mapstructure:"overlay_minutes"`
}

func (p PolicyConfig) TransitionThreshold() time.Duration {
	return time.Duration(p.TransitionThresholdMinutes) * time.Minute
}

func (p PolicyConfig) OverrideGrace() time.Duration {
	return time.Duration(p.OverrideGraceMinutes) * time.Minute
}

func (p PolicyConfig) OverrideDuration() time.Duration {
	return time.Duration(p.OverrideDurationMinutes) * time.Minute
}

// Overlay is how long a radiator command holds before the zone falls back
// to its own schedule.
func (p PolicyConfig) Overlay() time.Duration {
	return time.Duration(p.OverlayMinutes) * time.Minute
}

type ModesConfig struct {
	Away struct {
		Enabled bool   `mapstructure:"enabled"`
		Until   string `mapstructure:"until"`
	} `mapstructure:"away"`
	Eco struct {
		Enabled bool    `mapstructure:"enabled"`
		DeltaC  float64 `mapstructure:"delta_c"`
	} `mapstructure:"eco"`
	PV struct {
		BoostThresholdW float64 `mapstructure:"boost_threshold_w"`
		BoostDeltaC     float64 `mapstructure:"boost_delta_c"`
	} `mapstructure:"pv"`
}

type ExcludeConfig struct {
	Tado     []string `mapstructure:"tado"`
	MELCloud []string `mapstructure:"melcloud"`
}

type TadoConfig struct {
	HomeID   int    `mapstructure:"home_id"`
	ClientID string `mapstructure:"client_id"`
	AuthURL  string `mapstructure:"auth_url"`
	BaseURL  string `mapstructure:"base_url"`
}

type MELCloudConfig struct {
	Email      string `mapstructure:"email"`
	Password   string `mapstructure:"password"`
	BaseURL    string `mapstructure:"base_url"`
	AppVersion string `mapstructure:"app_version"`
}

type WeatherConfig struct {
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
	BaseURL   string  `mapstructure:"base_url"`
}

type NotificationsConfig struct {
	NtfyTopic string `mapstructure:"ntfy_topic"`
	NtfyURL   string `mapstructure:"ntfy_url"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	PVTopic     string `mapstructure:"pv_topic"`
	EventsTopic string `mapstructure:"events_topic"`
}

type DatadogConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	AgentAddr string   `mapstructure:"agent_addr"`
	Namespace string   `mapstructure:"namespace"`
	Tags      []string `mapstructure:"tags"`
}

// SensorConfig bounds the room temperatures vendors report. Readings
// outside these limits are held back.
type SensorConfig struct {
	MinC         float64 `mapstructure:"min_c"`
	MaxC         float64 `mapstructure:"max_c"`
	MaxDeltaC    float64 `mapstructure:"max_delta_c"`
	MaxAnomalies int     `mapstructure:"max_anomalies"`
}

type APIConfig struct {
	Port int `mapstructure:"port"`
}

type Config struct {
	ConfigFile string        `mapstructure:"-"`
	DBPath     string        `mapstructure:"-"`
	LogLevel   zerolog.Level `mapstructure:"-"`
	LogFile    string        `mapstructure:"-"`

	Timezone            string `mapstructure:"timezone"`
	PollIntervalMinutes int    `mapstructure:"poll_interval_minutes"`
	SimMode             bool   `mapstructure:"sim_mode"`

	Policy          PolicyConfig        `mapstructure:"policy"`
	Rooms           []RoomConfig        `mapstructure:"rooms"`
	Modes           ModesConfig         `mapstructure:"modes"`
	BlackoutWindows []BlackoutConfig    `mapstructure:"blackout_windows"`
	ACDefaults      ACConfig            `mapstructure:"ac_defaults"`
	Exclude         ExcludeConfig       `mapstructure:"exclude"`
	Tado            TadoConfig          `mapstructure:"tado"`
	MELCloud        MELCloudConfig      `mapstructure:"melcloud"`
	Weather         WeatherConfig       `mapstructure:"weather"`
	Notifications   NotificationsConfig `mapstructure:"notifications"`
	MQTT            MQTTConfig          `mapstructure:"mqtt"`
	Datadog         DatadogConfig       `mapstructure:"datadog"`
	Sensors         SensorConfig        `mapstructure:"sensors"`
	API             APIConfig           `mapstructure:"api"`

	location  *time.Location
	rooms     []model.Room
	blackouts []model.BlackoutWindow
	awayUntil *time.Time
}

// Load parses flags and the config file, panicking on any problem.
func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.yaml", "Path to policy config file")
	flag.StringVar(&cfg.DBPath, "db", "data/hvac-policy.db", "Path to the SQLite database file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Log file path (stderr when empty)")
	flag.Parse()

	cfg.LogLevel = logging.ParseLevel(logLevel)

	if err := readFile(cfg.ConfigFile, &cfg); err != nil {
		panic("Failed to load config file: " + err.Error())
	}

	if problems := cfg.validate(); len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
	return cfg
}

// ReadFile loads and validates a config file without touching flags.
func ReadFile(path string) (*Config, error) {
	cfg := &Config{ConfigFile: path, LogLevel: zerolog.InfoLevel}
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}
	if problems := cfg.validate(); len(problems) > 0 {
		return nil, errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HVAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range defaults() {
		v.SetDefault(key, val)
	}
	// secrets and the crossover threshold have no default but may come from env
	for _, key := range []string{"melcloud.email", "melcloud.password", "policy.ac_min_outdoor_c", "mqtt.password"} {
		_ = v.BindEnv(key)
	}
	return v
}

func defaults() map[string]any {
	return map[string]any{
		"timezone":                            "Local",
		"poll_interval_minutes":               15,
		"policy.deadband":                     0.5,
		"policy.heating_offset":               2.0,
		"policy.transition_threshold_minutes": 10,
		"policy.override_grace_minutes":       5,
		"policy.override_duration_minutes":    60,
		"policy.ac_min_switch_minutes":        5,
		"policy.ac_min_on_minutes":            15,
		"policy.radiator_min_switch_minutes":  3,
		"policy.vendor_concurrency":           2,
		"policy.overlay_minutes":              60,
		"ac_defaults.mode":                    "heat",
		"tado.client_id":                      "1bb50063-6b0c-4d11-bd99-387f4a91cc46",
		"tado.auth_url":                       "https://login.tado.com/oauth2",
		"tado.base_url":                       "https://my.tado.com/api/v2",
		"melcloud.base_url":                   "https://app.melcloud.com/Mitsubishi.Wifi.Client",
		"melcloud.app_version":                "1.32.1.0",
		"weather.base_url":                    "https://api.open-meteo.com/v1/forecast",
		"notifications.ntfy_url":              "https://ntfy.sh",
		"mqtt.client_id":                      "hvac-policy",
		"datadog.agent_addr":                  "127.0.0.1:8125",
		"datadog.namespace":                   "hvac_policy.",
		"api.port":                            8080,
		"sensors.min_c":                       -10.0,
		"sensors.max_c":                       45.0,
		"sensors.max_delta_c":                 4.0,
		"sensors.max_anomalies":               4,
	}
}

func (cfg *Config) Location() *time.Location          { return cfg.location }
func (cfg *Config) ResolvedRooms() []model.Room        { return cfg.rooms }
func (cfg *Config) Blackouts() []model.BlackoutWindow { return cfg.blackouts }
func (cfg *Config) AwayUntil() *time.Time             { return cfg.awayUntil }

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalMinutes) * time.Minute
}

// ACMinOutdoor is only meaningful after validation, which rejects a missing
// threshold.
func (cfg *Config) ACMinOutdoor() float64 {
	if cfg.Policy.ACMinOutdoorC == nil {
		return 0
	}
	return *cfg.Policy.ACMinOutdoorC
}

// Excluded reports whether a device is on the vendor exclude list.
func (cfg *Config) Excluded(key model.DeviceKey) bool {
	list := cfg.Exclude.Tado
	if key.Family == model.FamilyAC {
		list = cfg.Exclude.MELCloud
	}
	for _, name := range list {
		if strings.EqualFold(name, key.Name) {
			return true
		}
	}
	return false
}

func (cfg *Config) validate() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		add("timezone: %v", err)
		loc = time.Local
	}
	cfg.location = loc

	if cfg.PollIntervalMinutes <= 0 {
		add("poll_interval_minutes must be positive")
	}
	if cfg.Policy.ACMinOutdoorC == nil {
		add("policy.ac_min_outdoor_c is required")
	}
	if cfg.Policy.Deadband < 0 {
		add("policy.deadband must not be negative")
	}
	if cfg.Policy.VendorConcurrency < 1 || cfg.Policy.VendorConcurrency > 3 {
		add("policy.vendor_concurrency must be between 1 and 3")
	}
	if cfg.Policy.OverlayMinutes < 15 {
		add("policy.overlay_minutes must be at least 15")
	}
	if cfg.Sensors.MinC >= cfg.Sensors.MaxC {
		add("sensors.min_c must be below sensors.max_c")
	}
	if cfg.Sensors.MaxDeltaC <= 0 || cfg.Sensors.MaxAnomalies < 1 {
		add("sensors.max_delta_c and sensors.max_anomalies must be positive")
	}

	defaults, err := resolveAC(cfg.ACDefaults)
	if err != nil {
		add("ac_defaults: %v", err)
	}

	cfg.rooms = nil
	seenRooms := map[string]bool{}
	seenDevices := map[model.DeviceKey]string{}
	for i, rc := range cfg.Rooms {
		label := rc.Name
		if label == "" {
			label = fmt.Sprintf("rooms[%d]", i)
			add("%s: name is required", label)
		}
		if seenRooms[rc.Name] {
			add("room %s: duplicate name", label)
		}
		seenRooms[rc.Name] = true

		room, errs := resolveRoom(rc, defaults)
		for _, e := range errs {
			add("room %s: %v", label, e)
		}
		for _, key := range room.Bindings.All() {
			if other, ok := seenDevices[key]; ok {
				add("room %s: device %s already bound to room %s", label, key, other)
			}
			seenDevices[key] = label
		}
		cfg.rooms = append(cfg.rooms, room)
	}

	if !cfg.SimMode {
		var needTado, needMEL bool
		for _, r := range cfg.rooms {
			needTado = needTado || r.Bindings.HasRadiator()
			needMEL = needMEL || r.Bindings.HasAC()
		}
		if needTado && cfg.Tado.HomeID == 0 {
			add("tado.home_id is required when rooms bind radiators")
		}
		if needMEL && (cfg.MELCloud.Email == "" || cfg.MELCloud.Password == "") {
			add("melcloud.email and melcloud.password are required when rooms bind AC units")
		}
	}

	cfg.blackouts = nil
	for _, bc := range cfg.BlackoutWindows {
		w, err := resolveBlackout(bc)
		if err != nil {
			add("blackout window %s: %v", bc.Name, err)
			continue
		}
		cfg.blackouts = append(cfg.blackouts, w)
	}

	cfg.awayUntil = nil
	if cfg.Modes.Away.Until != "" {
		t, err := time.ParseInLocation(time.RFC3339, cfg.Modes.Away.Until, loc)
		if err != nil {
			add("modes.away.until: %v", err)
		} else {
			cfg.awayUntil = &t
		}
	}

	sort.Strings(problems)
	return problems
}

func resolveRoom(rc RoomConfig, defaults model.ACSettings) (model.Room, []error) {
	var errs []error
	room := model.Room{
		Name:     rc.Name,
		Floor:    rc.Floor,
		Disabled: rc.Disabled,
		Bindings: model.Bindings{Radiator: rc.Tado, AC: model.GroupAC(rc.MELCloud...)},
		AC:       defaults,
	}
	if !room.Bindings.HasRadiator() && !room.Bindings.HasAC() {
		errs = append(errs, errors.New("no tado zone or melcloud unit bound"))
	}
	if rc.AC != nil {
		ac, err := resolveAC(*rc.AC)
		if err != nil {
			errs = append(errs, fmt.Errorf("ac: %w", err))
		}
		room.AC = ac
	}

	spec, err := resolveSchedule(rc.Schedule)
	if err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	room.Schedule = spec

	for i, oc := range rc.Overrides {
		o, err := resolveOverride(oc)
		if err != nil {
			errs = append(errs, fmt.Errorf("overrides[%d]: %w", i, err))
			continue
		}
		room.Overrides = append(room.Overrides, o)
	}
	return room, errs
}

func resolveOverride(oc ScheduleOverrideConfig) (model.ScheduleOverride, error) {
	start, err := model.ParseTimeOfDay(oc.Start)
	if err != nil {
		return model.ScheduleOverride{}, err
	}
	end, err := model.ParseTimeOfDay(oc.End)
	if err != nil {
		return model.ScheduleOverride{}, err
	}
	days, err := model.ParseDays(oc.Days)
	if err != nil {
		return model.ScheduleOverride{}, err
	}
	return model.ScheduleOverride{Start: start, End: end, Setpoint: oc.Setpoint, Days: days}, nil
}

func resolveBlackout(bc BlackoutConfig) (model.BlackoutWindow, error) {
	start, err := model.ParseTimeOfDay(bc.Start)
	if err != nil {
		return model.BlackoutWindow{}, err
	}
	end, err := model.ParseTimeOfDay(bc.End)
	if err != nil {
		return model.BlackoutWindow{}, err
	}
	w := model.BlackoutWindow{Name: bc.Name, Start: start, End: end, Enabled: bc.Enabled, Reason: bc.Reason}
	for _, a := range bc.AppliesTo {
		f, err := model.ParseFamily(a)
		if err != nil {
			return model.BlackoutWindow{}, err
		}
		w.AppliesTo = append(w.AppliesTo, f)
	}
	return w, nil
}

func resolveAC(ac ACConfig) (model.ACSettings, error) {
	out := model.ACSettings{
		Mode:            model.ACMode(strings.ToLower(ac.Mode)),
		FanSpeed:        ac.Fan,
		SwingHorizontal: strings.EqualFold(ac.VaneHorizontal, "swing"),
		SwingVertical:   strings.EqualFold(ac.VaneVertical, "swing"),
		Vanes:           ac.Vanes,
	}
	if out.Mode == "" {
		out.Mode = model.ACModeHeat
	}
	switch out.Mode {
	case model.ACModeHeat, model.ACModeCool, model.ACModeDry, model.ACModeFan, model.ACModeAuto:
	default:
		return out, fmt.Errorf("unknown mode %q", ac.Mode)
	}
	if out.FanSpeed < 0 || out.FanSpeed > 5 {
		return out, fmt.Errorf("fan speed %d outside 0..5", out.FanSpeed)
	}
	return out, nil
}

func resolveACPtr(ac *ACConfig) (*model.ACSettings, error) {
	if ac == nil {
		return nil, nil
	}
	out, err := resolveAC(*ac)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
