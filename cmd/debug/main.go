package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thatsimonsguy/hvac-policy/db"
	"github.com/thatsimonsguy/hvac-policy/internal/config"
	"github.com/thatsimonsguy/hvac-policy/internal/gateway/tado"
	"github.com/thatsimonsguy/hvac-policy/internal/model"
	"github.com/thatsimonsguy/hvac-policy/internal/tokenstore"
	"github.com/thatsimonsguy/hvac-policy/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, configFile, command, family, device, enabled, unitPath, user, execPath string
	var limit int
	flag.StringVar(&dbPath, "db", "data/hvac-policy.db", "Path to the SQLite database file")
	flag.StringVar(&configFile, "config-file", "config.yaml", "Path to policy config file (tado-login, install-service)")
	flag.StringVar(&command, "cmd", "", "Command to run: list-overrides, clear-override, set-policy, list-commands, tado-login, install-service")
	flag.StringVar(&family, "family", "", "Device family for clear-override (ac, radiator)")
	flag.StringVar(&device, "device", "", "Device name for clear-override")
	flag.StringVar(&enabled, "enabled", "", "true or false for set-policy")
	flag.IntVar(&limit, "limit", 20, "Number of commands for list-commands")
	flag.StringVar(&unitPath, "unit", startup.DefaultUnitPath, "systemd unit path for install-service")
	flag.StringVar(&user, "user", "", "User the service runs as")
	flag.StringVar(&execPath, "exec", "", "Path of the hvac-policy binary (defaults to next to this one)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of hvac-debug:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	var err error
	switch command {
	case "list-overrides":
		err = listOverrides(dbPath)
	case "clear-override":
		err = clearOverride(dbPath, family, device)
	case "set-policy":
		var on bool
		on, err = strconv.ParseBool(enabled)
		if err != nil {
			fmt.Println("Error: -enabled must be true or false")
			os.Exit(1)
		}
		err = db.SetPolicyEnabledCLI(dbPath, on)
	case "list-commands":
		err = listCommands(dbPath, limit)
	case "tado-login":
		err = tadoLogin(configFile, dbPath)
	case "install-service":
		var path string
		path, err = startup.InstallService(startup.ServiceOptions{
			UnitPath:   unitPath,
			User:       user,
			ExecPath:   execPath,
			ConfigFile: configFile,
			DBPath:     dbPath,
		})
		if err == nil {
			fmt.Printf("Wrote %s; run: systemctl daemon-reload && systemctl enable --now hvac-policy\n", path)
		}
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func listOverrides(dbPath string) error {
	overrides, err := db.ListOverridesCLI(dbPath)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, o := range overrides {
		status := "expired"
		if o.Active(now) {
			status = "active"
		}
		fmt.Printf("%-30s %-8s detected %s expires %s  %s\n", o.Device, status,
			o.DetectedAt.Local().Format(time.DateTime), o.ExpiresAt.Local().Format(time.DateTime), o.Reason)
	}
	if len(overrides) == 0 {
		fmt.Println("No overrides recorded")
	}
	return nil
}

func clearOverride(dbPath, family, device string) error {
	f, err := model.ParseFamily(family)
	if err != nil {
		return err
	}
	if device == "" {
		return fmt.Errorf("device name is required")
	}
	found, err := db.ClearOverrideCLI(dbPath, model.DeviceKey{Family: f, Name: device})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no override recorded for %s/%s", f, device)
	}
	return nil
}

func listCommands(dbPath string, limit int) error {
	cmds, err := db.ListCommandsCLI(dbPath, limit)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		result := "ok"
		if !c.Success {
			result = "FAILED: " + c.Error
		}
		fmt.Printf("%s %-12s %-30s %-7s %5.1f %-7s %s\n", c.IssuedAt.Local().Format(time.DateTime), c.Room, c.Device,
			c.Command.Action, c.Command.Setpoint, c.Origin, result)
	}
	return nil
}

// tadoLogin runs the device code flow and stores the refresh token.
func tadoLogin(configFile, dbPath string) error {
	cfg, err := config.ReadFile(configFile)
	if err != nil {
		return err
	}
	conn, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ts := tado.NewTokenSource(cfg.Tado.ClientID, cfg.Tado.AuthURL, tokenstore.New(conn), nil)
	da, err := ts.StartDeviceLogin(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Open %s and approve code %s\n", da.VerificationURIComplete, da.UserCode)
	fmt.Println("Waiting for approval...")
	return ts.CompleteDeviceLogin(ctx, da)
}
