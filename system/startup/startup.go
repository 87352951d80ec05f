package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultUnitPath = "/etc/systemd/system/hvac-policy.service"

// ServiceOptions describe how systemd should run the daemon.
type ServiceOptions struct {
	UnitPath   string
	User       string
	WorkDir    string
	ExecPath   string
	ConfigFile string
	DBPath     string
	LogFile    string
	// Environment lines, e.g. HVAC_MELCLOUD_PASSWORD=...; written to the unit
	// so secrets stay out of the config file.
	Environment []string
}

func (o ServiceOptions) withDefaults() (ServiceOptions, error) {
	if o.UnitPath == "" {
		o.UnitPath = DefaultUnitPath
	}
	if o.ExecPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return o, fmt.Errorf("locate executable: %w", err)
		}
		o.ExecPath = filepath.Join(filepath.Dir(exe), "hvac-policy")
	}
	if o.WorkDir == "" {
		o.WorkDir = filepath.Dir(o.ExecPath)
	}
	return o, nil
}

// Unit renders the systemd unit for the daemon.
func Unit(o ServiceOptions) string {
	args := []string{o.ExecPath}
	if o.ConfigFile != "" {
		args = append(args, "-config-file", o.ConfigFile)
	}
	if o.DBPath != "" {
		args = append(args, "-db", o.DBPath)
	}
	if o.LogFile != "" {
		args = append(args, "-log-file", o.LogFile)
	}

	var lines []string
	if o.User != "" {
		lines = append(lines, "User="+o.User)
	}
	lines = append(lines, "WorkingDirectory="+o.WorkDir)
	for _, env := range o.Environment {
		lines = append(lines, fmt.Sprintf("Environment=%q", env))
	}

	return fmt.Sprintf(`[Unit]
Description=HVAC heating policy service
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
%s
ExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, strings.Join(lines, "\n"), strings.Join(args, " "))
}

// InstallService writes the unit file and returns its path. Enabling the
// unit is left to systemctl.
func InstallService(o ServiceOptions) (string, error) {
	o, err := o.withDefaults()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(o.UnitPath, []byte(Unit(o)), 0644); err != nil {
		return "", fmt.Errorf("write unit %s: %w", o.UnitPath, err)
	}
	return o.UnitPath, nil
}
