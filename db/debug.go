package db

import (
	"context"
	"time"

	"github.com/thatsimonsguy/hvac-policy/internal/model"
)

func SetPolicyEnabledCLI(dbPath string, enabled bool) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return SetPolicyEnabled(context.Background(), conn, enabled)
}

func ClearOverrideCLI(dbPath string, key model.DeviceKey) (bool, error) {
	conn, err := Open(dbPath)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	// one second in the past so the override is inactive immediately
	return ExpireOverride(context.Background(), conn, key, time.Now().Add(-time.Second))
}

func ListOverridesCLI(dbPath string) ([]model.OverrideRecord, error) {
	conn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return ListOverrides(context.Background(), conn)
}

func ListCommandsCLI(dbPath string, limit int) ([]model.CommandRecord, error) {
	conn, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return ListCommands(context.Background(), conn, limit)
}
