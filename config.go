// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"io"
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type config struct {
	JID     string `toml:"jid"`
	PassCmd string `toml:"password_eval"`
	KeyLog  string `toml:"keylog_file"`
	Timeout string `toml:"timeout"`
	DB      string `toml:"db"`
	NoTLS   bool   `toml:"no_tls"`
	NoSRV   bool   `toml:"no_srv"`

	Log struct {
		Verbose bool `toml:"verbose"`
		XML     bool `toml:"xml"`
	} `toml:"log"`

	Reconnect struct {
		InitialDelay   string  `toml:"initial_delay"`
		Multiplier     float64 `toml:"multiplier"`
		MaxDelay       string  `toml:"max_delay"`
		AttemptCeiling uint32  `toml:"attempt_ceiling"`
		MaxAttempts    uint32  `toml:"max_attempts"`
	} `toml:"reconnect"`

	Sync struct {
		Concurrency int      `toml:"concurrency"`
		RoomDelay   string   `toml:"room_delay"`
		PageSize    uint64   `toml:"page_size"`
		Archive     []string `toml:"archive"`
	} `toml:"sync"`
}

// printConfig writes a default config file to the provided writer.
func printConfig(w io.Writer) error {
	cfg := config{
		JID:     "me@example.com",
		Timeout: "30s",
	}
	cfg.Reconnect.InitialDelay = "1s"
	cfg.Reconnect.Multiplier = 2
	cfg.Reconnect.MaxDelay = "5m"
	cfg.Reconnect.AttemptCeiling = 10
	cfg.Sync.Concurrency = 4
	cfg.Sync.RoomDelay = "30s"
	cfg.Sync.PageSize = 100
	return toml.NewEncoder(w).Encode(cfg)
}

// configFile attempts to open the config file for reading.
// If a file is provided, only that file is checked, otherwise it attempts to
// open the following (falling back if the file does not exist or cannot be
// read):
//
// ./courier.toml, $XDG_CONFIG_HOME/courier/config.toml,
// $HOME/.config/courier/config.toml, /etc/courier/config.toml
func configFile(f string) (*os.File, string, error) {
	if f != "" {
		cfgFile, err := os.Open(f)
		return cfgFile, f, err
	}

	fPath := filepath.Join(".", appName+".toml")
	if cfgFile, err := os.Open(fPath); err == nil {
		return cfgFile, fPath, err
	}

	cfgDir := os.Getenv("XDG_CONFIG_HOME")
	if cfgDir != "" {
		fPath = filepath.Join(cfgDir, appName, "config.toml")
		if cfgFile, err := os.Open(fPath); err == nil {
			return cfgFile, fPath, nil
		}
	}

	u, err := user.Current()
	if err != nil || u.HomeDir == "" {
		fPath = filepath.Join("/etc", appName, "config.toml")
		cfgFile, err := os.Open(fPath)
		return cfgFile, fPath, err
	}

	fPath = filepath.Join(u.HomeDir, ".config", appName, "config.toml")
	cfgFile, err := os.Open(fPath)
	return cfgFile, fPath, err
}
