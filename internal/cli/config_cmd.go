// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/RubinCarter/ropcode/internal/config"
)

// HandleConfig implements `ropcode config [show|init|path]`.
func HandleConfig(args Args) error {
	switch args.Subcommand {
	case "", "show":
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return toml.NewEncoder(os.Stdout).Encode(cfg)

	case "init":
		path, err := config.ConfigPathTOML()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.SaveTOML(config.Default(), path); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil

	case "path":
		path, err := config.ConfigPathTOML()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil

	default:
		return fmt.Errorf("unknown config subcommand %q (want show, init, or path)", args.Subcommand)
	}
}
