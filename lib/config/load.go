// Copyright (C) The Chute Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the coordinator's site configuration: a YAML
// file unmarshalled on top of the built-in defaults.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/chute-io/chute/sdk/go/chute"
	"github.com/ghodss/yaml"
)

// Load reads a YAML config from rdr, overlays it on the defaults, and
// checks it.
func Load(rdr io.Reader) (*chute.Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	cfg := chute.DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("loading config: %s", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (*chute.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", path, err)
	}
	return cfg, nil
}
