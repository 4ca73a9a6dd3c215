// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

type StartType int

const (
	// Tells w2g to start a repl in parallel for interacting with it
	START_REPL = StartType(iota)
	// Tells w2g to execute a specific command on startup
	START_SINGLE_COMMAND
	// Tells w2g to start without any specific targets
	// Note: Good luck interacting with it :3
	START_NONE
)

// Prefix of every environment variable the config reads, e.g. W2G_BACKEND_VARIANT
const EnvPrefix = "W2G"

// Where the config file is looked for below the XDG config dirs
const RelativePath = "way2gay/config.toml"

type Config struct {
	StartType StartType `envconfig:"START_TYPE" toml:"start_type,omitempty"`
	// What command to execute on start. Only matters if StartType is set to START_SINGLE_COMMAND
	StartCommand *string `envconfig:"START_COMMAND" toml:"start_command,omitempty"`
	// One of logrus' level names
	LogLevel string `envconfig:"LOG_LEVEL" toml:"log_level,omitempty"`

	Backend   BackendConfig   `envconfig:"BACKEND" toml:"backend"`
	Renderer  RendererConfig  `envconfig:"RENDERER" toml:"renderer"`
	Allocator AllocatorConfig `envconfig:"ALLOCATOR" toml:"allocator"`
	Seat      SeatConfig      `envconfig:"SEAT" toml:"seat"`
	Frame     FrameConfig     `envconfig:"FRAME" toml:"frame"`
}

type BackendConfig struct {
	// drm, libinput or x11
	Variant string `envconfig:"VARIANT" toml:"variant"`
	// DRM card node, empty picks the first one
	Card string `envconfig:"CARD" toml:"card,omitempty"`
	// Input nodes to pick up
	InputGlob string `envconfig:"INPUT_GLOB" toml:"input_glob,omitempty"`
	// X11 display for the nested backend, empty uses $DISPLAY
	Display string `envconfig:"DISPLAY" toml:"display,omitempty"`
	// One nested window per entry
	Outputs []OutputGeometry `ignored:"true" toml:"outputs,omitempty"`
}

type OutputGeometry struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
}

type RendererConfig struct {
	// gles2 or vulkan, empty selects one
	Variant string `envconfig:"VARIANT" toml:"variant,omitempty"`
	// Render node to bind to, empty asks the backend
	Device string `envconfig:"DEVICE" toml:"device,omitempty"`
}

type AllocatorConfig struct {
	// gbm or udmabuf
	Variant string `envconfig:"VARIANT" toml:"variant"`
	// Use heap memory instead of device memory, capped at this many bytes. 0 means device memory
	HeapLimit int64 `envconfig:"HEAP_LIMIT" toml:"heap_limit,omitempty"`
}

type SeatConfig struct {
	// logind, direct or headless
	Kind string `envconfig:"KIND" toml:"kind"`
}

type FrameConfig struct {
	// Background drawn on every output, as #rrggbb
	Background string `envconfig:"BACKGROUND" toml:"background"`
}

// Default returns the configuration used when nothing else is given
func Default() *Config {
	return &Config{
		StartType: START_REPL,
		LogLevel:  "info",
		Backend: BackendConfig{
			Variant:   "drm",
			InputGlob: "/dev/input/event*",
		},
		Allocator: AllocatorConfig{Variant: "gbm"},
		Seat:      SeatConfig{Kind: "logind"},
		Frame:     FrameConfig{Background: "#1e1e2e"},
	}
}

// Load builds the configuration from, in increasing priority: the defaults, the config file,
// a .env file in the working directory and the environment.
// An empty path looks for the file in the XDG config dirs, in which case it may be missing
func Load(path string) (*Config, error) {
	conf := Default()
	explicit := path != ""
	if !explicit {
		if found, err := xdg.SearchConfigFile(RelativePath); err == nil {
			path = found
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err = toml.Unmarshal(data, conf); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			logrus.WithField("path", path).Debugln("Loaded config file")
		case explicit || !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, conf); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// DefaultPath is where a new config file would go
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, RelativePath)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", "))
}

// Validate checks the values that can be checked without touching any device
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.StartType < START_REPL || c.StartType > START_NONE {
		return fmt.Errorf("start_type: unknown value %d", c.StartType)
	}
	if c.StartType == START_SINGLE_COMMAND && (c.StartCommand == nil || *c.StartCommand == "") {
		return errors.New("start_command: required when start_type is a single command")
	}
	if err := oneOf("backend.variant", c.Backend.Variant, "drm", "libinput", "x11"); err != nil {
		return err
	}
	if c.Renderer.Variant != "" {
		if err := oneOf("renderer.variant", c.Renderer.Variant, "gles2", "vulkan"); err != nil {
			return err
		}
	}
	if err := oneOf("allocator.variant", c.Allocator.Variant, "gbm", "udmabuf"); err != nil {
		return err
	}
	if c.Allocator.HeapLimit < 0 {
		return errors.New("allocator.heap_limit: must not be negative")
	}
	if err := oneOf("seat.kind", c.Seat.Kind, "logind", "direct", "headless"); err != nil {
		return err
	}
	for i, o := range c.Backend.Outputs {
		if o.Width <= 0 || o.Height <= 0 {
			return fmt.Errorf("backend.outputs[%d]: %dx%d is not a usable size", i, o.Width, o.Height)
		}
	}
	if _, err := c.Frame.Color(); err != nil {
		return err
	}
	return nil
}

// Color parses the background as an opaque color
func (f FrameConfig) Color() (color.RGBA, error) {
	hex, ok := strings.CutPrefix(f.Background, "#")
	if !ok || len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("frame.background: %q is not #rrggbb", f.Background)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("frame.background: %w", err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
