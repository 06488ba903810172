// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lanemargintest

// The run configuration: loading, defaults, validation and target expansion.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	structpb "google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	pci "github.com/opencomputeproject/ocp-diag-pci-lmt/pciutils"
)

// Configuration defaults.
const (
	DefaultErrorCountLimit = 63
	DefaultDwellTime       = 5 * time.Second
	DefaultStartStep       = 1
	DefaultReceiver        = ReceiverUSPF
	maxLanes               = 32
)

// Config is a margining run configuration.
type Config struct {
	PlatformName    string        `yaml:"platform_name" json:"platform_name"`
	Annotation      string        `yaml:"annotation" json:"annotation"`
	ErrorCountLimit int           `yaml:"error_count_limit" json:"error_count_limit"`
	DwellTime       time.Duration `yaml:"dwell_time" json:"dwell_time"`
	StartStep       int           `yaml:"start_step" json:"start_step"`
	// Parallelism bounds the lanes margined at once; 0 is unbounded.
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// MinPassingSteps is the last passing step a lane needs to pass the tally.
	MinPassingSteps int `yaml:"min_passing_steps" json:"min_passing_steps"`
	// ForceMargin margins receivers without an independent error sampler,
	// one lane at a time. Otherwise their lanes are not margined.
	ForceMargin bool    `yaml:"force_margin" json:"force_margin"`
	Groups      []Group `yaml:"lmt_groups" json:"lmt_groups"`
}

// Group is a set of devices margined the same way.
type Group struct {
	Name     string   `yaml:"name" json:"name"`
	Receiver int      `yaml:"receiver_number" json:"receiver_number"`
	BDFs     []string `yaml:"bdf_list" json:"bdf_list"`
	// Lanes to margin; empty means every lane of the link.
	Lanes      []int    `yaml:"lanes" json:"lanes"`
	Dimensions []string `yaml:"dimensions" json:"dimensions"`
	// Step count overrides; 0 uses the count the receiver advertises.
	MaxTimingSteps  int `yaml:"max_timing_steps" json:"max_timing_steps"`
	MaxVoltageSteps int `yaml:"max_voltage_steps" json:"max_voltage_steps"`
}

// DefaultConfig gets a configuration with every default applied and no groups.
func DefaultConfig() *Config {
	return &Config{
		ErrorCountLimit: DefaultErrorCountLimit,
		DwellTime:       DefaultDwellTime,
		StartStep:       DefaultStartStep,
	}
}

// ReadConfig reads a YAML (or JSON) configuration file.
func ReadConfig(fn string) (*Config, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML (or JSON) configuration over the defaults.
// Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, configErrorf("config", "empty configuration")
		}
		return nil, configErrorf("config", "%v", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Groups {
		g := &c.Groups[i]
		if g.Receiver == 0 {
			g.Receiver = int(DefaultReceiver)
		}
		if len(g.Dimensions) == 0 {
			for _, d := range AllDimensions {
				g.Dimensions = append(g.Dimensions, d.String())
			}
		}
		if g.Name == "" {
			g.Name = fmt.Sprintf("group%d", i)
		}
	}
}

// Validate checks every field that can be checked without the hardware.
func (c *Config) Validate() error {
	c.applyDefaults()
	if c.ErrorCountLimit < 1 || c.ErrorCountLimit > MaxErrorCountLimit {
		return configErrorf("error_count_limit", "%d out of range 1..%d", c.ErrorCountLimit, MaxErrorCountLimit)
	}
	if c.DwellTime <= 0 {
		return configErrorf("dwell_time", "%v must be positive", c.DwellTime)
	}
	if c.StartStep < 1 || c.StartStep > VoltageStepMask {
		return configErrorf("start_step", "%d out of range 1..%d", c.StartStep, VoltageStepMask)
	}
	if c.Parallelism < 0 {
		return configErrorf("parallelism", "%d is negative", c.Parallelism)
	}
	if c.MinPassingSteps < 0 {
		return configErrorf("min_passing_steps", "%d is negative", c.MinPassingSteps)
	}
	if len(c.Groups) == 0 {
		return configErrorf("lmt_groups", "no group to margin")
	}
	for i := range c.Groups {
		if err := c.Groups[i].validate(fmt.Sprintf("lmt_groups[%d]", i)); err != nil {
			return err
		}
	}
	// Groups with no lanes are checked for duplicates only when Targets
	// expands them from the link width, which reads the Link Status register
	// but no lane register.
	_, err := c.expand(nil, false)
	return err
}

func (g *Group) validate(field string) error {
	if !Receiver(g.Receiver).Valid() || g.Receiver != int(Receiver(g.Receiver)) {
		return configErrorf(field+".receiver_number", "%d out of range 1..6", g.Receiver)
	}
	if len(g.BDFs) == 0 {
		return configErrorf(field+".bdf_list", "empty")
	}
	for _, s := range g.BDFs {
		if _, err := pci.ParseAddr(s); err != nil {
			return configErrorf(field+".bdf_list", "%v", err)
		}
	}
	for _, ln := range g.Lanes {
		if ln < 0 || ln >= maxLanes {
			return configErrorf(field+".lanes", "%d out of range 0..%d", ln, maxLanes-1)
		}
	}
	for _, s := range g.Dimensions {
		if _, err := ParseDimension(s); err != nil {
			return configErrorf(field+".dimensions", "%v", err)
		}
	}
	if g.MaxTimingSteps < 0 || g.MaxTimingSteps > TimingStepMask {
		return configErrorf(field+".max_timing_steps", "%d out of range 0..%d", g.MaxTimingSteps, TimingStepMask)
	}
	if g.MaxVoltageSteps < 0 || g.MaxVoltageSteps > VoltageStepMask {
		return configErrorf(field+".max_voltage_steps", "%d out of range 0..%d", g.MaxVoltageSteps, VoltageStepMask)
	}
	return nil
}

// Target is one (device, receiver, lane, dimension) tuple of a run.
type Target struct {
	Group     string
	Device    DeviceAddress
	Receiver  Receiver
	Lane      LaneID
	Dimension MarginDimension
	// MaxSteps overrides the advertised step count when non-zero.
	MaxSteps int
}

type targetKey struct {
	dev  DeviceAddress
	rec  Receiver
	lane LaneID
	dim  MarginDimension
}

// Targets validates the configuration and expands it into targets. li, when
// not nil, is used to check that devices are present, to bound lanes by the
// link width and to expand groups with no lanes to every lane.
func (c *Config) Targets(li LinkInspector) ([]Target, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.expand(li, true)
}

func (c *Config) expand(li LinkInspector, needLanes bool) ([]Target, error) {
	var out []Target
	seen := make(map[targetKey]bool)
	links := make(map[DeviceAddress]pci.LinkStatus)
	for i := range c.Groups {
		g := &c.Groups[i]
		field := fmt.Sprintf("lmt_groups[%d]", i)
		for _, s := range g.BDFs {
			dev, _ := pci.ParseAddr(s)
			lanes := g.Lanes
			if li != nil {
				ls, ok := links[dev]
				if !ok {
					var err error
					if ls, err = li.LinkStatus(dev); err != nil {
						return nil, configErrorf(field+".bdf_list", "%s: %v", dev, err)
					}
					links[dev] = ls
				}
				if len(lanes) == 0 {
					for ln := 0; ln < ls.Width; ln++ {
						lanes = append(lanes, ln)
					}
				}
				for _, ln := range lanes {
					if ln >= ls.Width {
						return nil, configErrorf(field+".lanes", "%s: lane %d beyond link width x%d", dev, ln, ls.Width)
					}
				}
			} else if len(lanes) == 0 && needLanes {
				return nil, configErrorf(field+".lanes", "%s: no lanes and no link status to expand them", dev)
			}
			for _, ln := range lanes {
				for _, ds := range g.Dimensions {
					dim, _ := ParseDimension(ds)
					k := targetKey{dev, Receiver(g.Receiver), LaneID(ln), dim}
					if seen[k] {
						return nil, configErrorf(field, "duplicate target %s rx %s ln %d %s", dev, k.rec, ln, dim)
					}
					seen[k] = true
					t := Target{Group: g.Name, Device: dev, Receiver: k.rec, Lane: k.lane, Dimension: dim}
					if dim.IsVoltage() {
						t.MaxSteps = g.MaxVoltageSteps
					} else {
						t.MaxSteps = g.MaxTimingSteps
					}
					out = append(out, t)
				}
			}
		}
	}
	return out, nil
}

// Struct renders the configuration as a protobuf Struct, with the dwell time
// as a duration string.
func (c *Config) Struct() (*structpb.Struct, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	m["dwell_time"] = c.DwellTime.String()
	return structpb.NewStruct(m)
}
