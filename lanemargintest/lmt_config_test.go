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

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
platform_name: bench
annotation: retimer rework
error_count_limit: 20
dwell_time: 2s
lmt_groups:
  - name: gpu
    bdf_list: ["0000:17:00.0", "18:00.0"]
    lanes: [0, 1]
    dimensions: [time_up, voltage_down]
  - bdf_list: ["0000:19:00.0"]
    receiver_number: 1
    max_timing_steps: 8
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYAML))
	require.NoError(t, err)

	assert.Equal(t, "bench", cfg.PlatformName)
	assert.Equal(t, "retimer rework", cfg.Annotation)
	assert.Equal(t, 20, cfg.ErrorCountLimit)
	assert.Equal(t, 2*time.Second, cfg.DwellTime)
	assert.Equal(t, DefaultStartStep, cfg.StartStep)
	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, "gpu", cfg.Groups[0].Name)
	assert.Equal(t, int(ReceiverUSPF), cfg.Groups[0].Receiver)
	assert.Equal(t, "group1", cfg.Groups[1].Name)
	assert.Equal(t, 1, cfg.Groups[1].Receiver)
	assert.Len(t, cfg.Groups[1].Dimensions, 4)
	assert.NoError(t, cfg.Validate())
}

func TestReadConfig(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "lmt.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(testYAML), 0644))
	cfg, err := ReadConfig(fn)
	require.NoError(t, err)
	assert.Len(t, cfg.Groups, 2)

	_, err = ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseConfigErrors(t *testing.T) {
	for name, in := range map[string]string{
		"empty":   "",
		"unknown": "error_limit: 3\n",
		"syntax":  "lmt_groups: [\n",
	} {
		_, err := ParseConfig([]byte(in))
		assert.ErrorIs(t, err, ErrConfiguration, name)
	}
}

func TestConfigTargets(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYAML))
	require.NoError(t, err)

	// The second group has no lanes to margin without a link status.
	_, err = cfg.Targets(nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	sim := testSim()
	sim.Link.Width = 2
	targets, err := cfg.Targets(NewPCIPort(sim))
	require.NoError(t, err)
	// 2 devices x 2 lanes x 2 dimensions + 1 device x 2 lanes x 4 dimensions.
	require.Len(t, targets, 16)

	t0 := targets[0]
	assert.Equal(t, "gpu", t0.Group)
	assert.Equal(t, "0000:17:00.0", t0.Device.String())
	assert.Equal(t, ReceiverUSPF, t0.Receiver)
	assert.Equal(t, TimeUp, t0.Dimension)
	assert.Zero(t, t0.MaxSteps)

	for _, tg := range targets[8:] {
		assert.Equal(t, ReceiverDSPA, tg.Receiver)
		if tg.Dimension.IsVoltage() {
			assert.Zero(t, tg.MaxSteps)
		} else {
			assert.Equal(t, 8, tg.MaxSteps)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Groups = []Group{{BDFs: []string{"0000:01:00.0"}, Lanes: []int{0}}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"limit zero", func(c *Config) { c.ErrorCountLimit = 0 }, "error_count_limit"},
		{"limit too big", func(c *Config) { c.ErrorCountLimit = 64 }, "error_count_limit"},
		{"no dwell", func(c *Config) { c.DwellTime = 0 }, "dwell_time"},
		{"start zero", func(c *Config) { c.StartStep = 0 }, "start_step"},
		{"start too big", func(c *Config) { c.StartStep = 128 }, "start_step"},
		{"negative parallelism", func(c *Config) { c.Parallelism = -1 }, "parallelism"},
		{"negative min passing", func(c *Config) { c.MinPassingSteps = -1 }, "min_passing_steps"},
		{"no groups", func(c *Config) { c.Groups = nil }, "lmt_groups"},
		{"broadcast receiver", func(c *Config) { c.Groups[0].Receiver = -1 }, "lmt_groups[0].receiver_number"},
		{"reserved receiver", func(c *Config) { c.Groups[0].Receiver = 7 }, "lmt_groups[0].receiver_number"},
		{"no bdf", func(c *Config) { c.Groups[0].BDFs = nil }, "lmt_groups[0].bdf_list"},
		{"bad bdf", func(c *Config) { c.Groups[0].BDFs = []string{"zz:00.0"} }, "lmt_groups[0].bdf_list"},
		{"lane", func(c *Config) { c.Groups[0].Lanes = []int{32} }, "lmt_groups[0].lanes"},
		{"dimension", func(c *Config) { c.Groups[0].Dimensions = []string{"diagonal"} }, "lmt_groups[0].dimensions"},
		{"timing steps", func(c *Config) { c.Groups[0].MaxTimingSteps = 64 }, "lmt_groups[0].max_timing_steps"},
		{"voltage steps", func(c *Config) { c.Groups[0].MaxVoltageSteps = 128 }, "lmt_groups[0].max_voltage_steps"},
		{"duplicate", func(c *Config) {
			c.Groups = append(c.Groups, Group{BDFs: []string{"01:00.0"}, Lanes: []int{0}})
		}, "lmt_groups[1]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mod(cfg)
			err := cfg.Validate()
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, tc.field, ce.Field)
		})
	}

	// Another receiver on the same lane is not a duplicate.
	cfg := valid()
	cfg.Groups = append(cfg.Groups, Group{BDFs: []string{"01:00.0"}, Lanes: []int{0}, Receiver: 1})
	assert.NoError(t, cfg.Validate())
}

func TestConfigStruct(t *testing.T) {
	cfg, err := ParseConfig([]byte(testYAML))
	require.NoError(t, err)
	st, err := cfg.Struct()
	require.NoError(t, err)
	m := st.AsMap()
	assert.Equal(t, "2s", m["dwell_time"])
	assert.Equal(t, 20.0, m["error_count_limit"])
	groups, ok := m["lmt_groups"].([]any)
	require.True(t, ok)
	assert.Len(t, groups, 2)
}
