// Copyright 2024 Google Inc. All Rights Reserved.
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

package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"inverted pool bounds", func(c *Config) { c.IOSched.MinPoolMB = 100; c.IOSched.MaxPoolMB = 10 }},
		{"unknown traversal", func(c *Config) { c.Mount.Traversal = "sideways" }},
		{"rollback without generation", func(c *Config) { c.Mount.Traversal = TraversalRollback }},
		{"tiny blocksize", func(c *Config) { c.Format.Blocksize = 512 }},
		{"negative sync period", func(c *Config) { c.Sync.PeriodMinutes = -1 }},
	}

	for _, tc := range cases {
		c := Default()
		tc.mutate(&c)
		assert.Error(t, c.Validate(), tc.name)
	}
}

func TestRollbackWithGenerationIsValid(t *testing.T) {
	c := Default()
	c.Mount.Traversal = TraversalRollback
	c.Mount.RollbackGeneration = 7
	assert.NoError(t, c.Validate())
}

func TestYAMLRoundTrip(t *testing.T) {
	in := Default()
	in.Logging.Severity = "DEBUG"
	in.Sync.PeriodMinutes = 1
	in.Format.Barcode = "TEST01"

	data, err := yaml.Marshal(&in)
	require.NoError(t, err)

	var out Config
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
