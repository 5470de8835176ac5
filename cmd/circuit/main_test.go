// Copyright 2026 Blink Labs Software
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

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bonlabs/circuit/internal/config"
	"github.com/bonlabs/circuit/voucher"
)

func TestVersionCommand(t *testing.T) {
	root := rootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), programName+" devel")
}

func TestCommandTree(t *testing.T) {
	root := rootCommand()
	for _, path := range [][]string{
		{"serve"},
		{"snapshot"},
		{"graph"},
		{"voucher", "status"},
		{"certs", "pending"},
		{"certs", "attest"},
		{"version"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestSnapshotCommandArgs(t *testing.T) {
	root := rootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"snapshot", "only-one-arg"})
	require.Error(t, root.Execute())
}

func TestPrintVoucherStatus(t *testing.T) {
	created := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	v := &voucher.Voucher{
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
		ID:        "v1",
		IssuerID:  "alice",
		MarketID:  "lyon",
		Status:    voucher.StatusActive,
		Traveler:  voucher.Part{Holder: "bob", Share: []byte{1, 2, 3}},
		Value:     12.5,
		HopCount:  2,
	}
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, newVoucherStatus(v)))
	doc := out.String()
	assert.Equal(t, "bob", gjson.Get(doc, "bearer").String())
	assert.Equal(t, "active", gjson.Get(doc, "status").String())
	assert.InDelta(t, 12.5, gjson.Get(doc, "value").Float(), 1e-9)
	assert.Equal(t, int64(2), gjson.Get(doc, "hopCount").Int())
	// Shares are never printed
	assert.NotContains(t, doc, "share")
}

func TestCommandTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, 4*config.DefaultFetchTimeout, commandTimeout(cfg))
}
