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
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/bonlabs/circuit"
	"github.com/bonlabs/circuit/internal/config"
	"github.com/bonlabs/circuit/internal/node"
	"github.com/bonlabs/circuit/voucher"
)

// runWithEngine opens an engine for a one-shot command and closes it after fn
func runWithEngine(
	cmd *cobra.Command,
	fn func(ctx context.Context, e *circuit.Engine) (any, error),
) error {
	cfg := mustConfig(cmd)
	logger := commonRun(cfg)
	e, err := node.NewEngine(cfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Warn("failed to close engine", "error", err)
		}
	}()
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout(cfg))
	defer cancel()
	ret, err := fn(ctx, e)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ret)
}

// commandTimeout bounds a one-shot command: two fetch phases plus publishing
func commandTimeout(cfg *config.Config) time.Duration {
	return 4 * cfg.FetchTimeout
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func snapshotCommand() *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "snapshot <identity> <market>",
		Short: "Compute the monetary parameters of an identity in a market",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(cmd, func(ctx context.Context, e *circuit.Engine) (any, error) {
				if history > 0 {
					return e.SnapshotHistory(args[0], args[1], history)
				}
				return e.ComputeParameterSnapshot(ctx, args[0], args[1])
			})
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "list up to this many stored snapshots instead of computing one")
	return cmd
}

func graphCommand() *cobra.Command {
	var windowDays int
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build the circulation graph of the recent window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(cmd, func(ctx context.Context, e *circuit.Engine) (any, error) {
				return e.BuildCirculationGraph(ctx, windowDays)
			})
		},
	}
	cmd.Flags().IntVar(&windowDays, "window", 0, "window in days (defaults to the configured window)")
	return cmd
}

// voucherStatus is the printed form of a voucher
type voucherStatus struct {
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	ID        string         `json:"id"`
	IssuerID  string         `json:"issuerId"`
	MarketID  string         `json:"marketId"`
	Bearer    string         `json:"bearer"`
	Status    voucher.Status `json:"status"`
	Rarity    voucher.Rarity `json:"rarity,omitempty"`
	Category  string         `json:"category,omitempty"`
	Witness   string         `json:"witness"`
	Value     float64        `json:"value"`
	HopCount  int            `json:"hopCount"`
}

func newVoucherStatus(v *voucher.Voucher) voucherStatus {
	return voucherStatus{
		CreatedAt: v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
		ID:        v.ID,
		IssuerID:  v.IssuerID,
		MarketID:  v.MarketID,
		Bearer:    v.Bearer(),
		Status:    v.Status,
		Rarity:    v.Rarity,
		Category:  v.Category,
		Witness:   v.WitnessDigest,
		Value:     v.Value,
		HopCount:  v.HopCount,
	}
}

func voucherCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voucher",
		Short: "Voucher commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <voucher-id>",
		Short: "Rebuild the public state of a voucher from its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(cmd, func(ctx context.Context, e *circuit.Engine) (any, error) {
				v, err := e.GetVoucherStatus(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return newVoucherStatus(v), nil
			})
		},
	})
	return cmd
}

func certsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Skill certification commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending [skill...]",
		Short: "List open certification requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(cmd, func(ctx context.Context, e *circuit.Engine) (any, error) {
				return e.ListPendingCertifications(ctx, args)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "attest <request-id> <attester>",
		Short: "Attest a certification request as a local identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithEngine(cmd, func(ctx context.Context, e *circuit.Engine) (any, error) {
				att, err := e.Attest(ctx, args[0], args[1])
				if err != nil {
					return nil, err
				}
				slog.Info("attestation published", "event", att.EventID)
				return att, nil
			})
		},
	})
	return cmd
}
