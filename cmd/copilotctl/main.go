// Copyright (c) 2026 John Earle
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

// ExecPilot operator CLI
//
// One-shot sync, update refresh, and classification against the configured
// store, without running the service.
//
// Usage:
//
//	go run ./cmd/copilotctl/ sync --tenant <id> [--provider github]
//	go run ./cmd/copilotctl/ refresh --tenant <id>
//	go run ./cmd/copilotctl/ runs --tenant <id> [--limit 20]
//	go run ./cmd/copilotctl/ classify --title "Roadmap review" --attendees 4
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/execpilot/core/internal/classifier"
	"github.com/execpilot/core/internal/config"
	"github.com/execpilot/core/internal/textgen"
)

var (
	tenantFlag string
	rootCmd    = &cobra.Command{
		Use:           "copilotctl",
		Short:         "Operator CLI for the ExecPilot sync core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	// Logs go to stderr so stdout stays machine-readable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// sync
	var providerFlag string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			report := app.orchestrator.Sync(ctx, tenantFlag, providerFlag)
			if err := printJSON(os.Stdout, report); err != nil {
				return err
			}
			if !report.Success {
				return fmt.Errorf("sync finished with failed providers")
			}
			return nil
		},
	}
	syncCmd.Flags().StringVarP(&tenantFlag, "tenant", "t", "", "Tenant ID (required)")
	syncCmd.Flags().StringVarP(&providerFlag, "provider", "p", "", "Only sync this provider")
	_ = syncCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(syncCmd)

	// refresh
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the update feed for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			return printJSON(os.Stdout, app.aggregator.Refresh(ctx, tenantFlag))
		},
	}
	refreshCmd.Flags().StringVarP(&tenantFlag, "tenant", "t", "", "Tenant ID (required)")
	_ = refreshCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(refreshCmd)

	// runs
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			runs, err := app.store.ListSyncRuns(ctx, tenantFlag, limit)
			if err != nil {
				return fmt.Errorf("list sync runs: %w", err)
			}
			return printJSON(os.Stdout, runs)
		},
	}
	runsCmd.Flags().StringVarP(&tenantFlag, "tenant", "t", "", "Tenant ID (required)")
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list")
	_ = runsCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(runsCmd)

	// classify
	var ec classifier.EventContext
	var rulesOnly bool
	classifyCmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a calendar entry as meeting or task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var gen textgen.Generator
			if !rulesOnly {
				if cfg, err := config.Load(); err == nil {
					gen = textgen.FromConfig(cfg.AI)
				} else {
					slog.Warn("configuration unavailable, classifying with rules only", "error", err)
				}
			}
			return runClassify(ctx, os.Stdout, gen, ec)
		},
	}
	classifyCmd.Flags().StringVar(&ec.Title, "title", "", "Event title (required)")
	classifyCmd.Flags().StringVar(&ec.Description, "description", "", "Event description")
	classifyCmd.Flags().IntVar(&ec.AttendeeCount, "attendees", 0, "Number of distinct attendees")
	classifyCmd.Flags().BoolVar(&ec.HasConferenceLink, "conference", false, "Event has a video conference link")
	classifyCmd.Flags().BoolVar(&ec.IsSelfOrganized, "self", false, "Event was organized by the owner")
	classifyCmd.Flags().IntVar(&ec.DurationMinutes, "duration", 0, "Duration in minutes")
	classifyCmd.Flags().BoolVar(&rulesOnly, "rules-only", false, "Skip the AI tier")
	_ = classifyCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(classifyCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runClassify(ctx context.Context, w io.Writer, gen textgen.Generator, ec classifier.EventContext) error {
	v := classifier.New(gen).Classify(ctx, ec)
	return printJSON(w, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
