// QlikClaw - Qlik Sense engine tools for MCP clients
// License: MIT
//
// Copyright (c) 2026 QlikClaw contributors

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/freitascorp/qlikclaw/pkg/audit"
	"github.com/freitascorp/qlikclaw/pkg/engine"
	"github.com/freitascorp/qlikclaw/pkg/httpapi"
	"github.com/freitascorp/qlikclaw/pkg/logger"
	"github.com/freitascorp/qlikclaw/pkg/mcp"
	"github.com/freitascorp/qlikclaw/pkg/repository"
	"github.com/freitascorp/qlikclaw/pkg/runbook"
)

// ------------------------------------------------------------------
// Global flags
// ------------------------------------------------------------------

var (
	flagConfig  string
	flagEnvFile string
	flagDebug   bool
	flagJSON    bool
)

// withApp loads configuration, wires the runtime and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.ErrorCF("cli", "shutdown failed", map[string]any{"error": err.Error()})
		}
	}()
	return fn(ctx, a)
}

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qlikclaw",
		Short: "Qlik Sense engine tools for MCP clients",
		Long: `qlikclaw exposes a Qlik Sense site to Model Context Protocol clients.

It opens an engine session over WebSocket, reads application metadata from
the Repository API, and offers sheets, scripts, fields, variables and
hypercube queries as read-only tools.

Configuration is read from --config (YAML), then --env-file, then the
environment (QLIK_SERVER_URL, QLIK_API_KEY, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output in JSON format")

	root.AddCommand(
		newServeCmd(),
		newHTTPCmd(),
		newToolsCmd(),
		newCallCmd(),
		newAppsCmd(),
		newStreamsCmd(),
		newAuditCmd(),
		newRunCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// ------------------------------------------------------------------
// `qlikclaw serve`: MCP over stdio
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP stdio server",
		Long: `Start a Model Context Protocol server over stdin/stdout.

Claude Desktop configuration:
  {
    "mcpServers": {
      "qlik": {
        "command": "qlikclaw",
        "args": ["serve"],
        "env": {"QLIK_SERVER_URL": "https://qlik.example.com"}
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				_ = a.audit.LogServe(ctx, "stdio", "")
				a.logger.Info("mcp stdio server starting", "tools", a.registry.Count())
				srv := mcp.NewServer(a.registry, a.logger)
				err := srv.Serve(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

// ------------------------------------------------------------------
// `qlikclaw http`: HTTP front-end
// ------------------------------------------------------------------

func newHTTPCmd() *cobra.Command {
	var (
		flagListen string
		flagToken  string
	)

	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve tools, probes and streamable MCP over HTTP",
		Long: `Start the HTTP front-end.

Routes:
  GET  /health          liveness
  GET  /ready           readiness (engine session, repository circuit)
  GET  /metrics         counters, gauges and histograms
  GET  /tools           tool definitions
  POST /tools/{name}    call a tool with a JSON object body
  /mcp                  streamable MCP endpoint

Examples:
  qlikclaw http
  qlikclaw http --listen 127.0.0.1:9000 --token my-secret-token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if flagListen != "" {
					a.cfg.HTTP.Listen = flagListen
				}
				if flagToken != "" {
					a.cfg.HTTP.AuthToken = flagToken
				}

				checker := a.healthChecker()
				srv, err := httpapi.New(httpapi.Options{
					Addr:        a.cfg.HTTP.Listen,
					Registry:    a.registry,
					Metrics:     a.metrics,
					Health:      checker,
					Version:     version,
					AuthToken:   a.cfg.HTTP.AuthToken,
					TLSCertPath: a.cfg.HTTP.TLSCertPath,
					TLSKeyPath:  a.cfg.HTTP.TLSKeyPath,
					Logger:      a.logger,
				})
				if err != nil {
					return err
				}
				_ = a.audit.LogServe(ctx, "http", a.cfg.HTTP.Listen)
				checker.SetReady(true)
				return srv.Run(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (default from config, :8000)")
	cmd.Flags().StringVar(&flagToken, "token", "", "Bearer token required on /tools and /mcp")
	return cmd
}

// ------------------------------------------------------------------
// `qlikclaw tools` / `qlikclaw call`
// ------------------------------------------------------------------

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the registered tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tools and their descriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ context.Context, a *app) error {
				defs := a.registry.ToProviderDefs()
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), defs)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-26s %s\n", "TOOL", "DESCRIPTION")
				for _, d := range defs {
					fmt.Fprintf(w, "%-26s %s\n", d.Function.Name, firstSentence(d.Function.Description))
				}
				return nil
			})
		},
	})
	return cmd
}

func newCallCmd() *cobra.Command {
	var flagArgs string

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Call one tool and print its result",
		Long: `Call a tool directly, the same way an MCP client would.

Examples:
  qlikclaw call get_apps --args '{"name": "Sales*"}'
  qlikclaw call get_app_field --args '{"app_id": "...", "field_name": "Region"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(flagArgs)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				result := a.registry.Execute(ctx, args[0], toolArgs)
				fmt.Fprintln(cmd.OutOrStdout(), result.ForLLM)
				if result.IsError {
					return fmt.Errorf("tool %s failed", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&flagArgs, "args", "a", "", "Tool arguments as a JSON object")
	return cmd
}

// parseToolArgs decodes a JSON object; empty input means no arguments.
func parseToolArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// ------------------------------------------------------------------
// `qlikclaw apps` / `qlikclaw streams`: Repository API listings
// ------------------------------------------------------------------

func newAppsCmd() *cobra.Command {
	var (
		flagName   string
		flagStream string
		flagLimit  int
		flagOffset int
		flagAll    bool
	)

	cmd := &cobra.Command{
		Use:   "apps",
		Short: "List applications from the Repository API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				filter := repository.AppFilter{Name: flagName, Stream: flagStream}
				if !flagAll {
					published := true
					filter.Published = &published
				}
				list, err := a.repo.ListApplications(ctx, filter, flagOffset, flagLimit)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				printApps(cmd.OutOrStdout(), list, time.Now())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flagName, "name", "", "Name filter (* and % wildcards)")
	cmd.Flags().StringVar(&flagStream, "stream", "", "Stream filter (* and % wildcards)")
	cmd.Flags().IntVar(&flagLimit, "limit", repository.DefaultAppsLimit, "Page size (max 50)")
	cmd.Flags().IntVar(&flagOffset, "offset", 0, "Page offset")
	cmd.Flags().BoolVar(&flagAll, "all", false, "Include unpublished apps")
	return cmd
}

func printApps(w io.Writer, list *repository.AppList, now time.Time) {
	if len(list.Apps) == 0 {
		fmt.Fprintln(w, "No applications found.")
		return
	}
	fmt.Fprintf(w, "%-36s  %-30s %-20s %-16s %s\n", "ID", "NAME", "STREAM", "MODIFIED", "RELOADED")
	for _, app := range list.Apps {
		stream := app.Stream
		if stream == "" {
			stream = "-"
		}
		fmt.Fprintf(w, "%-36s  %-30s %-20s %-16s %s\n",
			app.ID, truncate(app.Name, 30), truncate(stream, 20), relTime(app.ModifiedDate, now), relTime(app.LastReloadTime, now))
	}

	p := list.Pagination
	fmt.Fprintf(w, "\n%d of %d", p.Returned, p.TotalFound)
	if p.HasMore && p.NextOffset != nil {
		fmt.Fprintf(w, " (next: --offset %d)", *p.NextOffset)
	}
	fmt.Fprintln(w)
}

// relTime renders a repository timestamp relative to now, or "-".
func relTime(ts string, now time.Time) string {
	if ts == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil || t.Year() < 1900 {
		return ts
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func newStreamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List publishing streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				streams, err := a.repo.Streams(ctx)
				if err != nil {
					return err
				}
				sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), streams)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-36s  %s\n", "ID", "NAME")
				for _, s := range streams {
					fmt.Fprintf(w, "%-36s  %s\n", s.ID, s.Name)
				}
				return nil
			})
		},
	}
}

// ------------------------------------------------------------------
// `qlikclaw audit`: Audit log queries
// ------------------------------------------------------------------

func newAuditCmd() *cobra.Command {
	var (
		flagUser   string
		flagAction string
		flagSince  string
		flagLimit  int
	)

	cmd := &cobra.Command{
		Use:     "audit",
		Short:   "List recorded tool calls",
		Aliases: []string{"log"},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := audit.QueryOptions{User: flagUser, Action: flagAction, Limit: flagLimit}
			if flagSince != "" {
				dur, err := time.ParseDuration(flagSince)
				if err != nil {
					return fmt.Errorf("invalid --since duration: %w", err)
				}
				opts.Since = time.Now().Add(-dur)
			}

			return withApp(func(ctx context.Context, a *app) error {
				events, err := a.audit.Store().Query(ctx, opts)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(cmd.OutOrStdout(), events)
				}
				printEvents(cmd.OutOrStdout(), events, time.Now())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flagUser, "user", "", "Filter by user")
	cmd.Flags().StringVar(&flagAction, "tool", "", "Filter by tool name")
	cmd.Flags().StringVar(&flagSince, "since", "", "Only events newer than this (e.g. 2h, 24h)")
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "Max events to show")
	return cmd
}

func printEvents(w io.Writer, events []*audit.Event, now time.Time) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No audit events found.")
		return
	}
	fmt.Fprintf(w, "%-16s %-15s %-26s %-36s  %-8s %s\n", "WHEN", "USER", "ACTION", "APP", "STATUS", "DURATION")
	for _, e := range events {
		appID, status, dur := "-", "-", "-"
		if e.Target != nil && e.Target.AppID != "" {
			appID = e.Target.AppID
		}
		if e.Result != nil {
			status = e.Result.Status
			dur = (time.Duration(e.Result.DurationMS) * time.Millisecond).String()
		}
		fmt.Fprintf(w, "%-16s %-15s %-26s %-36s  %-8s %s\n",
			humanize.RelTime(e.Timestamp, now, "ago", "from now"), truncate(e.User, 15), e.Action, appID, status, dur)
	}
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// ------------------------------------------------------------------
// `qlikclaw run`: YAML runbooks of tool calls
// ------------------------------------------------------------------

func newRunCmd() *cobra.Command {
	var (
		flagDryRun bool
		flagVars   []string
	)

	cmd := &cobra.Command{
		Use:   "run <runbook.yaml>",
		Short: "Run a YAML sequence of tool calls",
		Long: `Run a runbook: a YAML file listing tool calls in order. A step can
capture a value from its JSON result for later steps.

  name: sales-script
  vars:
    pattern: Sales*
  steps:
    - name: Find app
      tool: get_apps
      args: {name: "{{ pattern }}", limit: 1}
      capture: app_id
      capture_path: apps.0.guid
    - name: Read script
      tool: get_app_script
      args: {app_id: "{{ app_id }}"}

Examples:
  qlikclaw run sales-script.yaml
  qlikclaw run sales-script.yaml --var pattern=HR* --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rb, err := runbook.LoadRunbook(args[0])
			if err != nil {
				return err
			}
			vars, err := parseVars(flagVars)
			if err != nil {
				return err
			}

			return withApp(func(ctx context.Context, a *app) error {
				result, err := runbook.NewEngine(a.registry).Run(ctx, rb, vars, flagDryRun)
				if result != nil {
					if flagJSON {
						if err := printJSON(cmd.OutOrStdout(), result); err != nil {
							return err
						}
					} else {
						fmt.Fprint(cmd.OutOrStdout(), runbook.FormatResult(result))
					}
				}
				if err != nil {
					return err
				}
				if result.Status != "success" {
					return fmt.Errorf("runbook %s finished with status %s", rb.Name, result.Status)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Show the calls without making them")
	cmd.Flags().StringArrayVar(&flagVars, "var", nil, "Set a runbook variable (name=value), repeatable")
	return cmd
}

// parseVars turns name=value pairs into a map.
func parseVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q, want name=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// ------------------------------------------------------------------
// `qlikclaw check`: connectivity check
// ------------------------------------------------------------------

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and open an engine session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if a.engine != nil {
					host, _ := a.cfg.EngineHost()
					fmt.Fprintf(out, "Engine candidates for %s:%d\n", host, a.cfg.EnginePort)
					for _, c := range engine.Candidates(host, a.cfg.EnginePort) {
						fmt.Fprintf(out, "  %s\n", c.URL)
					}
				} else {
					fmt.Fprintf(out, "Qlik Cloud tenant %s\n", a.cfg.ServerURL)
				}

				ok, checks := a.healthChecker().Run(ctx)
				names := make([]string, 0, len(checks))
				for n := range checks {
					names = append(names, n)
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintf(out, "%-12s %-5s %s\n", n, checks[n].Status, checks[n].Message)
				}
				if !ok {
					return errors.New("one or more checks failed")
				}
				return nil
			})
		},
	}
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// firstSentence trims a tool description for table output.
func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}
