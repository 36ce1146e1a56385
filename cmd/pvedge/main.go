package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/pvedge/internal/client"
	"github.com/stellarlinkco/pvedge/internal/config"
	"github.com/stellarlinkco/pvedge/internal/cron"
	"github.com/stellarlinkco/pvedge/internal/gateway"
	"github.com/stellarlinkco/pvedge/internal/lifecycle"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/manifest"
	"github.com/stellarlinkco/pvedge/internal/partition"
	"github.com/stellarlinkco/pvedge/internal/telemetry"
)

const serviceName = "pvedge"

var agentAddr string

var rootCmd = &cobra.Command{
	Use:   "pvedge",
	Short: "pvedge - offline cache agent for the game-pv arcade",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy in front of the arcade",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write a default config and asset manifest",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, stored partitions and job history",
	RunE:  runStatus,
}

var preloadCmd = &cobra.Command{
	Use:   "preload <gameId>",
	Short: "Ask a running agent to cache a game",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreload,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ask a running agent to refetch every partition",
	RunE:  runRefresh,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show a running agent's health",
	RunE:  runHealth,
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Inspect and maintain the partition store",
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stale partitions and trim the game partition",
	RunE:  runPrune,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentAddr, "agent", "", "base URL of a running agent (default from config)")
	partitionsCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, preloadCmd, refreshCmd, healthCmd, partitionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := commandContext(cmd)
	shutdown, err := telemetry.Setup(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	manifestPath := filepath.Join(cfgDir, "manifest.yaml")
	if err := writeIfNotExists(out, manifestPath, manifest.DefaultYAML()); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		cfg := config.DefaultConfig()
		cfg.Agent.ManifestPath = manifestPath
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := writeIfNotExists(out, cfgPath, data); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Point agent.upstream in %s at the arcade build\n", cfgPath)
	fmt.Fprintln(out, "  2. Run: pvedge serve")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Version: %s\n", cfg.Agent.Version)
	fmt.Fprintf(out, "Upstream: %s\n", cfg.Agent.Upstream)
	fmt.Fprintf(out, "Listen: %s\n", net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)))
	if cfg.Agent.ManifestPath != "" {
		fmt.Fprintf(out, "Manifest: %s\n", cfg.Agent.ManifestPath)
	} else {
		fmt.Fprintln(out, "Manifest: built-in")
	}

	switch {
	case cfg.Storage.Driver == config.DriverMemory:
		fmt.Fprintln(out, "Store: memory (nothing persisted)")
	case !exists(cfg.Storage.DBPath):
		fmt.Fprintf(out, "Store: %s (not created yet)\n", cfg.Storage.DBPath)
	default:
		fmt.Fprintf(out, "Store: %s\n", cfg.Storage.DBPath)
		if err := printPartitions(commandContext(cmd), out, cfg); err != nil {
			fmt.Fprintf(out, "  error: %v\n", err)
		}
	}

	states, err := cron.LoadState(config.JobStatePath())
	if err != nil {
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
		return nil
	}
	if len(states) == 0 {
		fmt.Fprintln(out, "Jobs: never run")
		return nil
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "Jobs:")
	for _, name := range names {
		st := states[name]
		line := fmt.Sprintf("  %s: %s, %d runs, last %s", name, st.LastStatus, st.Runs,
			time.UnixMilli(st.LastRunAtMs).Format(time.RFC3339))
		if st.LastError != "" {
			line += " (" + st.LastError + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func printPartitions(ctx context.Context, out io.Writer, cfg *config.Config) error {
	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := store.ActiveVersion(ctx)
	if err != nil {
		return err
	}
	if active == "" {
		fmt.Fprintln(out, "Active version: none")
	} else {
		fmt.Fprintf(out, "Active version: %s\n", active)
	}

	names, err := store.List(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := store.Open(ctx, name)
		if err != nil {
			return err
		}
		n, err := p.Len(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s: %d entries\n", name, n)
	}
	return nil
}

func runPreload(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	reply, err := c.PreloadGame(commandContext(cmd), args[0])
	if errors.Is(err, client.ErrNoReply) {
		return fmt.Errorf("game %q is not in the agent's manifest", strings.TrimSpace(args[0]))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Preloaded %s\n", reply.GameID)
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	reply, err := c.ForceUpdate(commandContext(cmd))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply.Message)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	h, err := c.Health(commandContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", h.Status)
	fmt.Fprintf(out, "State: %s\n", h.State)
	fmt.Fprintf(out, "Version: %s\n", h.Version)
	if h.ActiveVersion != "" {
		fmt.Fprintf(out, "Active version: %s\n", h.ActiveVersion)
	}
	names := make([]string, 0, len(h.Entries))
	for name := range h.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %d entries\n", name, h.Entries[name])
	}
	return nil
}

// runPrune works on the store directly, so it is meant for a stopped agent
// or a shared sqlite file.
func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ctx := commandContext(cmd)

	store, err := gateway.OpenStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	level, _ := logging.ParseLevel(cfg.Log.Level)
	ctrl := lifecycle.New(lifecycle.Config{
		Store:          store,
		Prefix:         cfg.Agent.Prefix,
		Version:        cfg.Agent.Version,
		MaxGameEntries: cfg.Eviction.MaxGameEntries,
		EvictCount:     cfg.Eviction.EvictCount,
		Logger:         logging.New(cmd.ErrOrStderr(), level, cfg.Log.NoColor),
	})
	if err := ctrl.Restore(ctx); err != nil {
		return err
	}
	res, err := ctrl.Prune(ctx)
	if errors.Is(err, lifecycle.ErrNotActive) {
		fmt.Fprintln(cmd.OutOrStdout(), "No active version; nothing to prune")
		return nil
	}
	out := cmd.OutOrStdout()
	for _, name := range res.Deleted {
		fmt.Fprintf(out, "Deleted %s\n", name)
	}
	for _, name := range res.FailedDeletes {
		fmt.Fprintf(out, "Could not delete %s\n", name)
	}
	fmt.Fprintf(out, "Evicted %d entries from %s\n", res.Evicted,
		partition.Name(cfg.Agent.Prefix, partition.Games, res.Version))
	return err
}

func newClient() (*client.Client, error) {
	addr := agentAddr
	if addr == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		addr = defaultAgentURL(cfg.Gateway)
	}
	return client.New(addr, nil)
}

// defaultAgentURL maps a wildcard listen address to loopback.
func defaultAgentURL(gw config.GatewayConfig) string {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(gw.Port))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeIfNotExists(out io.Writer, path string, content []byte) error {
	if exists(path) {
		return nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(out, "  Created: %s\n", path)
	return nil
}
