// SmartSensors: air-quality sensor node and collector.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/vesaa/smartsensors/internal/agent"
	"github.com/vesaa/smartsensors/internal/buffer"
	"github.com/vesaa/smartsensors/internal/config"
	"github.com/vesaa/smartsensors/internal/logging"
	"github.com/vesaa/smartsensors/internal/server"
)

const asciiLogo = `
  ___                  _   ___
 / __|_ __  __ _ _ _| |_/ __| ___ _ _  ___ ___ _ _ ___
 \__ \ '  \/ _' | '_|  _\__ \/ -_) ' \(_-</ _ \ '_(_-<
 |___/_|_|_\__,_|_|  \__|___/\___|_||_/__/\___/_| /__/
`

const version = "v1.0.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo + "\n")
	fmt.Printf("  ► SmartSensors %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "smartsensors",
		Short: "SmartSensors: air-quality sensor node and collector",
		Long: `SmartSensors samples ZE40 (TVOC), ZPHS01B (multi-gas), MR007 (LEL) and
ME4-SO2 sensors on an embedded Linux node, serves a local dashboard and
forwards readings to a collector, buffering them on disk while offline.`,
		SilenceUsage: true,
	}

	root.AddCommand(nodeCmd(), collectorCmd(), bufferCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ── node subcommand ───────────────────────────────────────────────────────────

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the sensor node: sampling, local dashboard and uplink",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("NODE")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// CLI flags override config values.
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.HTTPPort = port
			}
			if name, _ := cmd.Flags().GetString("device"); name != "" {
				cfg.DeviceName = name
			}
			if url, _ := cmd.Flags().GetString("uplink"); url != "" {
				cfg.Uplink.URL = url
			}
			if mode, _ := cmd.Flags().GetString("uplink-mode"); mode != "" {
				cfg.Uplink.Mode = mode
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(cfg, version, "smartsensors-node")
			ctx, stop := signalContext()
			defer stop()

			node, err := agent.NewNode(ctx, cfg, clockwork.NewRealClock(), log)
			if err != nil {
				return err
			}
			defer func() {
				if err := node.Close(); err != nil {
					log.Warn("closing node", "error", err)
				}
			}()

			gin.SetMode(gin.ReleaseMode)
			addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
			dash := server.NewDashboard(node, server.DashboardOptions{
				Addr:       addr,
				DeviceName: cfg.DeviceName,
				Auth:       server.NewAuth(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPass, cfg.APIToken),
			}, log)

			fmt.Printf("  ✓ Dashboard → http://%s\n", addr)
			fmt.Printf("  ✓ Uplink    → %s (%s)\n", cfg.Uplink.URL, cfg.Uplink.Mode)
			fmt.Printf("  ✓ Buffer    → %s\n\n", cfg.Buffer.Path)

			err = node.Run(ctx, dash.Run)
			fmt.Println("\n  → Shutting down gracefully…")
			return err
		},
	}
	cmd.Flags().Int("port", 0, "Dashboard HTTP port (overrides config)")
	cmd.Flags().String("device", "", "Device name reported with every upload")
	cmd.Flags().String("uplink", "", "Collector URL, e.g. http://192.168.1.10:8000/api/sensors")
	cmd.Flags().String("uplink-mode", "", "Uplink transport: http | mqtt | none")
	return cmd
}

// ── collector subcommand ──────────────────────────────────────────────────────

func collectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run the collector that stores node uploads in SQLite",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("COLLECTOR")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.Collector.Port = port
			}
			if path, _ := cmd.Flags().GetString("db"); path != "" {
				cfg.Collector.DBPath = path
			}

			log := logging.New(cfg, version, "smartsensors-collector")
			db, err := server.OpenDB(cfg.Collector.DBPath)
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			log.Info("database opened", "path", cfg.Collector.DBPath)

			gin.SetMode(gin.ReleaseMode)
			addr := fmt.Sprintf("%s:%d", cfg.Collector.Host, cfg.Collector.Port)
			col := server.NewCollector(db, server.CollectorOptions{
				Addr:       addr,
				AgentToken: cfg.Collector.AgentToken,
				History:    cfg.Collector.History,
			}, log)

			fmt.Printf("  ✓ Ingest  → http://%s/api/sensors\n", addr)
			fmt.Printf("  ✓ History → http://%s/data\n\n", addr)

			ctx, stop := signalContext()
			defer stop()
			return col.Run(ctx)
		},
	}
	cmd.Flags().Int("port", 0, "Collector HTTP port (overrides config)")
	cmd.Flags().String("db", "", "SQLite database path (overrides config)")
	return cmd
}

// ── buffer subcommands ────────────────────────────────────────────────────────

func bufferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect or clear the node's offline buffer",
		Long: `Inspect or clear the node's offline buffer file.

The buffer is only locked inside the node process. Stop the node before
running these commands, or a concurrent drain may resend or lose entries.`,
	}
	cmd.PersistentFlags().String("path", "", "Buffer file (overrides config)")

	open := func(cmd *cobra.Command) (*buffer.Buffer, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path := cfg.Buffer.Path
		if p, _ := cmd.Flags().GetString("path"); p != "" {
			path = p
		}
		return buffer.Open(afero.NewOsFs(), path, buffer.Options{
			MaxEntries: cfg.Buffer.MaxEntries,
			MaxBytes:   cfg.Buffer.MaxBytes,
		})
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print buffer usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd)
			if err != nil {
				return err
			}
			st, err := b.Status()
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d/%d entries, %d/%d bytes (%d%%)\n",
				st.Path, st.Entries, st.MaxEntries, st.SizeBytes, st.MaxBytes, st.UsagePercent)
			return nil
		},
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print buffered entries, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			entries, err := b.Read(limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	dump.Flags().Int("limit", 0, "Maximum entries to print (0 = all)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every buffered entry",
		Long: `Discard every buffered entry. The node must be stopped first: a running
node only serialises its own access and may rewrite the file concurrently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd)
			if err != nil {
				return err
			}
			if err := b.Clear(); err != nil {
				return err
			}
			fmt.Printf("  ✓ %s cleared\n", b.Path())
			return nil
		},
	}

	cmd.AddCommand(status, dump, clearCmd)
	return cmd
}

// ── version subcommand ────────────────────────────────────────────────────────

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print SmartSensors version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SmartSensors %s\n", version)
		},
	}
}
