// Package main is the entry point for the tiergate gateway and its CLI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cortexhub/tiergate/internal/config"
	"github.com/cortexhub/tiergate/internal/logging"
)

var version = "0.1.0"

// cli holds state shared by every subcommand.
type cli struct {
	cfgPath    string
	gatewayURL string
	logLevel   string

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "tiergate",
		Short: "tiergate - routing gateway for a three-tier summarization mesh",
		Long: `tiergate classifies questions by complexity, routes them to the
summarization tier best suited to answer, and falls back to the other
tiers when a node fails. It also drives the ingest pipeline and
watches node health.

Run the gateway:     tiergate serve
Ask a question:      tiergate query "summarize the report"
Run the pipeline:    tiergate ingest
Watch the mesh:      tiergate watch`,
		SilenceUsage:      true,
		PersistentPreRunE: c.init,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logCloser != nil {
				c.logCloser.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.cfgPath, "config", "", "config file path (default ./tiergate.yaml or ~/.tiergate/tiergate.yaml)")
	rootCmd.PersistentFlags().StringVar(&c.gatewayURL, "gateway", "", "gateway base URL for client commands (default from server config)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tiergate v%s\n", version)
		},
	})

	rootCmd.AddCommand(c.serveCmd())
	rootCmd.AddCommand(c.queryCmd())
	rootCmd.AddCommand(c.ingestCmd())
	rootCmd.AddCommand(c.healthCmd())
	rootCmd.AddCommand(c.statsCmd())
	rootCmd.AddCommand(c.watchCmd())
	rootCmd.AddCommand(c.configCmd())

	return rootCmd
}

// init loads configuration and sets up logging before any subcommand runs.
func (c *cli) init(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	c.cfg = cfg

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	c.logger = logger
	c.logCloser = closer
	return nil
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := c.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	})

	return cmd
}
