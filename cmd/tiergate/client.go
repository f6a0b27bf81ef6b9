package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexhub/tiergate/internal/server"
	"github.com/cortexhub/tiergate/internal/tui"
)

// baseURL resolves the gateway address for client commands.
func (c *cli) baseURL() string {
	if c.gatewayURL != "" {
		return c.gatewayURL
	}
	host := c.cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.cfg.Server.Port)
}

func (c *cli) client(timeout time.Duration) *server.Client {
	return server.NewClient(c.baseURL(), timeout)
}

func (c *cli) queryCmd() *cobra.Command {
	var (
		target    string
		topK      int
		maxTokens int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask the gateway a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := server.QueryRequest{
				Question:        strings.Join(args, " "),
				TopK:            topK,
				MaxOutputTokens: maxTokens,
				TargetServer:    target,
			}
			resp, err := c.client(c.cfg.Timeouts.Query*4).Query(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printAnswer(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "route to this node id instead of classifying")
	cmd.Flags().IntVar(&topK, "top-k", 0, "retrieval depth (default from the serving node)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "answer token budget (default from the serving node)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func printAnswer(w io.Writer, resp *server.QueryResponse) {
	ri := resp.RoutingInfo
	fmt.Fprintln(w, resp.Answer)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "complexity: %s (%.2f)\n", ri.Complexity, ri.Confidence)
	fmt.Fprintf(w, "primary:    %s\n", ri.PrimaryServer)
	if ri.FallbackUsed {
		fmt.Fprintf(w, "served by:  %s (fallback: %s)\n", ri.FallbackServer, ri.FallbackReason)
	}
	fmt.Fprintf(w, "top_k:      %d\n", resp.UsedTopK)
	if len(resp.Citations) > 0 {
		fmt.Fprintf(w, "citations:  %d\n", len(resp.Citations))
	}
}

func (c *cli) ingestCmd() *cobra.Command {
	var (
		stage       string
		targetRatio float64
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the ingest pipeline, or one stage of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw := c.client(server.WriteTimeout(c.cfg.Timeouts))
			out := cmd.OutOrStdout()

			if stage != "" {
				rep, err := gw.RunStage(cmd.Context(), stage)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, rep)
				}
				printStage(out, *rep)
				return nil
			}

			body := map[string]any{}
			if targetRatio > 0 {
				body["target_ratio"] = targetRatio
			}
			resp, err := gw.Ingest(cmd.Context(), body)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "run %s: %s\n", resp.RunID, resp.OverallStatus)
			for _, s := range resp.Stages {
				printStage(out, s)
			}
			if resp.OverallStatus != "success" {
				return fmt.Errorf("pipeline finished %s", resp.OverallStatus)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "run only summarize_l1 or summarize_l2")
	cmd.Flags().Float64Var(&targetRatio, "target-ratio", 0, "compression ratio passed to the ingest stage")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func printStage(w io.Writer, s server.StageReport) {
	line := fmt.Sprintf("  %-13s %-8s %-8s %6dms", s.Name, s.Node, s.Status, s.DurationMS)
	if s.Detail != "" {
		line += "  " + s.Detail
	}
	fmt.Fprintln(w, line)
}

func (c *cli) healthCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show mesh health as seen by the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := c.client(c.cfg.Timeouts.Health * 2).SystemHealth(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), doc)
			}
			printHealth(cmd.OutOrStdout(), doc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func printHealth(w io.Writer, doc *server.SystemHealth) {
	fmt.Fprintf(w, "mesh: %s (%d/%d healthy)\n", doc.OverallHealth, doc.HealthyCount, doc.TotalCount)
	ids := make([]string, 0, len(doc.Servers))
	for id := range doc.Servers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return doc.Servers[ids[i]].Tier < doc.Servers[ids[j]].Tier })
	for _, id := range ids {
		n := doc.Servers[id]
		state := "down"
		if n.Reachable {
			state = "up"
		}
		fmt.Fprintf(w, "  %-10s tier %d  %-4s %5dms\n", id, n.Tier, state, n.LatencyMS)
	}
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-node stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := c.client(c.cfg.Timeouts.Health * 2).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live mesh health dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run(c.client(c.cfg.Timeouts.Health*2), c.baseURL(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
