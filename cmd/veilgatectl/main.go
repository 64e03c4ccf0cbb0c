// Package main is the entry point for the veilgatectl binary.
// It provides a CLI for operating a running veilgate instance through its
// admin API: kill switch control, audit queries and operational stats.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const defaultAdminAddr = "http://localhost:9090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "veilgatectl",
		Short: "Operate a running veilgate instance",
		Long: `veilgatectl talks to the veilgate admin API.

Example:
  veilgatectl killswitch on --reason "incident-42" --actor oncall
  veilgatectl audit --principal team-x --min-severity WARNING
  veilgatectl stats`,
	}

	rootCmd.PersistentFlags().StringP("addr", "a", defaultAdminAddr, "Admin API base URL")

	rootCmd.AddCommand(newKillSwitchCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newStatsCmd())

	return rootCmd
}

func newKillSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "killswitch [on|off]",
		Short:     "Engage or release the global kill switch",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE:      runKillSwitch,
	}

	cmd.Flags().String("reason", "", "Reason for activation (required for on)")
	cmd.Flags().String("actor", "", "Operator identity recorded in the audit log")

	return cmd
}

func runKillSwitch(cmd *cobra.Command, args []string) error {
	active := args[0] == "on"
	reason, _ := cmd.Flags().GetString("reason")
	actor, _ := cmd.Flags().GetString("actor")

	if active && reason == "" {
		return fmt.Errorf("--reason is required to activate the kill switch")
	}

	body, err := json.Marshal(map[string]any{
		"active": active,
		"reason": reason,
		"actor":  actor,
	})
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	return callAdmin(cmd.OutOrStdout(), http.MethodPost, addr+"/admin/killswitch", bytes.NewReader(body))
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query audit events",
		RunE:  runAudit,
	}

	cmd.Flags().String("principal", "", "Filter by principal ID")
	cmd.Flags().String("min-severity", "", "Minimum severity (INFO, WARNING, ERROR, CRITICAL)")
	cmd.Flags().String("since", "", "Only events at or after this RFC3339 timestamp")
	cmd.Flags().Int("limit", 50, "Maximum number of events")

	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	params := url.Values{}
	if v, _ := cmd.Flags().GetString("principal"); v != "" {
		params.Set("principal_id", v)
	}
	if v, _ := cmd.Flags().GetString("min-severity"); v != "" {
		params.Set("min_severity", v)
	}
	if v, _ := cmd.Flags().GetString("since"); v != "" {
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("invalid --since timestamp: %w", err)
		}
		params.Set("since", v)
	}
	if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
		params.Set("limit", strconv.Itoa(v))
	}

	addr, _ := cmd.Flags().GetString("addr")
	target := addr + "/admin/audit"
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return callAdmin(cmd.OutOrStdout(), http.MethodGet, target, nil)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show rate-limit, breaker and spend state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return callAdmin(cmd.OutOrStdout(), http.MethodGet, addr+"/admin/stats", nil)
		},
	}
}

// callAdmin performs the request and pretty-prints the JSON response.
func callAdmin(out io.Writer, method, target string, body io.Reader) error {
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("admin API call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read admin response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, _ = out.Write(data)
		return nil
	}
	_, _ = fmt.Fprintln(out, pretty.String())
	return nil
}
