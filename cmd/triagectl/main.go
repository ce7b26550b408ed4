// triagectl is the operator CLI for the triage engine's reviewer API:
// list pending approvals, resolve them, and inspect sessions.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/avoline/triage/common/environment"
	"github.com/avoline/triage/common/version"
)

var (
	serverURL     string
	reviewerToken string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "triagectl",
	Short: "Operator CLI for the triage engine",
	Long: `triagectl talks to a running triage engine over its reviewer API.

Quick start:
  triagectl approvals list                      # pending tool approvals
  triagectl approvals resolve <id> --approve    # let a gated tool run
  triagectl approvals resolve <id> --reject     # escalate to a human instead
  triagectl session show <id>                   # full session timeline
  triagectl audit tail                          # recent audit entries
  triagectl status                              # service health

The server address and reviewer token come from --server / --token or the
TRIAGE_SERVER and TRIAGE_REVIEWER_TOKEN environment variables.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version.Version, version.GitCommit, version.BuildTime),
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Work with pending tool approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tool executions waiting for a reviewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Approvals []struct {
				ID          string          `json:"id"`
				SessionID   string          `json:"session_id"`
				Tool        string          `json:"tool"`
				Input       json.RawMessage `json:"input"`
				RequestedAt time.Time       `json:"requested_at"`
				ExpiresAt   time.Time       `json:"expires_at"`
			} `json:"approvals"`
		}
		if err := apiGet("/approvals?status=pending", &resp); err != nil {
			return err
		}
		if len(resp.Approvals) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTOOL\tSESSION\tINPUT\tEXPIRES")
		for _, a := range resp.Approvals {
			expires := "-"
			if !a.ExpiresAt.IsZero() {
				expires = time.Until(a.ExpiresAt).Round(time.Minute).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Tool, a.SessionID, compactJSON(a.Input), expires)
		}
		return w.Flush()
	},
}

var (
	resolveApprove bool
	resolveReject  bool
	resolveBy      string
	resolveReason  string
)

var approvalsResolveCmd = &cobra.Command{
	Use:   "resolve <execution-id>",
	Short: "Approve or reject a pending tool execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if resolveApprove == resolveReject {
			return fmt.Errorf("pass exactly one of --approve or --reject")
		}
		outcome := "approved"
		if resolveReject {
			outcome = "rejected"
		}

		body := map[string]string{
			"outcome":     outcome,
			"resolved_by": resolveBy,
			"reason":      resolveReason,
		}
		var resp struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := apiPost("/approvals/"+args[0]+"/resolve", body, &resp); err != nil {
			return err
		}
		fmt.Printf("Execution %s is now %s.\n", resp.ID, resp.Status)
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect triage sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-or-conversation-id>",
	Short: "Show a session's transcript, decisions, and tool executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sess struct {
			ID             string  `json:"id"`
			ConversationID string  `json:"conversation_id"`
			State          string  `json:"state"`
			Category       string  `json:"category"`
			Confidence     float64 `json:"confidence"`
			Cycle          int     `json:"cycle"`
			Messages       []struct {
				Seq  int    `json:"seq"`
				Role string `json:"role"`
				Body string `json:"body"`
			} `json:"messages"`
			Decisions []struct {
				Cycle   int     `json:"cycle"`
				Outcome string  `json:"outcome"`
				Reason  string  `json:"reason"`
				CostUSD float64 `json:"cost_usd"`
			} `json:"decisions"`
			Executions []struct {
				ID     string `json:"id"`
				Cycle  int    `json:"cycle"`
				Tool   string `json:"tool"`
				Status string `json:"status"`
			} `json:"executions"`
		}
		if err := apiGet("/sessions/"+args[0], &sess); err != nil {
			return err
		}

		fmt.Printf("Session %s (conversation %s)\n", sess.ID, sess.ConversationID)
		fmt.Printf("State: %s  Category: %s (%.2f)  Cycle: %d\n\n",
			sess.State, sess.Category, sess.Confidence, sess.Cycle)

		fmt.Println("Transcript:")
		for _, m := range sess.Messages {
			fmt.Printf("  %3d %-9s %s\n", m.Seq, m.Role, m.Body)
		}

		if len(sess.Executions) > 0 {
			fmt.Println("\nTool executions:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tCYCLE\tTOOL\tSTATUS")
			for _, e := range sess.Executions {
				fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n", e.ID, e.Cycle, e.Tool, e.Status)
			}
			w.Flush()
		}

		if len(sess.Decisions) > 0 {
			fmt.Println("\nDecisions:")
			for _, d := range sess.Decisions {
				fmt.Printf("  cycle %d: %s ($%.4f): %s\n", d.Cycle, d.Outcome, d.CostUSD, d.Reason)
			}
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditTailLimit int

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries across all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Entries []struct {
				Timestamp time.Time `json:"ts"`
				TraceID   string    `json:"trace_id"`
				Actor     string    `json:"actor"`
				Action    string    `json:"action"`
				Target    string    `json:"target"`
				Result    string    `json:"result"`
			} `json:"entries"`
		}
		if err := apiGet(fmt.Sprintf("/audit?limit=%d", auditTailLimit), &resp); err != nil {
			return err
		}
		if len(resp.Entries) == 0 {
			fmt.Println("Audit log is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET\tRESULT\tTRACE")
		for _, e := range resp.Entries {
			target := e.Target
			if target == "" {
				target = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, target, e.Result, e.TraceID)
		}
		return w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service health and session counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status           string         `json:"status"`
			Version          string         `json:"version"`
			UptimeSecs       float64        `json:"uptime_seconds"`
			Sessions         map[string]int `json:"sessions"`
			PendingApprovals int            `json:"pending_approvals"`
		}
		if err := apiGet("/status", &resp); err != nil {
			return err
		}
		fmt.Printf("Status: %s (version %s, up %s)\n",
			resp.Status, resp.Version, time.Duration(resp.UptimeSecs*float64(time.Second)).Round(time.Second))
		fmt.Printf("Pending approvals: %d\n", resp.PendingApprovals)
		if len(resp.Sessions) > 0 {
			fmt.Println("Sessions:")
			for state, n := range resp.Sessions {
				fmt.Printf("  %-16s %d\n", state, n)
			}
		}
		return nil
	},
}

// apiGet performs an authenticated GET against the reviewer API.
func apiGet(path string, out any) error {
	return apiDo(http.MethodGet, path, nil, out)
}

// apiPost performs an authenticated JSON POST against the reviewer API.
func apiPost(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return apiDo(http.MethodPost, path, bytes.NewReader(data), out)
}

func apiDo(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if reviewerToken != "" {
		req.Header.Set("Authorization", "Bearer "+reviewerToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// compactJSON renders a raw JSON value on one line for table output.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "-"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		environment.StringOr("TRIAGE_SERVER", "http://localhost:8080"),
		"Base URL of the triage engine")
	rootCmd.PersistentFlags().StringVar(&reviewerToken, "token",
		environment.StringOr("TRIAGE_REVIEWER_TOKEN", ""),
		"Reviewer bearer token")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	approvalsResolveCmd.Flags().BoolVar(&resolveApprove, "approve", false, "Approve the execution")
	approvalsResolveCmd.Flags().BoolVar(&resolveReject, "reject", false, "Reject the execution")
	approvalsResolveCmd.Flags().StringVar(&resolveBy, "by",
		environment.StringOr("USER", "reviewer"), "Reviewer identity recorded with the resolution")
	approvalsResolveCmd.Flags().StringVar(&resolveReason, "reason", "", "Optional reason")

	auditTailCmd.Flags().IntVar(&auditTailLimit, "limit", 50, "Maximum entries to show")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsResolveCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	auditCmd.AddCommand(auditTailCmd)
	rootCmd.AddCommand(approvalsCmd, sessionCmd, auditCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
