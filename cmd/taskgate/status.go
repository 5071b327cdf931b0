package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	taskhttp "github.com/fyrsmithlabs/taskgate/internal/http"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/service"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	approvedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	blockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	humanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

var (
	// serverURL overrides hooks.daemon_url for the query commands
	serverURL string

	historyTaskID  string
	historyAgent   string
	historyVerdict string
	historyLimit   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show governance counts from the daemon",
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List decisions with their latest verdicts",
	Long: `List decisions with their latest verdicts, newest first.

Examples:
  taskgate history --task 12
  taskgate history --verdict blocked --limit 20`,
	RunE: runHistory,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay incomplete pairing intents",
	Long: `Replay pairing intents left incomplete by a crash. The daemon does this on
startup; run it by hand after restoring the task directory or the store.`,
	RunE: runReconcile,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, historyCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "taskgate daemon URL (default: hooks.daemon_url)")
	}
	historyCmd.Flags().StringVar(&historyTaskID, "task", "", "filter by task id")
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "filter by agent")
	historyCmd.Flags().StringVar(&historyVerdict, "verdict", "", "filter by verdict (approved, blocked, needs_human_review)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum number of decisions")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func daemonURL() (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(cfg.Hooks.DaemonURL, "/"), nil
}

// getJSON decodes a GET response from the daemon into v.
func getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := daemonURL()
	if err != nil {
		return err
	}
	var st service.GovernanceStatus
	if err := getJSON(cmd.Context(), base+"/api/v1/status", &st); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(&st))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	base, err := daemonURL()
	if err != nil {
		return err
	}
	q := url.Values{}
	if historyTaskID != "" {
		q.Set("task_id", historyTaskID)
	}
	if historyAgent != "" {
		q.Set("agent", historyAgent)
	}
	if historyVerdict != "" {
		q.Set("verdict", historyVerdict)
	}
	if historyLimit > 0 {
		q.Set("limit", strconv.Itoa(historyLimit))
	}
	u := base + "/api/v1/decisions"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var resp taskhttp.HistoryResponse
	if err := getJSON(cmd.Context(), u, &resp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderHistory(resp.Decisions))
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer syncLogger(logger)
	zl := logger.Underlying()

	ctx := cmd.Context()
	st, err := store.Open(ctx, &store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout.Duration(),
		MaxRetries:  cfg.Store.MaxRetries,
	}, zl)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			zl.Warn("closing store", zap.Error(err))
		}
	}()
	rt, err := taskrt.NewFileRuntime(cfg.Tasks.Dir, cfg.Tasks.ListID, cfg.Tasks.LockTimeout.Duration(), zl)
	if err != nil {
		return fmt.Errorf("opening task runtime: %w", err)
	}

	report, err := pairing.New(rt, st, zl).Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderReconcile(report))
	return nil
}

func row(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

// countRows renders a count map in key order.
func countRows[K ~string](m map[K]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	rows := make([]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, row("  "+k, m[K(k)]))
	}
	if len(rows) == 0 {
		rows = append(rows, dimStyle.Render("  none"))
	}
	return rows
}

func renderStatus(st *service.GovernanceStatus) string {
	lines := []string{titleStyle.Render("taskgate governance")}
	if st.StatusSummary != nil {
		lines = append(lines,
			row("Decisions", st.Decisions),
			row("Plans", st.Plans),
			row("Completions", st.Completions),
			row("Pending sessions", st.PendingSessions),
		)
		lines = append(lines, titleStyle.Render("Verdicts"))
		lines = append(lines, countRows(st.Verdicts)...)
		lines = append(lines, titleStyle.Render("Governed tasks"))
		lines = append(lines, countRows(st.GovernedTasks)...)
		lines = append(lines, titleStyle.Render("Task reviews"))
		lines = append(lines, countRows(st.TaskReviews)...)
		lines = append(lines, titleStyle.Render("Holistic reviews"))
		lines = append(lines, countRows(st.HolisticReviews)...)
	}
	lines = append(lines, row("Settle jobs pending", st.SettleJobsPending))
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func verdictText(v string) string {
	switch v {
	case "approved":
		return approvedStyle.Render(v)
	case "blocked":
		return blockedStyle.Render(v)
	case "":
		return dimStyle.Render("pending")
	default:
		return humanStyle.Render(v)
	}
}

func renderHistory(entries []store.HistoryEntry) string {
	if len(entries) == 0 {
		return dimStyle.Render("No decisions found.")
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		verdict := ""
		if e.Review != nil {
			verdict = string(e.Review.Verdict)
		}
		fmt.Fprintf(&b, "%s %s  %s\n",
			titleStyle.Render(fmt.Sprintf("task %s #%d", e.Decision.TaskID, e.Decision.Sequence)),
			verdictText(verdict),
			dimStyle.Render(e.Decision.CreatedAt.Local().Format(time.DateTime)))
		fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render(string(e.Decision.Category)+" by "+e.Decision.Agent+":"), e.Decision.Summary)
		if e.Review != nil && e.Review.Guidance != "" {
			fmt.Fprintf(&b, "  %s %s\n", dimStyle.Render("guidance:"), e.Review.Guidance)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderReconcile(r *pairing.ReconcileReport) string {
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("pairing reconcile"),
		row("Examined", r.Examined),
		row("Repaired", r.Repaired),
		row("Closed", r.Closed),
		row("Abandoned", r.Abandoned),
		row("Failed", r.Failed),
	))
}
