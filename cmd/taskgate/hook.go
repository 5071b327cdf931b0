package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskgate/internal/hooks"
)

// maxHookPayload bounds what the bridge reads from stdin.
const maxHookPayload = 1 << 20

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Claude Code hook bridge",
	Long: `Forward a Claude Code hook payload from stdin to the taskgate daemon and
print the daemon's answer on stdout.

When the daemon cannot be reached, task creation and task start are denied
and every other event passes through.

Configure it in .claude/settings.json for the PreToolUse (matcher
"TaskCreate|TaskUpdate"), SessionStart and SessionEnd events:

  {"type": "command", "command": "taskgate hook"}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			// Without config the default daemon URL is still worth trying.
			fmt.Fprintf(os.Stderr, "taskgate: %v\n", err)
			return runHookBridge(cmd.Context(), http.DefaultClient, "http://127.0.0.1:9191", cmd.InOrStdin(), cmd.OutOrStdout())
		}
		client := &http.Client{Timeout: cfg.Hooks.Timeout.Duration()}
		return runHookBridge(cmd.Context(), client, cfg.Hooks.DaemonURL, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

// runHookBridge posts one hook payload to the daemon. It writes a hook
// answer to stdout in every case so the host never sees a bridge failure.
func runHookBridge(ctx context.Context, client *http.Client, daemonURL string, stdin io.Reader, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := io.ReadAll(io.LimitReader(stdin, maxHookPayload))
	if err != nil {
		return writeHookOutput(stdout, hooks.Unavailable(nil, err))
	}
	in, decodeErr := hooks.DecodeClaude(payload)
	if decodeErr != nil {
		in = nil
	}

	out, err := forwardHook(ctx, client, strings.TrimRight(daemonURL, "/")+"/api/v1/hooks/claude", payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskgate: %v\n", err)
		return writeHookOutput(stdout, hooks.Unavailable(in, err))
	}
	_, err = stdout.Write(out)
	return err
}

func forwardHook(ctx context.Context, client *http.Client, url string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHookPayload))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func writeHookOutput(w io.Writer, out *hooks.ClaudeOutput) error {
	return json.NewEncoder(w).Encode(out)
}
