package hooks

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// Claude Code hook event and tool names taskgate reacts to.
const (
	claudePreToolUse   = "PreToolUse"
	claudeSessionStart = "SessionStart"
	claudeSessionEnd   = "SessionEnd"

	toolTaskCreate = "TaskCreate"
	toolTaskUpdate = "TaskUpdate"
)

// ClaudeInput is the JSON a Claude Code hook command receives on stdin.
type ClaudeInput struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
}

// taskToolInput covers the TaskCreate and TaskUpdate tool arguments.
type taskToolInput struct {
	TaskID      string         `json:"taskId"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner"`
	Metadata    map[string]any `json:"metadata"`
}

// DecodeClaude decodes Claude Code hook input.
func DecodeClaude(data []byte) (*ClaudeInput, error) {
	var in ClaudeInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, &governance.ValidationError{Field: "hook input", Reason: err.Error()}
	}
	if in.HookEventName == "" {
		return nil, &governance.ValidationError{Field: "hook_event_name", Reason: "is required"}
	}
	return &in, nil
}

// Event maps the input onto a normalized Event. ok is false for events
// taskgate does not intercept.
func (in *ClaudeInput) Event() (ev *Event, ok bool, err error) {
	switch in.HookEventName {
	case claudeSessionStart:
		return &Event{Type: HookSessionStart, SessionID: in.SessionID}, true, nil
	case claudeSessionEnd:
		return &Event{Type: HookSessionEnd, SessionID: in.SessionID}, true, nil
	case claudePreToolUse:
	default:
		return nil, false, nil
	}
	if in.ToolName != toolTaskCreate && in.ToolName != toolTaskUpdate {
		return nil, false, nil
	}

	var args taskToolInput
	if len(in.ToolInput) > 0 {
		if err := json.Unmarshal(in.ToolInput, &args); err != nil {
			return nil, false, &governance.ValidationError{Field: "tool_input", Reason: err.Error()}
		}
	}
	if in.ToolName == toolTaskUpdate {
		if args.Status != "in_progress" {
			return nil, false, nil
		}
		return &Event{Type: HookTaskPreExecute, SessionID: in.SessionID, TaskID: args.TaskID}, true, nil
	}

	ev = &Event{
		Type:        HookTaskCreated,
		SessionID:   in.SessionID,
		Subject:     args.Subject,
		Description: args.Description,
		Owner:       args.Owner,
		Metadata:    args.Metadata,
	}
	if k, _ := args.Metadata[governance.MetadataKindKey].(string); k != "" {
		ev.Kind = governance.TaskKind(k)
	}
	return ev, true, nil
}

// ClaudeOutput is the JSON a Claude Code hook command prints on stdout.
type ClaudeOutput struct {
	SystemMessage      string              `json:"systemMessage,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries the per-event fields of a ClaudeOutput.
type HookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string `json:"additionalContext,omitempty"`
}

// RenderClaude turns a Result into hook output for in. An allowed tool call
// renders no decision so the host's own permission flow still applies.
func RenderClaude(in *ClaudeInput, res *Result) *ClaudeOutput {
	out := &ClaudeOutput{}
	if res == nil {
		return out
	}
	switch in.HookEventName {
	case claudePreToolUse:
		if res.Decision == DecisionAllow || res.Decision == "" {
			return out
		}
		out.HookSpecificOutput = &HookSpecificOutput{
			HookEventName:            claudePreToolUse,
			PermissionDecision:       "deny",
			PermissionDecisionReason: res.Reason,
		}
	case claudeSessionStart:
		if res.AdditionalContext != "" {
			out.HookSpecificOutput = &HookSpecificOutput{
				HookEventName:     claudeSessionStart,
				AdditionalContext: res.AdditionalContext,
			}
		}
	}
	return out
}

// Unavailable is the output when the daemon cannot answer. Task creation and
// task start are refused; other events pass through.
func Unavailable(in *ClaudeInput, cause error) *ClaudeOutput {
	if in == nil {
		return &ClaudeOutput{}
	}
	ev, ok, err := in.Event()
	if err == nil && (!ok || (ev.Type != HookTaskCreated && ev.Type != HookTaskPreExecute)) {
		return &ClaudeOutput{}
	}
	return &ClaudeOutput{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            claudePreToolUse,
		PermissionDecision:       "deny",
		PermissionDecisionReason: fmt.Sprintf("taskgate is unavailable (%v); governed tasks cannot be created or started until it is reachable.", cause),
	}}
}
