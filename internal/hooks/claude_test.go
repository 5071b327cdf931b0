package hooks

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
)

func TestClaudeInput_Event(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantOK   bool
		wantType HookType
		check    func(t *testing.T, ev *Event)
	}{
		{
			name:     "task create",
			input:    `{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"TaskCreate","tool_input":{"subject":"Add cache","description":"LRU in front of the store","activeForm":"Adding cache"}}`,
			wantOK:   true,
			wantType: HookTaskCreated,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, "s1", ev.SessionID)
				assert.Equal(t, "Add cache", ev.Subject)
				assert.Equal(t, "LRU in front of the store", ev.Description)
				assert.False(t, ev.IsReview())
			},
		},
		{
			name:     "review task create keeps kind",
			input:    `{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"TaskCreate","tool_input":{"subject":"Check","metadata":{"taskgate_kind":"review"}}}`,
			wantOK:   true,
			wantType: HookTaskCreated,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, governance.KindReview, ev.Kind)
				assert.True(t, ev.IsReview())
			},
		},
		{
			name:     "task start",
			input:    `{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"TaskUpdate","tool_input":{"taskId":"7","status":"in_progress"}}`,
			wantOK:   true,
			wantType: HookTaskPreExecute,
			check: func(t *testing.T, ev *Event) {
				assert.Equal(t, "7", ev.TaskID)
			},
		},
		{
			name:   "task completion is not intercepted",
			input:  `{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"TaskUpdate","tool_input":{"taskId":"7","status":"completed"}}`,
			wantOK: false,
		},
		{
			name:   "other tools are not intercepted",
			input:  `{"session_id":"s1","hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"ls"}}`,
			wantOK: false,
		},
		{
			name:     "session start",
			input:    `{"session_id":"s1","hook_event_name":"SessionStart","source":"startup"}`,
			wantOK:   true,
			wantType: HookSessionStart,
		},
		{
			name:     "session end",
			input:    `{"session_id":"s1","hook_event_name":"SessionEnd"}`,
			wantOK:   true,
			wantType: HookSessionEnd,
		},
		{
			name:   "post tool use is ignored",
			input:  `{"session_id":"s1","hook_event_name":"PostToolUse","tool_name":"TaskCreate"}`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := DecodeClaude([]byte(tt.input))
			require.NoError(t, err)
			ev, ok, err := in.Event()
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantType, ev.Type)
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestDecodeClaude_Errors(t *testing.T) {
	_, err := DecodeClaude([]byte(`{not json`))
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = DecodeClaude([]byte(`{"session_id":"s1"}`))
	assert.ErrorIs(t, err, governance.ErrValidation)

	in, err := DecodeClaude([]byte(`{"hook_event_name":"PreToolUse","tool_name":"TaskCreate","tool_input":"oops"}`))
	require.NoError(t, err)
	_, _, err = in.Event()
	assert.ErrorIs(t, err, governance.ErrValidation)
}

func TestRenderClaude(t *testing.T) {
	pre := &ClaudeInput{HookEventName: "PreToolUse", ToolName: "TaskCreate"}

	out := RenderClaude(pre, Allow())
	assert.Nil(t, out.HookSpecificOutput)

	out = RenderClaude(pre, &Result{Decision: DecisionHandled, Reason: "created #2", Pair: &pairing.Pair{ImplTaskID: "2"}})
	require.NotNil(t, out.HookSpecificOutput)
	assert.Equal(t, "deny", out.HookSpecificOutput.PermissionDecision)
	assert.Equal(t, "created #2", out.HookSpecificOutput.PermissionDecisionReason)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"hookSpecificOutput":{"hookEventName":"PreToolUse","permissionDecision":"deny"`)

	start := &ClaudeInput{HookEventName: "SessionStart"}
	out = RenderClaude(start, &Result{Decision: DecisionAllow, AdditionalContext: "briefing"})
	require.NotNil(t, out.HookSpecificOutput)
	assert.Equal(t, "briefing", out.HookSpecificOutput.AdditionalContext)

	assert.Nil(t, RenderClaude(start, nil).HookSpecificOutput)
}

func TestUnavailable_FailsClosedForTaskActions(t *testing.T) {
	cause := errors.New("connection refused")

	create := &ClaudeInput{HookEventName: "PreToolUse", ToolName: "TaskCreate", ToolInput: json.RawMessage(`{"subject":"x"}`)}
	out := Unavailable(create, cause)
	require.NotNil(t, out.HookSpecificOutput)
	assert.Equal(t, "deny", out.HookSpecificOutput.PermissionDecision)
	assert.Contains(t, out.HookSpecificOutput.PermissionDecisionReason, "connection refused")

	start := &ClaudeInput{HookEventName: "PreToolUse", ToolName: "TaskUpdate", ToolInput: json.RawMessage(`{"taskId":"3","status":"in_progress"}`)}
	assert.NotNil(t, Unavailable(start, cause).HookSpecificOutput)

	done := &ClaudeInput{HookEventName: "PreToolUse", ToolName: "TaskUpdate", ToolInput: json.RawMessage(`{"taskId":"3","status":"completed"}`)}
	assert.Nil(t, Unavailable(done, cause).HookSpecificOutput)

	assert.Nil(t, Unavailable(&ClaudeInput{HookEventName: "SessionStart"}, cause).HookSpecificOutput)
	assert.Nil(t, Unavailable(nil, cause).HookSpecificOutput)
}
