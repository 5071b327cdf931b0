// Package hooks intercepts host task lifecycle events.
//
// Supports task_created, task_pre_execute, session_start and session_end.
// Task creation is turned into a governed review/implementation pair, and an
// implementation task may not start while any of its reviews is outstanding.
//
// Events arrive either normalized (Event) or as Claude Code hook JSON, which
// ParseClaude maps onto an Event and RenderClaude answers.
package hooks
