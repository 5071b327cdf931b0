package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/taskgate/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"console", func(c *Config) { c.Format = "console" }, false},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"bad target", func(c *Config) { c.Output.Target = "file" }, true},
		{"no output", func(c *Config) { c.Output.Target = "" }, true},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, true},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, true},
		{"empty field", func(c *Config) { c.Fields = map[string]string{"env": ""} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, TargetStderr, cfg.Output.Target)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Named("store").With(zap.String("k", "v")).Underlying())
}

func TestContextFields(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithRequestID(ctx, "req_2")
	ctx = WithTaskID(ctx, "42")
	ctx = WithAgent(ctx, "planner")

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx = trace.ContextWithSpanContext(ctx, sc)

	tl := NewTestLogger()
	tl.Info(ctx, "governed pair created")

	tl.AssertLogged(t, zapcore.InfoLevel, "governed pair")
	tl.AssertField(t, "governed pair", "session.id", "sess-1")
	tl.AssertField(t, "governed pair", "request.id", "req_2")
	tl.AssertField(t, "governed pair", "task.id", "42")
	tl.AssertField(t, "governed pair", "agent", "planner")
	tl.AssertField(t, "governed pair", "trace_id", traceID.String())
}

func TestContext_IgnoresMalformedIDs(t *testing.T) {
	ctx := WithSessionID(context.Background(), "bad id with spaces")
	assert.Empty(t, SessionIDFromContext(ctx))
	ctx = WithTaskID(ctx, "")
	assert.Empty(t, TaskIDFromContext(ctx))
	assert.Empty(t, ContextFields(ctx))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func newBufferLogger(t *testing.T, cfg RedactionConfig) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)), &buf
}

func TestRedactingEncoder(t *testing.T) {
	logger, buf := newBufferLogger(t, NewDefaultConfig().Redaction)
	logger.Info("call",
		zap.String("token", "abc123"),
		zap.String("header", "Authorization: Bearer xyz.789"),
		zap.String("subject", "add cache"),
		zap.Any("Password", map[string]string{"a": "b"}),
		Secret("nats_token", config.Secret("hunter2")),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[REDACTED]", entry["token"])
	assert.Equal(t, "Authorization: [REDACTED]", entry["header"])
	assert.Equal(t, "add cache", entry["subject"])
	assert.Equal(t, "[REDACTED]", entry["Password"])
	assert.Equal(t, "[REDACTED:7]", entry["nats_token"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	logger, buf := newBufferLogger(t, RedactionConfig{})
	logger.Info("call", zap.String("token", "abc123"))
	assert.Contains(t, buf.String(), "abc123")

	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"["}})
	assert.Error(t, err)
}

func TestSampling_NeverDropsErrors(t *testing.T) {
	var buf bytes.Buffer
	base := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(&buf), TraceLevel)
	core := newSampledCore(base, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    2,
		Thereafter: 0,
	})
	logger := zap.New(core)

	for i := 0; i < 10; i++ {
		logger.Info("repeated info")
		logger.Error("repeated error")
	}

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 12, lines, "2 sampled infos plus every error")
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("nope")
	assert.Error(t, err)
}
