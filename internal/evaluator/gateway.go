package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/governance"
	"github.com/fyrsmithlabs/taskgate/internal/policy"
	"github.com/fyrsmithlabs/taskgate/internal/secrets"
)

const (
	// DefaultMaxPayloadBytes is the request size above which the evaluator
	// is never invoked.
	DefaultMaxPayloadBytes = 256 * 1024

	// maxOutputBytes bounds how much evaluator output is read back.
	maxOutputBytes = 4 * 1024 * 1024

	waitDelay = 2 * time.Second

	shortCircuitReviewer = "policy:human-required"
)

// DefaultTimeouts are the per-kind evaluator deadlines.
var DefaultTimeouts = map[Kind]time.Duration{
	KindDecision:   60 * time.Second,
	KindPlan:       120 * time.Second,
	KindCompletion: 90 * time.Second,
	KindHolistic:   120 * time.Second,
}

// Config configures a Gateway.
type Config struct {
	Timeouts        map[Kind]time.Duration
	MaxPayloadBytes int
	// RateLimit is invocations per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	timeouts := make(map[Kind]time.Duration, len(DefaultTimeouts))
	for k, v := range DefaultTimeouts {
		timeouts[k] = v
	}
	return Config{Timeouts: timeouts, MaxPayloadBytes: DefaultMaxPayloadBytes, RateLimit: 1, Burst: 4}
}

// FromSettings maps the evaluator section of the application config.
func FromSettings(c config.EvaluatorConfig) Config {
	cfg := DefaultConfig()
	set := func(k Kind, d config.Duration) {
		if d.Duration() > 0 {
			cfg.Timeouts[k] = d.Duration()
		}
	}
	set(KindDecision, c.DecisionTimeout)
	set(KindPlan, c.PlanTimeout)
	set(KindCompletion, c.CompletionTimeout)
	set(KindHolistic, c.HolisticTimeout)
	if c.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = c.MaxPayloadBytes
	}
	cfg.RateLimit = c.RateLimit
	if c.Burst > 0 {
		cfg.Burst = c.Burst
	}
	return cfg
}

// Evaluator is the interface the settle coordinator and service consume.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (*Result, error)
}

// Gateway is the Evaluator backed by an external process.
type Gateway struct {
	cfg      Config
	runner   Runner
	reviewer string
	policy   policy.Source
	scrubber secrets.Scrubber
	limiter  *rate.Limiter
	metrics  *Metrics
	tempDir  string
	logger   *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records evaluations on m.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithScrubber redacts secrets from the payload before it is written.
func WithScrubber(s secrets.Scrubber) Option {
	return func(g *Gateway) { g.scrubber = s }
}

// WithTempDir places request and response files in dir.
func WithTempDir(dir string) Option {
	return func(g *Gateway) { g.tempDir = dir }
}

// WithReviewer overrides the reviewer identity recorded on results.
func WithReviewer(name string) Option {
	return func(g *Gateway) { g.reviewer = name }
}

// New builds a Gateway around runner. src may be nil.
func New(cfg Config, runner Runner, src policy.Source, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = DefaultConfig().Timeouts
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	g := &Gateway{
		cfg:      cfg,
		runner:   runner,
		reviewer: "evaluator",
		policy:   src,
		scrubber: secrets.Nop{},
		logger:   logger.Named("evaluator"),
	}
	if named, ok := runner.(interface{ Name() string }); ok && named.Name() != "" {
		g.reviewer = named.Name()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the deadline applied to kind.
func (g *Gateway) Timeout(kind Kind) time.Duration {
	if d, ok := g.cfg.Timeouts[kind]; ok && d > 0 {
		return d
	}
	return DefaultTimeouts[KindPlan]
}

// Evaluate returns a verdict for req. The only error is a validation error
// for a malformed request; every other failure is folded into a
// needs_human_review result whose Outcome names it.
func (g *Gateway) Evaluate(ctx context.Context, req Request) (res *Result, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("evaluator panic", zap.String("kind", string(req.Kind)), zap.Any("panic", r))
			res, err = humanReview(OutcomeInternal, g.reviewer, "evaluator failed; escalated to human review"), nil
		}
		res.Duration = time.Since(start)
		g.metrics.record(req.Kind, res)
		g.logger.Info("evaluation finished",
			zap.String("kind", string(req.Kind)),
			zap.String("verdict", string(res.Verdict)),
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("duration", res.Duration))
	}()

	if req.Decision != nil && req.Decision.Category.RequiresHuman() {
		return humanReview(OutcomeShortCircuit, shortCircuitReviewer,
			fmt.Sprintf("decisions in category %s always require human review", req.Decision.Category)), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, g.Timeout(req.Kind))
	defer cancel()

	prompt, err := buildPrompt(runCtx, g.policy, req)
	if err != nil {
		g.logger.Error("building evaluator payload", zap.Error(err))
		return humanReview(OutcomeInternal, g.reviewer, "could not build evaluator payload"), nil
	}
	if scrubbed := g.scrubber.Scrub(prompt); scrubbed != nil {
		if scrubbed.TotalFindings > 0 {
			g.logger.Warn("redacted secrets from evaluator payload", zap.Int("findings", scrubbed.TotalFindings))
		}
		prompt = scrubbed.Scrubbed
	}
	g.metrics.payload(req.Kind, len(prompt))
	if len(prompt) > g.cfg.MaxPayloadBytes {
		return humanReview(OutcomeOversize, g.reviewer,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", len(prompt), g.cfg.MaxPayloadBytes)), nil
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(runCtx); err != nil {
			if ctx.Err() != nil {
				return humanReview(OutcomeCanceled, g.reviewer, "evaluation canceled"), nil
			}
			return humanReview(OutcomeRateLimited, g.reviewer, "evaluator rate limit exceeded the deadline"), nil
		}
	}

	if g.runner == nil {
		return humanReview(OutcomeUnavailable, g.reviewer, "no evaluator configured"), nil
	}
	out, outcome := g.invoke(ctx, runCtx, req.Kind, prompt)
	if outcome != OutcomeOK {
		return humanReview(outcome, g.reviewer, "evaluator "+string(outcome)+"; escalated to human review"), nil
	}

	parsed := Parse(out)
	switch parsed.Status {
	case ParseEmpty:
		return humanReview(OutcomeEmpty, g.reviewer, "evaluator returned no output"), nil
	case ParseMalformed:
		g.logger.Warn("unparseable evaluator output", zap.Int("bytes", len(parsed.Raw)))
		return humanReview(OutcomeMalformed, g.reviewer, "evaluator output could not be parsed"), nil
	}
	return &Result{
		Verdict:           parsed.Verdict(),
		Findings:          parsed.Response.Findings,
		Guidance:          parsed.Response.Guidance,
		StandardsVerified: parsed.Response.StandardsVerified,
		Reviewer:          g.reviewer,
		Outcome:           OutcomeOK,
	}, nil
}

// invoke writes prompt to a temp file, runs the evaluator with that file as
// stdin and a second temp file as stdout, and reads the output back. Both
// files are removed before it returns.
func (g *Gateway) invoke(parent, ctx context.Context, kind Kind, prompt string) ([]byte, Outcome) {
	in, err := os.CreateTemp(g.tempDir, "taskgate-"+string(kind)+"-in-*.md")
	if err != nil {
		g.logger.Error("creating evaluator input file", zap.Error(err))
		return nil, OutcomeInternal
	}
	defer removeTemp(g.logger, in)

	out, err := os.CreateTemp(g.tempDir, "taskgate-"+string(kind)+"-out-*.json")
	if err != nil {
		g.logger.Error("creating evaluator output file", zap.Error(err))
		return nil, OutcomeInternal
	}
	defer removeTemp(g.logger, out)

	if _, err := io.WriteString(in, prompt); err != nil {
		g.logger.Error("writing evaluator input", zap.Error(err))
		return nil, OutcomeInternal
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		g.logger.Error("rewinding evaluator input", zap.Error(err))
		return nil, OutcomeInternal
	}

	if err := g.runner.Run(ctx, in, out); err != nil {
		outcome := classify(parent, ctx, err)
		g.logger.Warn("evaluator run failed", zap.String("kind", string(kind)),
			zap.String("outcome", string(outcome)), zap.Error(err))
		return nil, outcome
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		g.logger.Error("rewinding evaluator output", zap.Error(err))
		return nil, OutcomeInternal
	}
	data, err := io.ReadAll(io.LimitReader(out, maxOutputBytes))
	if err != nil {
		g.logger.Error("reading evaluator output", zap.Error(err))
		return nil, OutcomeInternal
	}
	return data, OutcomeOK
}

func classify(parent, ctx context.Context, err error) Outcome {
	switch {
	case parent.Err() != nil:
		return OutcomeCanceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return OutcomeUnavailable
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return OutcomeExitError
	}
	return OutcomeUnavailable
}

func removeTemp(logger *zap.Logger, f *os.File) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("removing evaluator temp file", zap.String("path", f.Name()), zap.Error(err))
	}
}

// ErrorFor maps a failed outcome to the evaluator sentinel so callers that
// surface outcomes can match it with errors.Is.
func ErrorFor(o Outcome) error {
	if !o.Failed() {
		return nil
	}
	return fmt.Errorf("%s: %w", o, governance.ErrEvaluatorUnavailable)
}
