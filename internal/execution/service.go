// Package execution runs verification commands inside per-project
// containers with a fixed two-attempt budget.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Nuosis/clarity-local-runner-sub002/internal/container"
	"github.com/Nuosis/clarity-local-runner-sub002/internal/monitoring"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/metrics"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/resilience"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

// MaxAttempts is the attempt cap for every bounded execution. It is not
// configurable.
const MaxAttempts = 2

// Operation names
const (
	OperationNpmCI    = "npm_ci"
	OperationNpmBuild = "npm_build"
	OperationGitMerge = "git_merge"
	OperationCommand  = "command"
)

// ProviderBreaker is the circuit breaker guarding the container runtime
const ProviderBreaker = "container_provider"

const (
	cleanupScript   = "git reset --hard && git clean -fd"
	artifactTimeout = 10 * time.Second
	logOutputLimit  = 2000
)

// AttemptOutcome records one attempt of a bounded execution
type AttemptOutcome struct {
	Attempt      int    `json:"attempt"`
	Success      bool   `json:"success"`
	ExitCode     int    `json:"exit_code"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	CleanupError string `json:"cleanup_error,omitempty"`
}

// Artifacts are collected after the last attempt. Every field is optional.
type Artifacts struct {
	FilesModified []string `json:"files_modified,omitempty"`
	CommitHash    string   `json:"commit_hash,omitempty"`
	DiffOutput    string   `json:"diff_output,omitempty"`
	ToolVersion   string   `json:"tool_version,omitempty"`
}

// Result is the outcome of one bounded execution
type Result struct {
	Success       bool      `json:"success"`
	Operation     string    `json:"operation"`
	ProjectID     string    `json:"project_id"`
	ExecutionID   string    `json:"execution_id"`
	CorrelationID string    `json:"correlation_id"`
	ContainerID   string    `json:"container_id"`
	ExitCode      int       `json:"exit_code"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	Artifacts     Artifacts `json:"artifacts"`

	ContainerSetupDurationMs int64 `json:"container_setup_duration_ms"`
	OperationDurationMs      int64 `json:"operation_duration_ms"`
	TotalDurationMs          int64 `json:"total_duration_ms"`

	AttemptCount  int              `json:"attempt_count"`
	RetryAttempts []AttemptOutcome `json:"retry_attempts"`
	FinalAttempt  bool             `json:"final_attempt"`
	Error         string           `json:"error,omitempty"`
}

// artifactSet selects what is captured after an operation
type artifactSet struct {
	files       bool
	commit      bool
	diff        []string
	toolVersion []string
}

type operation struct {
	name      string
	args      []string
	artifacts artifactSet
}

func (o operation) command() string {
	return strings.Join(o.args, " ")
}

// Service runs bounded executions. It is safe for concurrent use.
type Service struct {
	provider container.Provider
	manager  *resilience.Manager
	monitor  *monitoring.Monitor
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	logger   *logging.Logger
	clock    resilience.Clock
	workDir  string
	breaker  resilience.CircuitBreakerConfig
}

// Option configures a Service
type Option func(*Service)

// WithMonitor sets the performance monitor that receives duration samples
func WithMonitor(m *monitoring.Monitor) Option {
	return func(s *Service) { s.monitor = m }
}

// WithMetrics sets the prometheus metrics
func WithMetrics(mt *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = mt }
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) Option {
	return func(s *Service) { s.tracer = t }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the clock used for durations
func WithClock(c resilience.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithWorkDir sets the working directory commands run in
func WithWorkDir(dir string) Option {
	return func(s *Service) { s.workDir = dir }
}

// WithBreakerConfig sets the policy of the container runtime breaker
func WithBreakerConfig(c resilience.CircuitBreakerConfig) Option {
	return func(s *Service) { s.breaker = c }
}

// NewService creates a bounded execution service
func NewService(provider container.Provider, manager *resilience.Manager, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		manager:  manager,
		logger:   logging.GetLogger(),
		clock:    resilience.RealClock(),
		workDir:  "/workspace",
		breaker:  resilience.DefaultCircuitBreakerConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.manager == nil {
		s.manager = resilience.NewManager(resilience.WithLogger(s.logger), resilience.WithClock(s.clock))
	}
	if s.logger == nil {
		s.logger = logging.GetLogger()
	}
	s.logger = s.logger.Named("bounded_execution")
	// commands carry their own timeout
	s.breaker.Timeout = 0
	return s
}

// ExecuteNpmCI installs dependencies with npm ci
func (s *Service) ExecuteNpmCI(ctx context.Context, ec ExecutionContext) (*Result, error) {
	return s.execute(ctx, ec, operation{
		name:      OperationNpmCI,
		args:      []string{"npm", "ci"},
		artifacts: artifactSet{files: true, toolVersion: []string{"npm", "--version"}},
	})
}

// ExecuteNpmBuild runs the project's build script
func (s *Service) ExecuteNpmBuild(ctx context.Context, ec ExecutionContext) (*Result, error) {
	return s.execute(ctx, ec, operation{
		name:      OperationNpmBuild,
		args:      []string{"npm", "run", "build"},
		artifacts: artifactSet{files: true, toolVersion: []string{"npm", "--version"}},
	})
}

// ExecuteGitMerge checks out the target branch and merges the source
// branch into it with a merge commit
func (s *Service) ExecuteGitMerge(ctx context.Context, ec ExecutionContext, req MergeRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, s.rejected(ctx, ec, OperationGitMerge, err)
	}
	script := fmt.Sprintf("git checkout %s && git merge --no-ff --no-edit %s", req.TargetBranch, req.SourceBranch)
	return s.execute(ctx, ec, operation{
		name: OperationGitMerge,
		args: []string{"sh", "-c", script},
		artifacts: artifactSet{
			files:       true,
			commit:      true,
			diff:        []string{"git", "diff", "HEAD^1", "HEAD"},
			toolVersion: []string{"git", "--version"},
		},
	})
}

// ExecuteCommand runs an arbitrary argv in the project container
func (s *Service) ExecuteCommand(ctx context.Context, ec ExecutionContext, args []string) (*Result, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, s.rejected(ctx, ec, OperationCommand, errors.NewValidationError("command is required"))
	}
	return s.execute(ctx, ec, operation{
		name: OperationCommand,
		args: append([]string(nil), args...),
		artifacts: artifactSet{
			files:  true,
			commit: true,
			diff:   []string{"git", "diff", "HEAD"},
		},
	})
}

func (s *Service) execute(ctx context.Context, ec ExecutionContext, op operation) (*Result, error) {
	if err := ec.Validate(); err != nil {
		return nil, s.rejected(ctx, ec, op.name, err)
	}
	if ec.CorrelationID == "" {
		ec.CorrelationID = logging.NewCorrelationID()
	}
	ctx = logging.WithCorrelationID(ctx, ec.CorrelationID)
	ctx = logging.WithExecutionID(ctx, ec.ExecutionID)
	ctx = logging.WithProjectID(ctx, ec.ProjectID)

	ctx, span := s.tracer.StartExecutionSpan(ctx, op.name, ec.ProjectID, ec.ExecutionID)
	defer span.End()

	start := s.clock.Now()
	result := &Result{
		Operation:     op.name,
		ProjectID:     ec.ProjectID,
		ExecutionID:   ec.ExecutionID,
		CorrelationID: ec.CorrelationID,
		ExitCode:      -1,
		RetryAttempts: make([]AttemptOutcome, 0, MaxAttempts),
	}

	s.logger.Emit(logrus.InfoLevel, "Starting bounded execution", s.event(ec, op.name, logging.StatusStarted).
		With("command", op.command()).
		With("max_attempts", MaxAttempts))

	info, err := s.acquire(ctx, ec)
	result.ContainerSetupDurationMs = s.since(start)
	if err != nil {
		result.TotalDurationMs = s.since(start)
		s.metrics.RecordBoundedExecution(op.name, "setup_failed", s.clock.Now().Sub(start))
		s.logger.LogError(ctx, err, "Container setup failed", s.fields(ec, op.name, logging.StatusFailed))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.ContainerID = info.ID
	span.SetAttributes(tracing.AttrContainerID.String(info.ID))

	opStart := s.clock.Now()
	var last container.ExecResult
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, s.cancelled(ctx, ec, op.name, start, span)
		}

		outcome, res, ran := s.runAttempt(ctx, ec, op, info.ID, attempt)
		last = res
		result.RetryAttempts = append(result.RetryAttempts, outcome)
		if outcome.Success || attempt == MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, s.cancelled(ctx, ec, op.name, start, span)
		}
		// a rejected attempt left the tree untouched
		if !ran {
			continue
		}
		if err := s.cleanup(ctx, ec, info.ID); err != nil {
			result.RetryAttempts[len(result.RetryAttempts)-1].CleanupError = err.Error()
		}
	}
	result.OperationDurationMs = s.since(opStart)

	final := result.RetryAttempts[len(result.RetryAttempts)-1]
	result.AttemptCount = len(result.RetryAttempts)
	result.FinalAttempt = true
	result.Success = final.Success
	result.ExitCode = final.ExitCode
	result.Stdout = last.Stdout
	result.Stderr = last.Stderr
	if !final.Success {
		result.Error = final.Error
	}

	result.Artifacts = s.captureArtifacts(ctx, ec, op, info.ID)
	result.TotalDurationMs = s.since(start)

	s.finish(ec, result, span)
	return result, nil
}

// acquire starts or reuses the project container under the container
// retry policy
func (s *Service) acquire(ctx context.Context, ec ExecutionContext) (container.Info, error) {
	started := s.clock.Now()
	retry := resilience.ContainerRetryConfig()
	breaker := s.breaker

	info, err := resilience.Run(ctx, s.manager, resilience.Options{
		OperationName:  "container_setup",
		CorrelationID:  ec.CorrelationID,
		ExecutionID:    ec.ExecutionID,
		Retry:          &retry,
		CircuitBreaker: &breaker,
		BreakerName:    ProviderBreaker,
	}, func(ctx context.Context) (container.Info, error) {
		return s.provider.StartOrReuse(ctx, container.Spec{
			ProjectID:     ec.ProjectID,
			RepositoryURL: ec.RepositoryURL,
		})
	})

	elapsed := s.clock.Now().Sub(started)
	status := "success"
	if err != nil {
		status = "failure"
	}
	s.metrics.RecordContainerSetup(status, elapsed)
	s.record("container_setup_duration", elapsed, map[string]string{
		"project_id": ec.ProjectID,
		"status":     status,
	}, ec)

	if err == nil {
		s.logger.Emit(logrus.DebugLevel, "Container ready", s.event(ec, "container_setup", logging.StatusCompleted).
			With("container_id", info.ID).
			With("container_status", info.Status).
			With("duration_ms", elapsed.Milliseconds()))
	}
	return info, err
}

// runAttempt executes the command once through the orchestrator. Only
// runtime failures count against the provider breaker; a non-zero exit
// is a completed call. ran is false when the open breaker refused the
// attempt before it reached the runtime.
func (s *Service) runAttempt(ctx context.Context, ec ExecutionContext, op operation, containerID string, attempt int) (outcome AttemptOutcome, res container.ExecResult, ran bool) {
	started := s.clock.Now()
	retry := resilience.RetryConfig{
		MaxAttempts:       1,
		Strategy:          resilience.StrategyImmediate,
		RetryableKinds:    resilience.ContainerRetryConfig().RetryableKinds,
		NonRetryableKinds: resilience.ContainerRetryConfig().NonRetryableKinds,
	}
	breaker := s.breaker

	_, err := s.manager.ExecuteWithRecovery(ctx, func(ctx context.Context) (interface{}, error) {
		out, err := s.provider.Exec(ctx, containerID, container.Command{
			Args:    op.args,
			WorkDir: s.workDir,
			Timeout: ec.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		res = out
		return out.ExitCode, nil
	}, resilience.Options{
		OperationName:  "bounded." + op.name,
		CorrelationID:  ec.CorrelationID,
		ExecutionID:    ec.ExecutionID,
		Retry:          &retry,
		CircuitBreaker: &breaker,
		BreakerName:    ProviderBreaker,
	})

	outcome = AttemptOutcome{
		Attempt:    attempt,
		ExitCode:   -1,
		DurationMs: s.since(started),
	}
	ran = true
	label := "error"
	switch {
	case err != nil:
		cause := rootCause(err)
		ran = !errors.IsType(cause, errors.ErrorTypeCircuitOpen)
		outcome.Error = cause.Error()
	case res.Success():
		outcome.Success = true
		outcome.ExitCode = 0
		label = "success"
	default:
		outcome.ExitCode = res.ExitCode
		outcome.Error = errors.NewCommandFailedError(op.command(), res.ExitCode).Error()
		label = "failure"
	}
	s.metrics.RecordBoundedAttempt(op.name, label)

	event := s.event(ec, op.name, logging.StatusCompleted).
		With("attempt", attempt).
		With("max_attempts", MaxAttempts).
		With("exit_code", outcome.ExitCode).
		With("duration_ms", outcome.DurationMs)
	if outcome.Success {
		s.logger.Emit(logrus.InfoLevel, "Attempt succeeded", event)
		return outcome, res, ran
	}

	status := logging.StatusRetrying
	if attempt == MaxAttempts {
		status = logging.StatusFailed
	}
	s.logger.Emit(logrus.WarnLevel, "Attempt failed", event.WithStatus(status).
		With("error", outcome.Error).
		With("stderr", tail(logging.RedactString(res.Stderr), logOutputLimit)))
	return outcome, res, ran
}

// cleanup resets the working tree so the next attempt starts clean. A
// failed cleanup is logged and returned but does not stop the retry.
func (s *Service) cleanup(ctx context.Context, ec ExecutionContext, containerID string) error {
	err := s.tracer.WithSpan(ctx, "execution.cleanup", func(ctx context.Context) error {
		res, err := s.provider.Exec(ctx, containerID, container.Command{
			Args:    []string{"sh", "-c", cleanupScript},
			WorkDir: s.workDir,
			Timeout: ec.Timeout(),
		})
		if err == nil && !res.Success() {
			err = errors.NewCommandFailedError(cleanupScript, res.ExitCode)
		}
		return err
	})
	if err != nil {
		s.metrics.RecordError("bounded_execution", "cleanup")
		s.logger.Emit(logrus.WarnLevel, "Cleanup between attempts failed", s.event(ec, "cleanup", logging.StatusDegraded).
			With("container_id", containerID).
			With("error", err.Error()))
		return err
	}
	s.logger.Emit(logrus.DebugLevel, "Working tree reset", s.event(ec, "cleanup", logging.StatusCompleted).
		With("container_id", containerID))
	return nil
}

func (s *Service) finish(ec ExecutionContext, result *Result, span oteltrace.Span) {
	status := "success"
	if !result.Success {
		status = "failure"
	}
	total := time.Duration(result.TotalDurationMs) * time.Millisecond
	s.metrics.RecordBoundedExecution(result.Operation, status, total)

	tags := map[string]string{"operation": result.Operation, "status": status}
	s.record("bounded_execution_duration", total, tags, ec)
	s.record("verification_duration", time.Duration(result.OperationDurationMs)*time.Millisecond, tags, ec)

	span.SetAttributes(
		attribute.Int("execution.attempts", result.AttemptCount),
		attribute.Int("execution.exit_code", result.ExitCode),
		attribute.Bool("execution.success", result.Success),
	)

	event := s.event(ec, result.Operation, logging.StatusCompleted).
		With("container_id", result.ContainerID).
		With("exit_code", result.ExitCode).
		With("attempt_count", result.AttemptCount).
		With("container_setup_duration_ms", result.ContainerSetupDurationMs).
		With("operation_duration_ms", result.OperationDurationMs).
		With("total_duration_ms", result.TotalDurationMs).
		With("files_modified", len(result.Artifacts.FilesModified))

	if result.Success {
		span.SetStatus(codes.Ok, "")
		message := "Bounded execution completed"
		if result.AttemptCount > 1 {
			event = event.WithStatus(logging.StatusRecovered)
			message = "Bounded execution succeeded after retry"
		}
		s.logger.Emit(logrus.InfoLevel, message, event)
		return
	}

	span.SetStatus(codes.Error, result.Error)
	s.logger.Emit(logrus.ErrorLevel, "Bounded execution failed", event.WithStatus(logging.StatusFailed).
		With("error", result.Error).
		With("stderr", tail(logging.RedactString(result.Stderr), logOutputLimit)))
}

func (s *Service) rejected(ctx context.Context, ec ExecutionContext, op string, err error) error {
	traced := errors.WithTrace(err, ec.CorrelationID, ec.ExecutionID)
	s.metrics.RecordBoundedExecution(op, "invalid", 0)
	s.logger.LogError(ctx, traced, "Bounded execution rejected", s.fields(ec, op, logging.StatusFailed))
	return traced
}

func (s *Service) cancelled(ctx context.Context, ec ExecutionContext, op string, start time.Time, span oteltrace.Span) error {
	traced := errors.WithTrace(ctx.Err(), ec.CorrelationID, ec.ExecutionID)
	s.metrics.RecordBoundedExecution(op, "canceled", s.clock.Now().Sub(start))
	s.logger.LogError(ctx, traced, "Bounded execution cancelled", s.fields(ec, op, logging.StatusFailed))
	span.RecordError(traced)
	span.SetStatus(codes.Error, traced.Error())
	return traced
}

func (s *Service) record(name string, d time.Duration, tags map[string]string, ec ExecutionContext) {
	if s.monitor == nil {
		return
	}
	s.monitor.RecordMetric(name, float64(d.Milliseconds()), monitoring.MetricTypeTimer, tags, ec.CorrelationID, ec.ExecutionID)
}

func (s *Service) event(ec ExecutionContext, node string, status logging.Status) logging.Event {
	return logging.Event{
		CorrelationID: ec.CorrelationID,
		ProjectID:     ec.ProjectID,
		ExecutionID:   ec.ExecutionID,
		Node:          node,
		Status:        status,
		Fields:        map[string]interface{}{"operation": node},
	}
}

func (s *Service) fields(ec ExecutionContext, op string, status logging.Status) logrus.Fields {
	return logrus.Fields{
		logging.FieldCorrelationID: ec.CorrelationID,
		logging.FieldProjectID:     ec.ProjectID,
		logging.FieldExecutionID:   ec.ExecutionID,
		logging.FieldNode:          op,
		logging.FieldStatus:        string(status),
	}
}

func (s *Service) since(t time.Time) int64 {
	return s.clock.Now().Sub(t).Milliseconds()
}

// rootCause unwraps an exhausted error to the failure that caused it
func rootCause(err error) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) && appErr.Type == errors.ErrorTypeExhausted && appErr.Cause != nil {
		return appErr.Cause
	}
	return err
}

// tail keeps the last n bytes of s, moved forward to a rune boundary
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
