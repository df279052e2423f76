package container

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/config"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/tracing"
)

// ProjectLabel marks containers with the project they belong to
const ProjectLabel = "clarity.project"

// RunResult is the raw outcome of one CLI invocation
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner runs a binary. A non-zero exit is reported through
// ExitCode; err is reserved for failing to run at all.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (RunResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}

// ExecRunner returns the os/exec backed runner
func ExecRunner() CommandRunner { return execRunner{} }

// DockerProvider drives the docker CLI. Containers are long lived, one per
// project, and kept alive with a sleeping entrypoint.
type DockerProvider struct {
	binary         string
	image          string
	namePrefix     string
	workDir        string
	memoryLimit    string
	cpuLimit       string
	defaultTimeout time.Duration

	runner CommandRunner
	logger *logging.Logger
	tracer *tracing.TracingService
}

// DockerOption configures a DockerProvider
type DockerOption func(*DockerProvider)

// WithRunner replaces the CLI runner. Useful for testing.
func WithRunner(r CommandRunner) DockerOption {
	return func(p *DockerProvider) { p.runner = r }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) DockerOption {
	return func(p *DockerProvider) { p.logger = l }
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) DockerOption {
	return func(p *DockerProvider) { p.tracer = t }
}

// NewDockerProvider creates a provider from the container configuration
func NewDockerProvider(cfg config.ContainerConfig, opts ...DockerOption) *DockerProvider {
	p := &DockerProvider{
		binary:         cfg.Binary,
		image:          cfg.Image,
		namePrefix:     cfg.NamePrefix,
		workDir:        cfg.WorkDir,
		memoryLimit:    cfg.MemoryLimit,
		cpuLimit:       cfg.CPULimit,
		defaultTimeout: cfg.DefaultTimeout,
		runner:         execRunner{},
		logger:         logging.GetLogger(),
	}
	if p.binary == "" {
		p.binary = "docker"
	}
	if p.namePrefix == "" {
		p.namePrefix = "clarity"
	}
	if p.workDir == "" {
		p.workDir = "/workspace"
	}
	if p.defaultTimeout <= 0 {
		p.defaultTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.GetLogger()
	}
	p.logger = p.logger.Named("container")
	return p
}

// WorkDir is where project repositories are checked out
func (p *DockerProvider) WorkDir() string {
	return p.workDir
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_.-]+`)

// ContainerName returns the container name used for a project
func (p *DockerProvider) ContainerName(projectID string) string {
	name := unsafeName.ReplaceAllString(strings.ToLower(projectID), "-")
	return p.namePrefix + "-" + strings.Trim(name, "-.")
}

// StartOrReuse returns the project's container, starting a stopped one or
// creating and cloning a new one as needed
func (p *DockerProvider) StartOrReuse(ctx context.Context, spec Spec) (Info, error) {
	if spec.ProjectID == "" {
		return Info{}, errors.NewValidationError("project id is required")
	}
	name := p.ContainerName(spec.ProjectID)

	ctx, span := p.tracer.StartContainerSpan(ctx, "start_or_reuse", name)
	defer span.End()

	id, state, found, err := p.inspect(ctx, name)
	if err != nil {
		p.tracer.RecordError(span, err)
		return Info{}, err
	}

	if found {
		if state == "running" {
			p.logger.Debug("Reusing running container", "container", name, "project_id", spec.ProjectID)
			return Info{ID: id, Name: name, Status: StatusReused}, nil
		}
		if _, err := p.run(ctx, p.defaultTimeout, "start", name); err != nil {
			p.tracer.RecordError(span, err)
			return Info{}, err
		}
		p.logger.Info("Started stopped container", "container", name, "previous_state", state)
		return Info{ID: id, Name: name, Status: StatusStarted}, nil
	}

	args := []string{"run", "-d",
		"--name", name,
		"--label", ProjectLabel + "=" + spec.ProjectID,
		"-w", p.workDir,
	}
	if p.memoryLimit != "" {
		args = append(args, "--memory", p.memoryLimit)
	}
	if p.cpuLimit != "" {
		args = append(args, "--cpus", p.cpuLimit)
	}
	args = append(args, p.image, "sleep", "infinity")

	out, err := p.run(ctx, p.defaultTimeout, args...)
	if err != nil {
		p.tracer.RecordError(span, err)
		return Info{}, err
	}
	id = strings.TrimSpace(string(out.Stdout))

	if spec.RepositoryURL != "" {
		clone := []string{"exec", "-w", p.workDir, name, "git", "clone"}
		if spec.Branch != "" {
			clone = append(clone, "--branch", spec.Branch)
		}
		clone = append(clone, spec.RepositoryURL, ".")
		if _, err := p.run(ctx, p.defaultTimeout, clone...); err != nil {
			p.tracer.RecordError(span, err)
			p.discard(ctx, name, err)
			return Info{}, err
		}
	}

	p.logger.WithFields(logrus.Fields{
		logging.FieldProjectID: spec.ProjectID,
		"container":            name,
		"image":                p.image,
		"repository_url":       spec.RepositoryURL,
	}).Info("Created project container")
	return Info{ID: id, Name: name, Status: StatusCreated}, nil
}

// discard removes a container whose setup did not finish so the next
// StartOrReuse creates it from scratch instead of reusing it
func (p *DockerProvider) discard(ctx context.Context, name string, cause error) {
	if _, err := p.run(context.WithoutCancel(ctx), p.defaultTimeout, "rm", "-f", name); err != nil {
		p.logger.WithFields(logrus.Fields{
			"container":   name,
			"error":       err.Error(),
			"setup_error": cause.Error(),
		}).Error("Failed to remove partially created container")
		return
	}
	p.logger.Warn("Removed partially created container", "container", name, "setup_error", cause.Error())
}

// Exec runs a command in a container and captures its output
func (p *DockerProvider) Exec(ctx context.Context, containerID string, cmd Command) (ExecResult, error) {
	if len(cmd.Args) == 0 {
		return ExecResult{}, errors.NewValidationError("command is required")
	}

	ctx, span := p.tracer.StartContainerSpan(ctx, "exec", containerID)
	defer span.End()

	workDir := cmd.WorkDir
	if workDir == "" {
		workDir = p.workDir
	}
	args := []string{"exec", "-w", workDir}
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+cmd.Env[k])
	}
	args = append(args, containerID)
	args = append(args, cmd.Args...)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	start := time.Now()
	out, err := p.invoke(ctx, timeout, args...)
	result := ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   string(out.Stdout),
		Stderr:   string(out.Stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		p.tracer.RecordError(span, err)
		return result, err
	}

	p.logger.WithFields(logrus.Fields{
		"container":   containerID,
		"command":     cmd.String(),
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
	}).Debug("Container command finished")
	return result, nil
}

// Health checks that the container runtime answers
func (p *DockerProvider) Health(ctx context.Context) error {
	_, err := p.run(ctx, 5*time.Second, "version", "--format", "{{.Server.Version}}")
	return err
}

func (p *DockerProvider) inspect(ctx context.Context, name string) (id, state string, found bool, err error) {
	out, err := p.invoke(ctx, p.defaultTimeout, "inspect", "--type", "container", "-f", "{{.Id}} {{.State.Status}}", name)
	if err != nil {
		return "", "", false, err
	}
	if out.ExitCode != 0 {
		if bytes.Contains(bytes.ToLower(out.Stderr), []byte("no such")) {
			return "", "", false, nil
		}
		return "", "", false, errors.NewContainerError(name, "container inspect failed: "+strings.TrimSpace(string(out.Stderr)))
	}

	fields := strings.Fields(string(out.Stdout))
	if len(fields) != 2 {
		return "", "", false, errors.NewContainerError(name, fmt.Sprintf("unexpected inspect output %q", string(out.Stdout)))
	}
	return fields[0], fields[1], true, nil
}

// run invokes the CLI and treats a non-zero exit as a container error
func (p *DockerProvider) run(ctx context.Context, timeout time.Duration, args ...string) (RunResult, error) {
	out, err := p.invoke(ctx, timeout, args...)
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		return out, errors.NewContainerError("", fmt.Sprintf("%s %s exited with code %d: %s",
			p.binary, args[0], out.ExitCode, strings.TrimSpace(string(out.Stderr))))
	}
	return out, nil
}

// invoke maps runner failures onto the error taxonomy
func (p *DockerProvider) invoke(ctx context.Context, timeout time.Duration, args ...string) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.runner.Run(ctx, p.binary, args...)
	if err == nil {
		return out, nil
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return out, errors.NewTimeoutError(p.binary + " " + args[0]).WithCause(err)
	case stderrors.Is(err, context.Canceled):
		return out, err
	default:
		return out, errors.NewContainerError("", p.binary+" "+args[0]+" failed").WithCause(err)
	}
}
