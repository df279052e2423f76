// Package container provisions per-project containers and runs commands
// inside them.
package container

import (
	"context"
	"strings"
	"time"
)

// Container states reported by StartOrReuse
const (
	StatusReused  = "reused"
	StatusStarted = "started"
	StatusCreated = "created"
)

// Spec describes the container a project needs
type Spec struct {
	ProjectID     string `json:"project_id"`
	RepositoryURL string `json:"repository_url,omitempty"`
	Branch        string `json:"branch,omitempty"`
}

// Info identifies a ready container
type Info struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Command is run inside a container
type Command struct {
	Args    []string          `json:"args"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// Timeout bounds the command; zero uses the provider default
	Timeout time.Duration `json:"timeout"`
}

// String renders the command for logs
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// ExecResult is the outcome of a command that ran. A non-zero exit code is
// not an error at this level.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit code
func (r ExecResult) Success() bool {
	return r.ExitCode == 0
}

// Provider starts or reuses project containers and executes commands in
// them. Runtime failures are returned as container errors and timeouts as
// timeout errors.
type Provider interface {
	StartOrReuse(ctx context.Context, spec Spec) (Info, error)
	Exec(ctx context.Context, containerID string, cmd Command) (ExecResult, error)
}
