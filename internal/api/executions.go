package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/Nuosis/clarity-local-runner-sub002/internal/execution"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
)

// Executor runs bounded container executions
type Executor interface {
	ExecuteNpmCI(ctx context.Context, ec execution.ExecutionContext) (*execution.Result, error)
	ExecuteNpmBuild(ctx context.Context, ec execution.ExecutionContext) (*execution.Result, error)
	ExecuteGitMerge(ctx context.Context, ec execution.ExecutionContext, req execution.MergeRequest) (*execution.Result, error)
	ExecuteCommand(ctx context.Context, ec execution.ExecutionContext, args []string) (*execution.Result, error)
}

// ExecutionRequest is the body of POST /v1/executions
type ExecutionRequest struct {
	Operation      string   `json:"operation" binding:"required,oneof=npm_ci npm_build git_merge command"`
	ProjectID      string   `json:"project_id" binding:"required"`
	ExecutionID    string   `json:"execution_id" binding:"required"`
	RepositoryURL  string   `json:"repository_url"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	UserID         string   `json:"user_id"`
	SourceBranch   string   `json:"source_branch"`
	TargetBranch   string   `json:"target_branch"`
	Args           []string `json:"args"`
}

// ExecutionHandler runs bounded executions on request
type ExecutionHandler struct {
	executor Executor
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(executor Executor) *ExecutionHandler {
	return &ExecutionHandler{executor: executor}
}

// CreateExecution runs one operation and blocks until it finishes. A
// command that ran and failed is still a 200 with success=false in the
// result; errors are reserved for rejected, cancelled or unprovisioned runs.
func (h *ExecutionHandler) CreateExecution(c *gin.Context) {
	var req ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	ec := execution.ExecutionContext{
		ProjectID:      req.ProjectID,
		ExecutionID:    req.ExecutionID,
		CorrelationID:  logging.GetCorrelationID(ctx),
		RepositoryURL:  req.RepositoryURL,
		TimeoutSeconds: req.TimeoutSeconds,
		UserID:         req.UserID,
	}

	var (
		result *execution.Result
		err    error
	)
	switch req.Operation {
	case execution.OperationNpmCI:
		result, err = h.executor.ExecuteNpmCI(ctx, ec)
	case execution.OperationNpmBuild:
		result, err = h.executor.ExecuteNpmBuild(ctx, ec)
	case execution.OperationGitMerge:
		result, err = h.executor.ExecuteGitMerge(ctx, ec, execution.MergeRequest{
			SourceBranch: req.SourceBranch,
			TargetBranch: req.TargetBranch,
		})
	default:
		result, err = h.executor.ExecuteCommand(ctx, ec, req.Args)
	}
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, result)
}
