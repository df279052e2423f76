package execution

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
)

// DefaultTimeoutSeconds is used when an ExecutionContext sets no timeout
const DefaultTimeoutSeconds = 30

// ExecutionContext identifies one unit of work. It is a value type; the
// With* methods return modified copies.
type ExecutionContext struct {
	ProjectID      string `json:"project_id" validate:"required,max=128,safe_id"`
	ExecutionID    string `json:"execution_id" validate:"required,max=128,safe_id"`
	CorrelationID  string `json:"correlation_id" validate:"omitempty,max=128,safe_id"`
	RepositoryURL  string `json:"repository_url,omitempty" validate:"omitempty,max=2048,repo_url"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"min=0,max=3600"`
	UserID         string `json:"user_id,omitempty" validate:"omitempty,max=128,safe_id"`
}

// NewExecutionContext creates a context with a fresh correlation id
func NewExecutionContext(projectID, executionID string) ExecutionContext {
	return ExecutionContext{
		ProjectID:      projectID,
		ExecutionID:    executionID,
		CorrelationID:  logging.NewCorrelationID(),
		TimeoutSeconds: DefaultTimeoutSeconds,
	}
}

// WithRepository returns a copy pointing at repositoryURL
func (c ExecutionContext) WithRepository(repositoryURL string) ExecutionContext {
	c.RepositoryURL = repositoryURL
	return c
}

// WithTimeout returns a copy with a new timeout budget
func (c ExecutionContext) WithTimeout(seconds int) ExecutionContext {
	c.TimeoutSeconds = seconds
	return c
}

// Timeout returns the per-command budget
func (c ExecutionContext) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks identifiers, timeout and repository URL
func (c ExecutionContext) Validate() error {
	return validateStruct(c)
}

// MergeRequest names the branches for a merge
type MergeRequest struct {
	SourceBranch string `json:"source_branch" validate:"required,max=255,git_ref"`
	TargetBranch string `json:"target_branch" validate:"required,max=255,git_ref,nefield=SourceBranch"`
}

// Validate checks both branch names
func (r MergeRequest) Validate() error {
	return validateStruct(r)
}

var (
	safeIDPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	gitRefPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	scpLikePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+@[A-Za-z0-9.-]+:[A-Za-z0-9_./~-]+$`)

	repoSchemes = map[string]bool{"https": true, "http": true, "ssh": true, "git": true}

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("safe_id", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return safeIDPattern.MatchString(s) && !strings.Contains(s, "..")
	})
	_ = v.RegisterValidation("git_ref", func(fl validator.FieldLevel) bool {
		return isValidRef(fl.Field().String())
	})
	_ = v.RegisterValidation("repo_url", func(fl validator.FieldLevel) bool {
		return isValidRepositoryURL(fl.Field().String())
	})
	return v
}

func isValidRef(ref string) bool {
	if !gitRefPattern.MatchString(ref) {
		return false
	}
	return !strings.Contains(ref, "..") &&
		!strings.Contains(ref, "//") &&
		!strings.HasSuffix(ref, "/") &&
		!strings.HasSuffix(ref, ".") &&
		!strings.HasSuffix(ref, ".lock")
}

func isValidRepositoryURL(raw string) bool {
	if strings.ContainsAny(raw, " \t\n;|&$`'\"<>\\") {
		return false
	}
	if scpLikePattern.MatchString(raw) {
		return !strings.Contains(raw, "..")
	}
	u, err := url.Parse(raw)
	if err != nil || !repoSchemes[u.Scheme] || u.Host == "" {
		return false
	}
	return !strings.Contains(u.Path, "..")
}

func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.NewValidationError(err.Error())
	}
	appErr := errors.NewValidationError("invalid " + fieldErrs[0].StructNamespace())
	for _, fe := range fieldErrs {
		appErr.WithDetail(fe.Field(), fe.Tag())
	}
	return appErr
}
