package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

func TestNewExecutionContext(t *testing.T) {
	ec := NewExecutionContext("proj-1", "exec-1")

	assert.NotEmpty(t, ec.CorrelationID)
	assert.Equal(t, DefaultTimeoutSeconds*time.Second, ec.Timeout())
	require.NoError(t, ec.Validate())

	other := ec.WithRepository("git@github.com:acme/app.git").WithTimeout(90)
	assert.Empty(t, ec.RepositoryURL)
	assert.Equal(t, "git@github.com:acme/app.git", other.RepositoryURL)
	assert.Equal(t, 90*time.Second, other.Timeout())
	require.NoError(t, other.Validate())
}

func TestExecutionContext_ZeroTimeoutUsesDefault(t *testing.T) {
	ec := ExecutionContext{ProjectID: "p", ExecutionID: "e"}

	require.NoError(t, ec.Validate())
	assert.Equal(t, DefaultTimeoutSeconds*time.Second, ec.Timeout())
}

func TestExecutionContext_ValidationDetails(t *testing.T) {
	ec := ExecutionContext{ProjectID: "a..b", ExecutionID: "exec 1", TimeoutSeconds: -1}

	err := ec.Validate()

	require.Error(t, err)
	var appErr *apperrors.AppError
	require.True(t, apperrors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrorTypeValidation, appErr.Type)
	assert.Equal(t, "safe_id", appErr.Detail("ProjectID"))
	assert.Equal(t, "safe_id", appErr.Detail("ExecutionID"))
	assert.Equal(t, "min", appErr.Detail("TimeoutSeconds"))
}

func TestIsValidRepositoryURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://github.com/acme/app.git", true},
		{"http://gitea.local:3000/acme/app", true},
		{"ssh://git@github.com/acme/app.git", true},
		{"git://example.org/app.git", true},
		{"git@github.com:acme/app.git", true},
		{"file:///etc/passwd", false},
		{"ftp://example.org/app.git", false},
		{"https://github.com/acme/../etc", false},
		{"https://github.com/acme/app.git?x=$(id)", false},
		{"https://github.com/acme/app.git && curl evil", false},
		{"git@github.com:../../etc", false},
		{"https:///no-host", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, isValidRepositoryURL(tt.url))
		})
	}
}

func TestIsValidRef(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"main", true},
		{"feature/login-form", true},
		{"release-1.2.3", true},
		{"user_x/fix.bug", true},
		{"-main", false},
		{"/main", false},
		{"feature..x", false},
		{"feature//x", false},
		{"feature/", false},
		{"topic.", false},
		{"topic.lock", false},
		{"main; rm -rf /", false},
		{"main`id`", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, isValidRef(tt.ref))
		})
	}
}

func TestMergeRequest_Validate(t *testing.T) {
	assert.NoError(t, MergeRequest{SourceBranch: "feature/a", TargetBranch: "main"}.Validate())

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	err := MergeRequest{SourceBranch: string(long), TargetBranch: "main"}.Validate()
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}
