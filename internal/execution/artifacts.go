package execution

import (
	"context"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Nuosis/clarity-local-runner-sub002/internal/container"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/logging"
)

// captureArtifacts collects what the operation asks for. Every capture is
// best effort: a failure is logged at warn and the field is left empty.
func (s *Service) captureArtifacts(ctx context.Context, ec ExecutionContext, op operation, containerID string) Artifacts {
	var a Artifacts
	set := op.artifacts

	if set.files {
		if out, err := s.capture(ctx, ec, containerID, "files_modified", "git", "status", "--porcelain"); err == nil {
			a.FilesModified = parsePorcelain(out)
		}
	}
	if set.commit {
		if out, err := s.capture(ctx, ec, containerID, "commit_hash", "git", "rev-parse", "HEAD"); err == nil {
			a.CommitHash = strings.TrimSpace(out)
		}
	}
	if len(set.diff) > 0 {
		if out, err := s.capture(ctx, ec, containerID, "diff_output", set.diff...); err == nil {
			a.DiffOutput = out
		}
	}
	if len(set.toolVersion) > 0 {
		if out, err := s.capture(ctx, ec, containerID, "tool_version", set.toolVersion...); err == nil {
			a.ToolVersion = strings.TrimSpace(out)
		}
	}
	return a
}

func (s *Service) capture(ctx context.Context, ec ExecutionContext, containerID, artifact string, args ...string) (string, error) {
	res, err := s.provider.Exec(ctx, containerID, container.Command{
		Args:    args,
		WorkDir: s.workDir,
		Timeout: artifactTimeout,
	})
	if err == nil && !res.Success() {
		err = errors.NewCommandFailedError(strings.Join(args, " "), res.ExitCode)
	}
	if err != nil {
		s.metrics.RecordError("bounded_execution", "artifact_capture")
		s.logger.WithContext(ctx).WithFields(logrus.Fields{
			logging.FieldCorrelationID: ec.CorrelationID,
			logging.FieldProjectID:     ec.ProjectID,
			logging.FieldExecutionID:   ec.ExecutionID,
			"artifact":                 artifact,
			"error":                    err.Error(),
		}).Warn("Artifact capture failed")
		return "", err
	}
	return res.Stdout, nil
}

// parsePorcelain extracts paths from `git status --porcelain` output. For
// renames only the new path is kept.
func parsePorcelain(out string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}
