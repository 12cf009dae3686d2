package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rbright/candor/internal/commit"
	"github.com/rbright/candor/internal/logging"
	"github.com/rbright/candor/internal/media"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// createDebugFile creates timestamped debug artifacts under the candor state dir.
func createDebugFile(prefix string, extension string) (*os.File, error) {
	stateDir, err := logging.StateDir()
	if err != nil {
		return nil, err
	}
	debugDir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0o700); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}

	prefix = unsafeName.ReplaceAllString(prefix, "_")
	timestamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(debugDir, fmt.Sprintf("%s-%s.%s", prefix, timestamp, extension))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open debug file %q: %w", path, err)
	}
	return file, nil
}

// dumpWAV writes one encoded artifact body for offline inspection.
func dumpWAV(questionID string, body []byte) (string, error) {
	file, err := createDebugFile("answer-"+questionID, "wav")
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.Write(body); err != nil {
		return "", fmt.Errorf("write debug audio dump: %w", err)
	}
	return file.Name(), nil
}

// DumpingUploader writes every WAV artifact to the debug dir before handing it to next.
func DumpingUploader(next commit.Uploader, logger *slog.Logger) commit.Uploader {
	return commit.UploadFunc(func(ctx context.Context, token string, artifact *media.Artifact) (string, error) {
		if artifact != nil && artifact.MIMEType == "audio/wav" {
			path, err := dumpWAV(artifact.QuestionID, artifact.Data)
			switch {
			case err != nil && logger != nil:
				logger.Warn("debug audio dump failed", "question_id", artifact.QuestionID, "error", err.Error())
			case err == nil && logger != nil:
				logger.Debug("debug audio dump written", "question_id", artifact.QuestionID, "path", path)
			}
		}
		if next == nil {
			return "", fmt.Errorf("no uploader configured")
		}
		return next.Upload(ctx, token, artifact)
	})
}
