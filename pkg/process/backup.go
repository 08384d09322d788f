package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/retry"
)

// backupStamp is the timestamp layout embedded in backup file names.
const backupStamp = "20060102-150405"

// BackupFile copies a report file into backupDir before a swap modifies it
// and returns the backup path. The copy retries on sharing violations:
// antivirus and indexer scans often hold a freshly closed report for a
// moment.
func BackupFile(ctx context.Context, path, backupDir string, logger *zap.Logger) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	dst := backupName(backupDir, path, time.Now())
	err := retry.DoIfRetryable(ctx, retry.FileAccessConfig(), func() error {
		return copyFile(path, dst)
	})
	if err != nil {
		return "", fmt.Errorf("back up %s: %w", filepath.Base(path), err)
	}

	logger.Info("Created backup",
		zap.String("file", filepath.Base(path)),
		zap.String("backup", filepath.Base(dst)))
	return dst, nil
}

// backupName builds a timestamped sibling name inside dir, adding a numeric
// suffix when two backups land within the same second.
func backupName(dir, src string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(src, `\`, "/"))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stamp := now.Format(backupStamp)

	candidate := filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, stamp, ext))
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%s-%d%s", stem, stamp, n, ext))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
