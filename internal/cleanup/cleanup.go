// Package cleanup removes downloaded files that have outlived their
// retention window, based on the persisted download history.
package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/ircbooks/fetcher/internal/logctx"
	"github.com/ircbooks/fetcher/internal/storage"
)

// DeleteExpiredFiles deletes tracked files older than keepDuration.
func DeleteExpiredFiles(ctx context.Context, records []storage.DownloadRecord, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, rec := range records {
		if rec.Path == "" {
			continue
		}

		info, err := os.Stat(rec.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", rec.Path, "err", err)

			return err
		}

		finishedAt := rec.FinishedAt
		if finishedAt.IsZero() {
			// fallback: use file mod time
			finishedAt = info.ModTime()
		}

		if now.Sub(finishedAt) > keepDuration {
			if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired file", "file", rec.Path, "err", err)

				return err
			}

			logger.Info("deleted expired file", "file", rec.Path)
		}
	}

	return nil
}
