package sqlite

import (
	"database/sql"
	"time"

	"github.com/ircbooks/fetcher/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

// TrackDownload appends one resolved download to the history.
func (r *HistoryRepository) TrackDownload(rec *storage.DownloadRecord) error {
	finishedAt := rec.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	res, err := r.db.Exec(`
		INSERT INTO downloads (user, filename, path, status, bytes, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.User, rec.Filename, rec.Path, rec.Status, rec.Bytes, finishedAt.Format(time.RFC3339))
	if err != nil {
		return err
	}

	rec.ID, _ = res.LastInsertId()

	return nil
}

// GetDownloads returns the full download history, newest first.
func (r *HistoryRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(`SELECT id, user, filename, path, status, bytes, finished_at FROM downloads ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record     storage.DownloadRecord
			finishedAt string
		)

		if err := rows.Scan(&record.ID, &record.User, &record.Filename, &record.Path, &record.Status, &record.Bytes, &finishedAt); err != nil {
			return nil, err
		}

		record.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
