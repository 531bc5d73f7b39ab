// Package storage defines the persistence contracts for the download
// history. The live queue itself is deliberately not persisted.
package storage

import "time"

// DownloadRecord is one resolved (completed or failed) book download.
type DownloadRecord struct {
	ID         int64
	User       string
	Filename   string
	Path       string
	Status     string
	Bytes      int64
	FinishedAt time.Time
}

// HistoryRepository records resolved downloads and reads them back for the
// status API and the cleanup loop.
type HistoryRepository interface {
	TrackDownload(rec *DownloadRecord) error
	GetDownloads() ([]DownloadRecord, error)
}
