package config

import (
	"os"
	"path/filepath"
)

// getDataDir determines where the embedded databases live.
// Priority: VIDPIPE_DATA_DIR environment variable > "./data" default
func getDataDir() string {
	if dir := os.Getenv("VIDPIPE_DATA_DIR"); dir != "" {
		return dir
	}
	return "./data"
}

// RecordsDBPath returns the path of the embedded record store.
// Only used when RECORD_BACKEND=pebble.
// Path: {DataDir}/records.db
func (c Config) RecordsDBPath() string {
	return filepath.Join(c.DataDir, "records.db")
}

// QueueDBPath returns the path of the embedded job queue.
// Only used when QUEUE_BACKEND=local, which requires API and worker
// to share one process (-mode=all).
// Path: {DataDir}/queue.db
func (c Config) QueueDBPath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// JournalDBPath returns the path of the worker attempt journal.
// Path: {DataDir}/journal.db
func (c Config) JournalDBPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}
