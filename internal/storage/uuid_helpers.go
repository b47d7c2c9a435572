package storage

import (
	"github.com/google/uuid"
)

// NewTraceID mints an identifier for correlating a transaction's log
// lines, independent of its numeric WAL txn_id (which restarts from 1
// every process lifetime and so can collide across restarts in
// external logs/metrics).
func NewTraceID() string {
	return uuid.NewString()
}

// CheckpointBackupName returns prefix joined to a random UUID; the
// checkpoint scheduler uses it to tag each run's log lines.
func CheckpointBackupName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
