package storage

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Checkpointer is the narrow capability the scheduler needs: force a
// WAL checkpoint and prune segments it has already covered.
type Checkpointer interface {
	Checkpoint() (uint64, error)
	PruneCheckpointed() (int, error)
}

// CheckpointScheduler periodically forces a WAL checkpoint on a CRON
// schedule, so the log's committed-set boundary advances even under
// light or bursty write load and old segments get pruned promptly.
type CheckpointScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	target  Checkpointer
	entryID cron.EntryID
	running bool
}

// NewCheckpointScheduler wires a scheduler to the engine's WAL (or any
// Checkpointer). The cron spec is passed to Start, e.g. "@every 30s"
// or "0 */5 * * * *" for a six-field (seconds-first) expression.
func NewCheckpointScheduler(target Checkpointer) *CheckpointScheduler {
	return &CheckpointScheduler{
		cron:   cron.New(cron.WithSeconds()),
		target: target,
	}
}

// Start registers the checkpoint job under spec and starts the cron
// loop. Calling Start twice without an intervening Stop replaces the
// schedule.
func (s *CheckpointScheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cron.Remove(s.entryID)
	}
	id, err := s.cron.AddFunc(spec, s.runCheckpoint)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.running = true
	return nil
}

func (s *CheckpointScheduler) runCheckpoint() {
	tag := CheckpointBackupName("checkpoint")
	lsn, err := s.target.Checkpoint()
	if err != nil {
		log.Printf("%s: scheduled checkpoint failed: %v", tag, err)
		return
	}
	pruned, err := s.target.PruneCheckpointed()
	if err != nil {
		log.Printf("%s: checkpoint %d: prune failed: %v", tag, lsn, err)
		return
	}
	log.Printf("%s: checkpoint %d complete, pruned %d wal segment(s)", tag, lsn, pruned)
}

// Stop halts the cron loop and waits for any in-flight checkpoint to
// finish.
func (s *CheckpointScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}
