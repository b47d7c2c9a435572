package pager

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// RecordType is the kind of a WAL record.
type RecordType string

const (
	RecordTransaction RecordType = "TRANSACTION"
	RecordPageWrite    RecordType = "PAGE_WRITE"
	RecordCheckpoint   RecordType = "CHECKPOINT"
)

// Operation is the sub-kind of a TRANSACTION record.
type Operation string

const (
	OpBegin    Operation = "BEGIN"
	OpCommit   Operation = "COMMIT"
	OpRollback Operation = "ROLLBACK"
)

// Record is one line of the write-ahead log. BeforeImage/AfterImage are
// whole-page byte strings, hex-encoded on disk.
type Record struct {
	LSN           uint64     `json:"lsn"`
	Timestamp     int64      `json:"timestamp"`
	Type          RecordType `json:"type"`
	TxnID         uint64     `json:"txn_id,omitempty"`
	Operation     Operation  `json:"operation,omitempty"`
	FileID        FileID     `json:"file_id,omitempty"`
	PageID        PageID     `json:"page_id,omitempty"`
	BeforeImage   string     `json:"before_image,omitempty"`
	AfterImage    string     `json:"after_image,omitempty"`
	CheckpointLSN uint64     `json:"checkpoint_lsn,omitempty"`
}

// BeforeBytes/AfterBytes decode the hex page images.
func (r Record) BeforeBytes() ([]byte, error) { return hex.DecodeString(r.BeforeImage) }
func (r Record) AfterBytes() ([]byte, error)  { return hex.DecodeString(r.AfterImage) }

// clockFunc supplies record timestamps; the caller passes one to
// NewWAL.
type clockFunc func() int64

// WAL is the append-only write-ahead log. Exactly one file (the
// "current" file) is appended to at a time; checkpoints seal it and
// open a new one.
type WAL struct {
	mu      sync.Mutex
	dir     string
	clock   clockFunc
	lastLSN uint64 // atomic
	seq     int
	cur     *os.File
	curBuf  *bufio.Writer
	lastCkptLSN uint64
}

// Recovered summarizes a recovery run.
type Recovered struct {
	CommittedTxns   int
	RedonePages     int
	SkippedCorrupt  int
}

func walFileName(seq int) string {
	return fmt.Sprintf("wal_%010d.log", seq)
}

// NewWAL opens (or creates) the WAL directory, replaying recovery if
// the newest log file is non-empty, and leaves the log ready to append
// to a fresh current file.
func NewWAL(root string, files *FileManager, clock clockFunc) (*WAL, *Recovered, error) {
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	dir := filepath.Join(root, "wal")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir wal dir: %w", err)
	}
	w := &WAL{dir: dir, clock: clock}

	seqs, err := existingSequences(dir)
	if err != nil {
		return nil, nil, err
	}

	var recovered *Recovered
	if len(seqs) > 0 {
		last := seqs[len(seqs)-1]
		fi, err := os.Stat(filepath.Join(dir, walFileName(last)))
		if err == nil && fi.Size() > 0 {
			rec, maxLSN, err := runRecovery(dir, seqs, files)
			if err != nil {
				return nil, nil, err
			}
			recovered = rec
			w.lastLSN = maxLSN
		} else if len(seqs) > 0 {
			w.lastLSN, _ = maxLSNInFiles(dir, seqs)
		}
		w.seq = last + 1
	} else {
		w.seq = 0
	}

	if err := w.rollLocked(); err != nil {
		return nil, nil, err
	}
	return w, recovered, nil
}

func existingSequences(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read wal dir: %w", err)
	}
	var seqs []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "wal_%010d.log", &n); err == nil {
			seqs = append(seqs, n)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

// rollLocked opens a brand new current file. Caller holds w.mu or is
// the constructor (no concurrent access yet).
func (w *WAL) rollLocked() error {
	if w.curBuf != nil {
		w.curBuf.Flush()
	}
	if w.cur != nil {
		w.cur.Close()
	}
	path := filepath.Join(w.dir, walFileName(w.seq))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open wal file %q: %w", path, err)
	}
	w.cur = f
	w.curBuf = bufio.NewWriter(f)
	w.seq++
	return nil
}

// Append allocates the next LSN strictly monotonically, writes the
// record, and flushes it to durable storage before returning.
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := atomic.AddUint64(&w.lastLSN, 1)
	rec.LSN = lsn
	rec.Timestamp = w.clock()
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal wal record: %w", err)
	}
	if _, err := w.curBuf.Write(line); err != nil {
		return 0, fmt.Errorf("append wal record: %w", err)
	}
	if err := w.curBuf.WriteByte('\n'); err != nil {
		return 0, fmt.Errorf("append wal record: %w", err)
	}
	if err := w.curBuf.Flush(); err != nil {
		return 0, fmt.Errorf("flush wal record: %w", err)
	}
	if err := w.cur.Sync(); err != nil {
		return 0, fmt.Errorf("sync wal record: %w", err)
	}
	return lsn, nil
}

// LastDurableLSN implements BufferPool's WALForcer.
func (w *WAL) LastDurableLSN() uint64 {
	return atomic.LoadUint64(&w.lastLSN)
}

// Checkpoint writes a CHECKPOINT record, seals the current file, and
// starts a new one whose first LSN is checkpoint_lsn+1.
func (w *WAL) Checkpoint() (uint64, error) {
	w.mu.Lock()
	lsn := atomic.AddUint64(&w.lastLSN, 1)
	rec := Record{LSN: lsn, Timestamp: w.clock(), Type: RecordCheckpoint, CheckpointLSN: lsn}
	line, err := json.Marshal(rec)
	if err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := w.curBuf.Write(line); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("append checkpoint: %w", err)
	}
	w.curBuf.WriteByte('\n')
	if err := w.curBuf.Flush(); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := w.cur.Sync(); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("sync checkpoint: %w", err)
	}
	w.lastCkptLSN = lsn
	err = w.rollLocked()
	w.mu.Unlock()
	return lsn, err
}

// PruneCheckpointed deletes WAL files whose maximum LSN is less than
// the last checkpoint's LSN.
func (w *WAL) PruneCheckpointed() (int, error) {
	w.mu.Lock()
	ckpt := w.lastCkptLSN
	dir := w.dir
	w.mu.Unlock()
	if ckpt == 0 {
		return 0, nil
	}
	seqs, err := existingSequences(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, seq := range seqs {
		path := filepath.Join(dir, walFileName(seq))
		maxLSN, err := maxLSNInFile(path)
		if err != nil {
			continue
		}
		if maxLSN > 0 && maxLSN < ckpt {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Close flushes and closes the current WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curBuf != nil {
		w.curBuf.Flush()
	}
	if w.cur != nil {
		return w.cur.Close()
	}
	return nil
}

func maxLSNInFiles(dir string, seqs []int) (uint64, error) {
	var max uint64
	for _, seq := range seqs {
		m, err := maxLSNInFile(filepath.Join(dir, walFileName(seq)))
		if err != nil {
			continue
		}
		if m > max {
			max = m
		}
	}
	return max, nil
}

func maxLSNInFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var max uint64
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.LSN > max {
			max = rec.LSN
		}
	}
	return max, nil
}
