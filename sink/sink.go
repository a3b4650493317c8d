// Package sink persists extracted records: a content-hash index for
// idempotent re-delivery, an append-only JSONL journal per run, and
// per-account CSV tracking tables written atomically at flush.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

// Sink receives extracted records. Persist must be safe for concurrent
// workers and idempotent: redelivering an unchanged record reports
// Duplicate and writes nothing.
type Sink interface {
	Persist(rec models.Record) (models.PersistOutcome, error)
	Flush() error
	Close() error
}

const indexFileName = "index.json"

// indexEntry is one persisted entity in the dedup index.
type indexEntry struct {
	Hash      string    `json:"hash"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// journalLine is the JSONL journal record format.
type journalLine struct {
	EntityID string            `json:"entity_id"`
	Kind     string            `json:"kind"`
	Outcome  string            `json:"outcome"`
	Fields   map[string]string `json:"fields"`
	Handle   string            `json:"handle"`
	At       time.Time         `json:"at"`
}

// FileSink writes to a data directory. One instance serves one run; the
// dedup index and the tracking tables survive across runs on disk.
type FileSink struct {
	dir        string
	versioning string

	mu       sync.Mutex
	index    map[string]indexEntry
	tracking *trackingTables
	journal  *os.File
	dirty    bool
}

// NewFileSink opens (or creates) the data directory, loads the dedup
// index and the existing tracking tables, and starts a journal for the
// given run.
func NewFileSink(cfg config.SinkConfig, dataDir, runID string) (*FileSink, error) {
	for _, d := range []string{dataDir, filepath.Join(dataDir, "journal")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, ioErr("create data directory", err)
		}
	}

	s := &FileSink{
		dir:        dataDir,
		versioning: cfg.Versioning,
		index:      make(map[string]indexEntry),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	tracking, err := loadTrackingTables(dataDir)
	if err != nil {
		return nil, err
	}
	s.tracking = tracking

	journalPath := filepath.Join(dataDir, "journal", runID+".jsonl")
	journal, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, ioErr("open run journal", err)
	}
	s.journal = journal
	return s, nil
}

// Persist stores one record. Outcomes: Duplicate when the entity exists
// with identical content, Updated when it exists with different
// content, Inserted otherwise. Duplicates touch nothing on disk.
//
// The dedup key includes the record kind: a grid stub and the full
// video record describe the same entity at different detail levels and
// must not invalidate each other's hashes between runs.
func (s *FileSink) Persist(rec models.Record) (models.PersistOutcome, error) {
	if rec.EntityID == "" {
		return "", models.NewPipelineError(models.ErrCodePersistConflict, "record without entity id", nil)
	}
	hash := rec.ContentHash()
	now := time.Now().UTC()
	key := rec.EntityID + "#" + string(rec.Kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.index[key]
	if exists && prev.Hash == hash {
		return models.PersistDuplicate, nil
	}

	outcome := models.PersistInserted
	entry := indexEntry{Hash: hash, FirstSeen: now, UpdatedAt: now}
	if exists {
		outcome = models.PersistUpdated
		entry.FirstSeen = prev.FirstSeen
	}

	if err := s.appendJournal(rec, outcome, now); err != nil {
		return "", err
	}

	s.tracking.apply(rec, s.versioning, entry.FirstSeen, now)
	s.index[key] = entry
	s.dirty = true
	return outcome, nil
}

// Flush writes the tracking tables and the dedup index to disk. Each
// file is written to a temp sibling and renamed into place, so a crash
// mid-flush leaves the previous version intact.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	if err := s.tracking.writeAll(s.dir); err != nil {
		return err
	}
	if err := s.writeIndex(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close flushes and releases the journal.
func (s *FileSink) Close() error {
	flushErr := s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		if err := s.journal.Close(); err != nil && flushErr == nil {
			flushErr = ioErr("close run journal", err)
		}
		s.journal = nil
	}
	return flushErr
}

func (s *FileSink) appendJournal(rec models.Record, outcome models.PersistOutcome, now time.Time) error {
	line := journalLine{
		EntityID: rec.EntityID,
		Kind:     string(rec.Kind),
		Outcome:  string(outcome),
		Fields:   rec.Fields,
		Handle:   rec.Source.Handle,
		At:       now,
	}
	buf, err := json.Marshal(line)
	if err != nil {
		return models.NewPipelineError(models.ErrCodeInternal, "journal line marshal failed", err)
	}
	buf = append(buf, '\n')
	if _, err := s.journal.Write(buf); err != nil {
		return ioErr("append run journal", err)
	}
	return nil
}

func (s *FileSink) loadIndex() error {
	buf, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ioErr("read dedup index", err)
	}
	if err := json.Unmarshal(buf, &s.index); err != nil {
		// A corrupt index only costs dedup accuracy for one run.
		s.index = make(map[string]indexEntry)
	}
	return nil
}

func (s *FileSink) writeIndex() error {
	buf, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return models.NewPipelineError(models.ErrCodeInternal, "dedup index marshal failed", err)
	}
	return atomicWrite(filepath.Join(s.dir, indexFileName), buf)
}

// atomicWrite writes data to a temp file in the target's directory and
// renames it into place.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return ioErr("create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ioErr("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ioErr("close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return ioErr("commit "+filepath.Base(path), err)
	}
	return nil
}

func ioErr(op string, err error) error {
	return models.NewPipelineError(models.ErrCodePersistIO, fmt.Sprintf("sink: %s", op), err)
}
