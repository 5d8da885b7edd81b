package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/filemutex"
	"github.com/nicodishanthj/soldocs/internal/idl"
)

const (
	programsFile = "programs.json"
	queueFile    = "queue.json"
	docsDir      = "docs"
	idlsDir      = "idls"
)

var (
	// ErrInvalidProgramID rejects identifiers outside base58[32..44].
	ErrInvalidProgramID = errors.New("invalid program id")
	// ErrNotFound is returned by lookups that miss.
	ErrNotFound = errors.New("not found")

	programIDPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidProgramID reports whether id is a well-formed base58 program address.
func ValidProgramID(id string) bool {
	return programIDPattern.MatchString(id)
}

// Store persists the program index, work queue, IDL cache, and generated
// documentation under a single data directory. Mutating operations come in
// plain and *Safe flavors; the Safe variants serialize read-modify-write
// sequences on the affected file through a keyed mutex so the agent and the
// HTTP handlers can share the store.
type Store struct {
	dir   string
	locks *filemutex.Mutex
}

// New creates the data directory layout if needed and returns a Store
// rooted there.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("data directory required")
	}
	for _, sub := range []string{dir, filepath.Join(dir, docsDir), filepath.Join(dir, idlsDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{dir: dir, locks: filemutex.New()}, nil
}

// Dir returns the data directory root.
func (s *Store) Dir() string { return s.dir }

// ---- program index ----

// ListPrograms returns every index record in storage order.
func (s *Store) ListPrograms() ([]ProgramMetadata, error) {
	var programs []ProgramMetadata
	if err := s.readJSON(programsFile, &programs); err != nil {
		return nil, err
	}
	return programs, nil
}

// GetProgram looks up a single index record.
func (s *Store) GetProgram(id string) (ProgramMetadata, error) {
	if !ValidProgramID(id) {
		return ProgramMetadata{}, ErrInvalidProgramID
	}
	programs, err := s.ListPrograms()
	if err != nil {
		return ProgramMetadata{}, err
	}
	for _, p := range programs {
		if p.ProgramID == id {
			return p, nil
		}
	}
	return ProgramMetadata{}, ErrNotFound
}

// SaveProgram upserts an index record, replacing any entry with the same id.
func (s *Store) SaveProgram(p ProgramMetadata) error {
	if !ValidProgramID(p.ProgramID) {
		return ErrInvalidProgramID
	}
	programs, err := s.ListPrograms()
	if err != nil {
		return err
	}
	replaced := false
	for i := range programs {
		if programs[i].ProgramID == p.ProgramID {
			programs[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		programs = append(programs, p)
	}
	return s.writeJSON(programsFile, programs)
}

// SaveProgramSafe is SaveProgram under the program-index file lock.
func (s *Store) SaveProgramSafe(p ProgramMetadata) error {
	return s.locks.Acquire(programsFile, func() error { return s.SaveProgram(p) })
}

// RemoveProgram deletes an index record. Missing ids are not an error.
func (s *Store) RemoveProgram(id string) error {
	if !ValidProgramID(id) {
		return ErrInvalidProgramID
	}
	programs, err := s.ListPrograms()
	if err != nil {
		return err
	}
	kept := programs[:0]
	for _, p := range programs {
		if p.ProgramID != id {
			kept = append(kept, p)
		}
	}
	return s.writeJSON(programsFile, kept)
}

// RemoveProgramSafe is RemoveProgram under the program-index file lock.
func (s *Store) RemoveProgramSafe(id string) error {
	return s.locks.Acquire(programsFile, func() error { return s.RemoveProgram(id) })
}

// Stats folds the program index into per-status counts.
func (s *Store) Stats() (Stats, error) {
	programs, err := s.ListPrograms()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(programs)}
	for _, p := range programs {
		switch p.Status {
		case StatusDocumented:
			stats.Documented++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// ---- queue ----

// ListQueue returns every queue item.
func (s *Store) ListQueue() ([]QueueItem, error) {
	var queue []QueueItem
	if err := s.readJSON(queueFile, &queue); err != nil {
		return nil, err
	}
	return queue, nil
}

// ListPending returns the queue items awaiting processing.
func (s *Store) ListPending() ([]QueueItem, error) {
	queue, err := s.ListQueue()
	if err != nil {
		return nil, err
	}
	pending := make([]QueueItem, 0, len(queue))
	for _, item := range queue {
		if item.Status == StatusPending {
			pending = append(pending, item)
		}
	}
	return pending, nil
}

// GetQueueItem looks up a queue item by program id.
func (s *Store) GetQueueItem(id string) (QueueItem, error) {
	if !ValidProgramID(id) {
		return QueueItem{}, ErrInvalidProgramID
	}
	queue, err := s.ListQueue()
	if err != nil {
		return QueueItem{}, err
	}
	for _, item := range queue {
		if item.ProgramID == id {
			return item, nil
		}
	}
	return QueueItem{}, ErrNotFound
}

// AddToQueue enqueues a program. A failed item is re-armed with its retry
// budget reset; a pending or processing item is left untouched. At most one
// item ever exists per program id.
func (s *Store) AddToQueue(id string) (QueueItem, QueueDisposition, error) {
	if !ValidProgramID(id) {
		return QueueItem{}, "", ErrInvalidProgramID
	}
	queue, err := s.ListQueue()
	if err != nil {
		return QueueItem{}, "", err
	}
	for i := range queue {
		if queue[i].ProgramID != id {
			continue
		}
		if queue[i].Status == StatusFailed {
			queue[i].Status = StatusPending
			queue[i].Attempts = 0
			queue[i].LastError = ""
			if err := s.writeJSON(queueFile, queue); err != nil {
				return QueueItem{}, "", err
			}
			return queue[i], QueueRequeued, nil
		}
		return queue[i], QueueExists, nil
	}
	item := QueueItem{ProgramID: id, Status: StatusPending, AddedAt: time.Now().UTC()}
	queue = append(queue, item)
	if err := s.writeJSON(queueFile, queue); err != nil {
		return QueueItem{}, "", err
	}
	return item, QueueCreated, nil
}

// AddToQueueSafe is AddToQueue under the queue file lock.
func (s *Store) AddToQueueSafe(id string) (QueueItem, QueueDisposition, error) {
	var (
		item QueueItem
		disp QueueDisposition
	)
	err := s.locks.Acquire(queueFile, func() error {
		var inner error
		item, disp, inner = s.AddToQueue(id)
		return inner
	})
	return item, disp, err
}

// QueueUpdate is a partial merge applied to an existing queue item. Nil
// fields are left unchanged.
type QueueUpdate struct {
	Status    *ProgramStatus
	Attempts  *int
	LastError *string
}

// UpdateQueueItem merges update into the item for id.
func (s *Store) UpdateQueueItem(id string, update QueueUpdate) (QueueItem, error) {
	if !ValidProgramID(id) {
		return QueueItem{}, ErrInvalidProgramID
	}
	queue, err := s.ListQueue()
	if err != nil {
		return QueueItem{}, err
	}
	for i := range queue {
		if queue[i].ProgramID != id {
			continue
		}
		if update.Status != nil {
			queue[i].Status = *update.Status
		}
		if update.Attempts != nil {
			queue[i].Attempts = *update.Attempts
		}
		if update.LastError != nil {
			queue[i].LastError = *update.LastError
		}
		if err := s.writeJSON(queueFile, queue); err != nil {
			return QueueItem{}, err
		}
		return queue[i], nil
	}
	return QueueItem{}, ErrNotFound
}

// UpdateQueueItemSafe is UpdateQueueItem under the queue file lock.
func (s *Store) UpdateQueueItemSafe(id string, update QueueUpdate) (QueueItem, error) {
	var item QueueItem
	err := s.locks.Acquire(queueFile, func() error {
		var inner error
		item, inner = s.UpdateQueueItem(id, update)
		return inner
	})
	return item, err
}

// RemoveFromQueue deletes the item for id. Missing ids are not an error.
func (s *Store) RemoveFromQueue(id string) error {
	if !ValidProgramID(id) {
		return ErrInvalidProgramID
	}
	queue, err := s.ListQueue()
	if err != nil {
		return err
	}
	kept := queue[:0]
	for _, item := range queue {
		if item.ProgramID != id {
			kept = append(kept, item)
		}
	}
	return s.writeJSON(queueFile, kept)
}

// RemoveFromQueueSafe is RemoveFromQueue under the queue file lock.
func (s *Store) RemoveFromQueueSafe(id string) error {
	return s.locks.Acquire(queueFile, func() error { return s.RemoveFromQueue(id) })
}

// RecoverStuckItems flips every processing item back to pending. Invoked
// once at agent start so work interrupted by a crash is retried.
func (s *Store) RecoverStuckItems() (int, error) {
	recovered := 0
	err := s.locks.Acquire(queueFile, func() error {
		queue, err := s.ListQueue()
		if err != nil {
			return err
		}
		for i := range queue {
			if queue[i].Status == StatusProcessing {
				queue[i].Status = StatusPending
				recovered++
			}
		}
		if recovered == 0 {
			return nil
		}
		return s.writeJSON(queueFile, queue)
	})
	return recovered, err
}

// ---- IDL cache ----

// GetIDL returns the cached interface description for id.
func (s *Store) GetIDL(id string) (IDLCache, error) {
	if !ValidProgramID(id) {
		return IDLCache{}, ErrInvalidProgramID
	}
	path := filepath.Join(idlsDir, id+".json")
	var cache IDLCache
	if err := s.readJSON(path, &cache); err != nil {
		return IDLCache{}, err
	}
	if cache.ProgramID == "" {
		return IDLCache{}, ErrNotFound
	}
	return cache, nil
}

// SaveIDL hashes the document and persists the cache record, returning it.
func (s *Store) SaveIDL(id string, doc idl.IDL) (IDLCache, error) {
	if !ValidProgramID(id) {
		return IDLCache{}, ErrInvalidProgramID
	}
	hash, err := idl.Hash(doc)
	if err != nil {
		return IDLCache{}, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return IDLCache{}, fmt.Errorf("encode idl: %w", err)
	}
	cache := IDLCache{ProgramID: id, IDL: raw, Hash: hash, FetchedAt: time.Now().UTC()}
	if err := s.writeJSON(filepath.Join(idlsDir, id+".json"), cache); err != nil {
		return IDLCache{}, err
	}
	return cache, nil
}

// SaveIDLSafe is SaveIDL under the per-program IDL file lock.
func (s *Store) SaveIDLSafe(id string, doc idl.IDL) (IDLCache, error) {
	var cache IDLCache
	err := s.locks.Acquire(filepath.Join(idlsDir, id+".json"), func() error {
		var inner error
		cache, inner = s.SaveIDL(id, doc)
		return inner
	})
	return cache, err
}

// RemoveIDL deletes the cached IDL for id.
func (s *Store) RemoveIDL(id string) error {
	if !ValidProgramID(id) {
		return ErrInvalidProgramID
	}
	return removeFile(filepath.Join(s.dir, idlsDir, id+".json"))
}

// ---- documentation ----

// GetDocumentation returns the generated docs for id.
func (s *Store) GetDocumentation(id string) (Documentation, error) {
	if !ValidProgramID(id) {
		return Documentation{}, ErrInvalidProgramID
	}
	path := filepath.Join(docsDir, id+".json")
	var docs Documentation
	if err := s.readJSON(path, &docs); err != nil {
		return Documentation{}, err
	}
	if docs.ProgramID == "" {
		return Documentation{}, ErrNotFound
	}
	return docs, nil
}

// SaveDocumentation persists the generated docs for docs.ProgramID.
func (s *Store) SaveDocumentation(docs Documentation) error {
	if !ValidProgramID(docs.ProgramID) {
		return ErrInvalidProgramID
	}
	return s.writeJSON(filepath.Join(docsDir, docs.ProgramID+".json"), docs)
}

// SaveDocumentationSafe is SaveDocumentation under the per-program docs
// file lock.
func (s *Store) SaveDocumentationSafe(docs Documentation) error {
	path := filepath.Join(docsDir, docs.ProgramID+".json")
	return s.locks.Acquire(path, func() error { return s.SaveDocumentation(docs) })
}

// RemoveDocumentation deletes the docs file for id.
func (s *Store) RemoveDocumentation(id string) error {
	if !ValidProgramID(id) {
		return ErrInvalidProgramID
	}
	return removeFile(filepath.Join(s.dir, docsDir, id+".json"))
}

// ---- file plumbing ----

// readJSON decodes the file at rel into out. A missing file leaves out at
// its zero value. An unparseable file is moved aside to
// <path>.corrupt.<epoch> and treated as missing.
func (s *Store) readJSON(rel string, out any) error {
	path := filepath.Join(s.dir, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		corrupt := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
		common.Logger().Warn("store: unparseable file quarantined", "file", rel, "moved_to", corrupt, "error", err)
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			return fmt.Errorf("quarantine %s: %w", rel, renameErr)
		}
		return nil
	}
	return nil
}

// writeJSON writes out atomically: encode to <path>.tmp, then rename over
// the destination. Readers observe either the old or the new content.
func (s *Store) writeJSON(rel string, v any) error {
	path := filepath.Join(s.dir, rel)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit %s: %w", rel, err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
