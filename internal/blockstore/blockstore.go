// Package blockstore is the single-writer, append-only Block log (C1, §4.1). It is
// grounded on the teacher's `consensus/sequence` and `auxiliarium/samizdat` Minds:
// an in-memory map guarded by a deadlock.Mutex, restored from and flushed to disk as
// JSON via jsoniter (matching `consensus/mindstate/db.go`'s
// `var json = jsoniter.ConfigCompatibleWithStandardLibrary`), plus an append-only
// on-disk log (one JSON block per line, fsynced before the append call returns) so
// that "each append must be durable before acknowledgment" (§4.1) holds even if the
// process is killed between appends.
package blockstore

import (
	"bufio"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/otiai10/copy"
	"github.com/sasha-s/go-deadlock"

	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a single Block Store instance. In production exactly one process holds
// the Calendar lock and therefore the exclusive right to Append; readers (Scan, ByID)
// are safe to call concurrently from any goroutine.
type Store struct {
	mutex     deadlock.Mutex
	byID      map[int64]calcore.Block
	byType    map[calcore.BlockType][]int64 // ids, in append order
	tip       calcore.Block
	haveTip   bool
	dir       string
	logFile   *os.File
	logWriter *bufio.Writer
}

// Open opens (or creates) a Block Store rooted at dir, replaying its append log to
// rebuild the in-memory index. dir is created if it does not exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, calerr.Wrap(calerr.Fatal, "creating block store directory", err)
	}
	s := &Store{
		byID:   make(map[int64]calcore.Block),
		byType: make(map[calcore.BlockType][]int64),
		dir:    dir,
	}
	logPath := dir + "/blocks.log"
	if err := s.replay(logPath); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, calerr.Wrap(calerr.Fatal, "opening block log for append", err)
	}
	s.logFile = f
	s.logWriter = bufio.NewWriter(f)
	return s, nil
}

func (s *Store) replay(logPath string) error {
	f, err := os.Open(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return calerr.Wrap(calerr.Fatal, "opening block log for replay", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var b calcore.Block
		if err := json.Unmarshal(line, &b); err != nil {
			return calerr.Wrap(calerr.Fatal, "corrupt block log line", err)
		}
		s.index(b)
	}
	if err := scanner.Err(); err != nil {
		return calerr.Wrap(calerr.Fatal, "reading block log", err)
	}
	return nil
}

func (s *Store) index(b calcore.Block) {
	s.byID[b.ID] = b
	s.byType[b.Type] = append(s.byType[b.Type], b.ID)
	if !s.haveTip || b.ID > s.tip.ID {
		s.tip = b
		s.haveTip = true
	}
}

// Append writes b as the next block. It fails (Conflict) if b.ID already exists or if
// b.PrevHash does not match the store's current tip hash, per §4.1.
func (s *Store) Append(b calcore.Block) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.byID[b.ID]; exists {
		return calerr.New(calerr.Conflict, "block id already exists")
	}
	wantPrev := calcore.ZeroHash
	if s.haveTip {
		wantPrev = s.tip.Hash
	}
	if b.PrevHash != wantPrev {
		return calerr.New(calerr.Conflict, "prevHash does not match store tip")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return calerr.Wrap(calerr.Fatal, "marshalling block for append", err)
	}
	if _, err := s.logWriter.Write(append(raw, '\n')); err != nil {
		return calerr.Wrap(calerr.Transient, "writing block to log", err)
	}
	if err := s.logWriter.Flush(); err != nil {
		return calerr.Wrap(calerr.Transient, "flushing block log", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return calerr.Wrap(calerr.Transient, "fsyncing block log", err)
	}
	s.index(b)
	return nil
}

// Tip returns the current highest-id block atomically.
func (s *Store) Tip() (calcore.Block, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.tip, s.haveTip
}

// ByID returns the block with the given id, if present.
func (s *Store) ByID(id int64) (calcore.Block, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	b, ok := s.byID[id]
	return b, ok
}

// Scan returns, in id order, every block with id in [fromID, toID] (inclusive) whose
// type is in types (or every type, if types is empty).
func (s *Store) Scan(fromID, toID int64, types ...calcore.BlockType) []calcore.Block {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	wanted := make(map[calcore.BlockType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []calcore.Block
	for id := fromID; id <= toID; id++ {
		b, ok := s.byID[id]
		if !ok {
			continue
		}
		if len(wanted) == 0 || wanted[b.Type] {
			out = append(out, b)
		}
	}
	return out
}

// LastOfType returns the most recent block of the given type for stackID, used by the
// Anchor scheduler to find `lastBtcAnchorBlockId` (§4.1).
func (s *Store) LastOfType(t calcore.BlockType, stackID string) (calcore.Block, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ids := s.byType[t]
	for i := len(ids) - 1; i >= 0; i-- {
		b := s.byID[ids[i]]
		if b.StackID == stackID {
			return b, true
		}
	}
	return calcore.Block{}, false
}

// Len returns the number of blocks currently stored.
func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.byID)
}

// Close flushes and closes the append log.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.logWriter != nil {
		_ = s.logWriter.Flush()
	}
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

// SnapshotBeforeUpgrade copies the entire store directory aside using otiai10/copy
// before a schema-version bump, matching the teacher's dependency on the same
// library for point-in-time directory snapshots.
func (s *Store) SnapshotBeforeUpgrade(destDir string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.logWriter.Flush(); err != nil {
		return calerr.Wrap(calerr.Transient, "flushing block log before snapshot", err)
	}
	if err := copy.Copy(s.dir, destDir); err != nil {
		return calerr.Wrap(calerr.Transient, "snapshotting block store", err)
	}
	return nil
}
