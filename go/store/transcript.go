package store

import (
	"fmt"
	"sync"

	"github.com/jgraettinger/gorocksdb"
)

// TranscriptStore is an append-only rocksdb-backed log of raw session
// bytes, keyed by job_id/command_idx (§B: transcripts are write-once,
// read-rarely, and unbounded — a poor fit for sqlite's row model, a
// natural fit for an LSM put/get store).
type TranscriptStore struct {
	db *gorocksdb.DB
	wo *gorocksdb.WriteOptions
	ro *gorocksdb.ReadOptions
}

// OpenTranscriptStore opens (creating if needed) the rocksdb database at path.
func OpenTranscriptStore(path string) (*TranscriptStore, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript store: %w", err)
	}
	return &TranscriptStore{
		db: db,
		wo: gorocksdb.NewDefaultWriteOptions(),
		ro: gorocksdb.NewDefaultReadOptions(),
	}, nil
}

func (t *TranscriptStore) Close() {
	t.wo.Destroy()
	t.ro.Destroy()
	t.db.Close()
}

// SessionTranscript is a session.TranscriptSink bound to one job/command,
// appending raw chunks under a monotonically increasing sequence key so
// Read can replay them in capture order.
type SessionTranscript struct {
	store      *TranscriptStore
	jobID      string
	commandIdx int
	mu         sync.Mutex
	seq        int
}

// For returns a transcript sink scoped to one job's command index.
func (t *TranscriptStore) For(jobID string, commandIdx int) *SessionTranscript {
	return &SessionTranscript{store: t, jobID: jobID, commandIdx: commandIdx}
}

func transcriptKey(jobID string, commandIdx, seq int) []byte {
	return []byte(fmt.Sprintf("%s/%08d/%010d", jobID, commandIdx, seq))
}

func transcriptPrefix(jobID string, commandIdx int) []byte {
	return []byte(fmt.Sprintf("%s/%08d/", jobID, commandIdx))
}

// Append implements session.TranscriptSink: each chunk is stored under its
// own sequence key rather than accumulated in memory, so transcript size is
// bounded only by disk.
func (s *SessionTranscript) Append(data []byte) error {
	s.mu.Lock()
	key := transcriptKey(s.jobID, s.commandIdx, s.seq)
	s.seq++
	s.mu.Unlock()

	if err := s.store.db.Put(s.store.wo, key, data); err != nil {
		return fmt.Errorf("appending transcript chunk: %w", err)
	}
	return nil
}

// Read replays every stored chunk for one job/command in capture order,
// concatenated.
func (t *TranscriptStore) Read(jobID string, commandIdx int) ([]byte, error) {
	prefix := transcriptPrefix(jobID, commandIdx)
	it := t.db.NewIterator(t.ro)
	defer it.Close()

	var out []byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		value := it.Value()
		out = append(out, value.Data()...)
		value.Free()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return out, nil
}
