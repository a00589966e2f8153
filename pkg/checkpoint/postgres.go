package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// blobThreshold is the encoded size above which a state value is moved
// to checkpoint_blobs and replaced by a reference.
const blobThreshold = 16 * 1024

const tagBlobRef = "blob_ref"

type blobRef struct {
	Channel string `json:"channel"`
	Version string `json:"version"`
}

type checkpointMeta struct {
	ParentID  string     `json:"parent_checkpoint_id,omitempty"`
	NextNodes []string   `json:"next_nodes,omitempty"`
	Tasks     []taskMeta `json:"tasks,omitempty"`
	Step      int        `json:"step"`
}

type taskMeta struct {
	RunID    string          `json:"run_id"`
	Node     string          `json:"node"`
	Input    json.RawMessage `json:"input,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// PostgresStore persists checkpoints across the checkpoints,
// checkpoint_writes and checkpoint_blobs tables.
type PostgresStore struct {
	db *sql.DB

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

// NewPostgresStore wraps an existing connection pool. The schema is
// created by the database package migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:      db,
		writers: make(map[string]*sync.Mutex),
	}
}

// writerLock serializes writers per thread; readers go straight to the
// database.
func (s *PostgresStore) writerLock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.writers[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.writers[threadID] = lock
	}
	return lock
}

func (s *PostgresStore) Put(ctx context.Context, cp *Checkpoint) error {
	lock := s.writerLock(cp.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	encoded := make(map[string]json.RawMessage, len(cp.Values))
	for key, value := range cp.Values {
		raw, err := encodeValue(value)
		if err != nil {
			return fmt.Errorf("encode state key %q: %w", key, err)
		}
		encoded[key] = raw
	}

	meta, err := encodeMeta(cp)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Extract oversized values into blobs referenced by
	// (channel, checkpoint_id).
	for key, raw := range encoded {
		if len(raw) <= blobThreshold {
			continue
		}
		var t tagged
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("inspect state key %q: %w", key, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoint_blobs (thread_id, channel, version, type, value)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (thread_id, channel, version) DO UPDATE SET value = EXCLUDED.value`,
			cp.ThreadID, key, cp.ID, t.Tag, []byte(raw))
		if err != nil {
			return fmt.Errorf("store blob for %q: %w", key, err)
		}
		ref, err := marshalTagged(tagBlobRef, blobRef{Channel: key, Version: cp.ID})
		if err != nil {
			return err
		}
		encoded[key] = ref
	}

	values, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshal checkpoint values: %w", err)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, values_data, metadata, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		cp.ThreadID, cp.ID, cp.ParentID, values, meta, createdAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	// Staged writes for the parent step are superseded by this
	// checkpoint.
	if cp.ParentID != "" {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM checkpoint_writes WHERE thread_id = $1 AND checkpoint_id = $2`,
			cp.ThreadID, cp.ParentID)
		if err != nil {
			return fmt.Errorf("clear staged writes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []Write) error {
	lock := s.writerLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin writes tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range writes {
		raw, err := encodeValue(w.Value)
		if err != nil {
			return fmt.Errorf("encode write for channel %q: %w", w.Channel, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoint_writes (thread_id, checkpoint_id, task_id, idx, channel, value)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (thread_id, checkpoint_id, task_id, idx) DO UPDATE SET value = EXCLUDED.value`,
			threadID, checkpointID, w.TaskID, w.Index, w.Channel, []byte(raw))
		if err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, COALESCE(parent_checkpoint_id, ''), values_data, metadata, created_at
		 FROM checkpoints c
		 WHERE thread_id = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM checkpoints child
		     WHERE child.thread_id = c.thread_id
		       AND child.parent_checkpoint_id = c.checkpoint_id)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		threadID)
	return s.scanCheckpoint(ctx, threadID, row)
}

func (s *PostgresStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, COALESCE(parent_checkpoint_id, ''), values_data, metadata, created_at
		 FROM checkpoints
		 WHERE thread_id = $1 AND checkpoint_id = $2`,
		threadID, checkpointID)
	return s.scanCheckpoint(ctx, threadID, row)
}

func (s *PostgresStore) ListAncestry(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, COALESCE(parent_checkpoint_id, ''), values_data, metadata, created_at
		 FROM checkpoints
		 WHERE thread_id = $1
		 ORDER BY created_at ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := s.scanInto(ctx, threadID, rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, threadID string) error {
	lock := s.writerLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"checkpoint_writes", "checkpoint_blobs", "checkpoints"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE thread_id = $1`, table), threadID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) scanCheckpoint(ctx context.Context, threadID string, row *sql.Row) (*Checkpoint, error) {
	cp, err := s.scanInto(ctx, threadID, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

func (s *PostgresStore) scanInto(ctx context.Context, threadID string, scan func(...any) error) (*Checkpoint, error) {
	var (
		id, parentID string
		valuesData   []byte
		metaData     []byte
		createdAt    time.Time
	)
	if err := scan(&id, &parentID, &valuesData, &metaData, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	var encoded map[string]json.RawMessage
	if err := json.Unmarshal(valuesData, &encoded); err != nil {
		return nil, fmt.Errorf("decode checkpoint values: %w", err)
	}

	// Resolve blob references before decoding.
	for key, raw := range encoded {
		var t tagged
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("inspect state key %q: %w", key, err)
		}
		if t.Tag != tagBlobRef {
			continue
		}
		var ref blobRef
		if err := json.Unmarshal(t.Value, &ref); err != nil {
			return nil, fmt.Errorf("decode blob ref for %q: %w", key, err)
		}
		var blob []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT value FROM checkpoint_blobs WHERE thread_id = $1 AND channel = $2 AND version = $3`,
			threadID, ref.Channel, ref.Version).Scan(&blob)
		if err != nil {
			return nil, fmt.Errorf("load blob for %q: %w", key, err)
		}
		encoded[key] = blob
	}

	values := make(map[string]any, len(encoded))
	for key, raw := range encoded {
		value, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode state key %q: %w", key, err)
		}
		values[key] = value
	}

	cp := &Checkpoint{
		ThreadID:  threadID,
		ID:        id,
		ParentID:  parentID,
		Values:    values,
		CreatedAt: createdAt,
	}
	if err := decodeMeta(metaData, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func encodeMeta(cp *Checkpoint) ([]byte, error) {
	meta := checkpointMeta{
		ParentID:  cp.ParentID,
		NextNodes: cp.NextNodes,
		Step:      cp.Step,
	}
	for _, task := range cp.Tasks {
		var input, metadata json.RawMessage
		if task.Input != nil {
			raw, err := encodeValue(task.Input)
			if err != nil {
				return nil, fmt.Errorf("encode task input for %s: %w", task.Node, err)
			}
			input = raw
		}
		if task.Metadata != nil {
			raw, err := encodeValue(task.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encode task metadata for %s: %w", task.Node, err)
			}
			metadata = raw
		}
		meta.Tasks = append(meta.Tasks, taskMeta{RunID: task.RunID, Node: task.Node, Input: input, Metadata: metadata})
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint metadata: %w", err)
	}
	return data, nil
}

func decodeMeta(data []byte, cp *Checkpoint) error {
	var meta checkpointMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("decode checkpoint metadata: %w", err)
	}
	cp.NextNodes = meta.NextNodes
	cp.Step = meta.Step
	for _, task := range meta.Tasks {
		t := Task{RunID: task.RunID, Node: task.Node}
		if len(task.Input) > 0 {
			input, err := decodeValue(task.Input)
			if err != nil {
				return fmt.Errorf("decode task input for %s: %w", task.Node, err)
			}
			t.Input = input
		}
		if len(task.Metadata) > 0 {
			metadata, err := decodeValue(task.Metadata)
			if err != nil {
				return fmt.Errorf("decode task metadata for %s: %w", task.Node, err)
			}
			if m, ok := metadata.(map[string]any); ok {
				t.Metadata = m
			}
		}
		cp.Tasks = append(cp.Tasks, t)
	}
	return nil
}
