// Package snapshot persists compressed state checkpoints so long logs can be
// replayed from a recent boundary instead of from scratch. Snapshots are an
// accelerator only: the log remains the source of truth, and any snapshot
// that cannot be decoded or trusted falls back to a full replay.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	apperrors "github.com/emberveil/sagalog/internal/platform/errors"
	"github.com/emberveil/sagalog/internal/saga/state"
)

// ErrNoSnapshot indicates no checkpoint exists for an instance.
var ErrNoSnapshot = apperrors.New(apperrors.CodeNotFound, "no snapshot for instance")

// Snapshot is a state checkpoint at a log boundary. Seq is the highest
// sequence number folded into State; every transaction at or below Seq was
// in a settled status when the snapshot was captured.
type Snapshot struct {
	InstanceID  string       `json:"instance_id"`
	TemplateRef string       `json:"template_ref"`
	Seq         uint64       `json:"seq"`
	CapturedAt  time.Time    `json:"captured_at"`
	State       *state.State `json:"state"`
}

// Store persists encoded snapshots keyed by instance id.
type Store interface {
	Put(ctx context.Context, instanceID string, data []byte) error
	// Get returns the encoded snapshot or ErrNoSnapshot.
	Get(ctx context.Context, instanceID string) ([]byte, error)
	Delete(ctx context.Context, instanceID string) error
}

// Encode serializes and compresses a snapshot.
func Encode(snap Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses and deserializes a snapshot.
func Decode(data []byte) (Snapshot, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return Snapshot{}, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// FileStore keeps one compressed snapshot file per instance in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".snap.zst")
}

func (s *FileStore) Put(_ context.Context, instanceID string, data []byte) error {
	tmp := s.path(instanceID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(instanceID)); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, instanceID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, instanceID string) error {
	err := os.Remove(s.path(instanceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
