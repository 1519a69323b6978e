package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/banca/pkg/roster"
)

const (
	checkpointsDir = "checkpoints"
	userdataDir    = "userdata"

	lockStripes = 64
)

// userData mirrors the per-thread record the coordinator looks up.
type userData struct {
	ID          string    `json:"id" bson:"_id"`
	ActiveAgent string    `json:"activeAgent" bson:"activeAgent"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// FileStore writes one JSON document per thread under a directory.
// Writes go through a temp file and rename so readers never see a partial
// document. Writers of one thread always share a lock stripe.
type FileStore struct {
	dir   string
	locks [lockStripes]sync.Mutex
}

// NewFileStore creates the directory layout under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store directory is required")
	}
	for _, sub := range []string{checkpointsDir, userdataDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	log.Debug().Str("dir", dir).Msg("File store initialized")
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Backend() string { return "file" }

func (s *FileStore) checkpointPath(threadID string) string {
	return filepath.Join(s.dir, checkpointsDir, threadID+".json")
}

func (s *FileStore) userdataPath(threadID string) string {
	return filepath.Join(s.dir, userdataDir, threadID+".json")
}

func (s *FileStore) lockFor(threadID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(threadID)%lockStripes]
}

func writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt document %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := readJSON(s.checkpointPath(threadID), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := prepareSave(cp); err != nil {
		return err
	}
	lock := s.lockFor(cp.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	return writeAtomic(s.checkpointPath(cp.ThreadID), cp)
}

func (s *FileStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	lock := s.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	for _, path := range []string{s.checkpointPath(threadID), s.userdataPath(threadID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (s *FileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, checkpointsDir))
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		threadID := strings.TrimSuffix(name, ".json")

		cp, err := s.Load(ctx, threadID)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("Skipping unreadable checkpoint during prune")
			continue
		}
		if !cp.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, threadID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *FileStore) GetActiveAgent(ctx context.Context, threadID string) (roster.ID, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return roster.Unknown, err
	}
	var doc userData
	if err := readJSON(s.userdataPath(threadID), &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return roster.Unknown, nil
		}
		return roster.Unknown, err
	}
	return normalizeAgent(doc.ActiveAgent), nil
}

func (s *FileStore) SetActiveAgent(ctx context.Context, threadID string, agent roster.ID) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := validateAgent(agent); err != nil {
		return err
	}
	lock := s.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	return writeAtomic(s.userdataPath(threadID), userData{
		ID:          threadID,
		ActiveAgent: string(agent),
		UpdatedAt:   time.Now().UTC(),
	})
}

func (s *FileStore) Close() error { return nil }
