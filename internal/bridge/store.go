package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

// sessionsDocument is the single JSON document on disk.
type sessionsDocument struct {
	Sessions map[string]*PersistedSession `json:"sessions"`
}

// Store persists session records as one JSON document on the data volume.
// Writes go through a temp file, fsync and rename so a crash mid-write
// leaves the previous document intact.
type Store struct {
	path string
	mu   sync.Mutex
	log  *logger.Logger
}

// NewStore creates a store writing to path. The parent directory is
// created on first save.
func NewStore(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		path: path,
		log:  log.WithFields(zap.String("component", "session-store")),
	}
}

// Load reads all persisted sessions. A missing file yields an empty map.
func (s *Store) Load() (map[string]*PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("No persisted sessions file found", zap.String("path", s.path))
			return map[string]*PersistedSession{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions file: %w", err)
	}

	var doc sessionsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sessions file %s: %w", s.path, err)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*PersistedSession{}
	}
	return doc.Sessions, nil
}

// Save atomically replaces the document with the given sessions.
func (s *Store) Save(sessions map[string]*PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(sessionsDocument{Sessions: sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp sessions file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync sessions file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace sessions file: %w", err)
	}

	s.log.Debug("Persisted sessions",
		zap.Int("count", len(sessions)),
		zap.String("path", s.path))
	return nil
}
