// Package checkpoint persists file fingerprints in a bbolt database so a
// follow session can resume where the previous one stopped.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oicur0t/logview/pkg/models"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const bucketName = "fingerprints"

// Store implements fingerprint checkpoints on bbolt
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

type entry struct {
	Path          string    `json:"path"`
	Size          int64     `json:"size"`
	ModTime       time.Time `json:"mod_time"`
	FirstLineHash string    `json:"first_line_hash"`
	LineCount     int       `json:"line_count"`
	SavedAt       time.Time `json:"saved_at"`
}

// Open opens or creates the checkpoint database at path
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint db (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.Info("Checkpoint store opened", zap.String("db_path", path))
	return &Store{db: db, logger: logger}, nil
}

func key(path string) []byte {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return []byte(path)
}

// Load returns the saved fingerprint for file and whether one exists
func (s *Store) Load(ctx context.Context, file string) (models.Fingerprint, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Fingerprint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var (
		fp    models.Fingerprint
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get(key(file))
		if val == nil {
			return nil
		}

		var e entry
		if err := json.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("invalid checkpoint value: %w", err)
		}
		fp = models.Fingerprint{
			Path:          e.Path,
			Size:          e.Size,
			ModTime:       e.ModTime,
			FirstLineHash: e.FirstLineHash,
			LineCount:     e.LineCount,
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Fingerprint{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return fp, found, nil
}

// Save stores fp under its path
func (s *Store) Save(ctx context.Context, fp models.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	val, err := json.Marshal(entry{
		Path:          fp.Path,
		Size:          fp.Size,
		ModTime:       fp.ModTime,
		FirstLineHash: fp.FirstLineHash,
		LineCount:     fp.LineCount,
		SavedAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put(key(fp.Path), val)
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved",
		zap.String("file", fp.Path),
		zap.Int64("size", fp.Size),
		zap.Int("lines", fp.LineCount))
	return nil
}

// Delete removes the checkpoint for file
func (s *Store) Delete(ctx context.Context, file string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete(key(file))
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns every stored fingerprint keyed by path
func (s *Store) List(ctx context.Context) (map[string]models.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	result := make(map[string]models.Fingerprint)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				s.logger.Warn("Skipping unreadable checkpoint", zap.String("key", string(k)), zap.Error(err))
				return nil
			}
			result[string(k)] = models.Fingerprint{
				Path:          e.Path,
				Size:          e.Size,
				ModTime:       e.ModTime,
				FirstLineHash: e.FirstLineHash,
				LineCount:     e.LineCount,
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return result, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
