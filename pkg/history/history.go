// Package history keeps a local record of completed downloads.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

const bucketName = "downloads"

// keyLayout sorts lexically in time order.
const keyLayout = "20060102T150405.000000000"

// Entry describes one finished download.
type Entry struct {
	ID          string         `json:"id"`
	FileName    string         `json:"file_name"`
	Fingerprint string         `json:"fingerprint"`
	Size        int64          `json:"size"`
	BlockCount  int            `json:"block_count"`
	Blocks      map[string]int `json:"blocks"`
	CompletedAt time.Time      `json:"completed_at"`
}

type Store struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket '%s': %w", bucketName, err)
	}

	logger.Sugar.Infof("[History] opened %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Record(e Entry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.CompletedAt.UTC().Format(keyLayout) + "/" + e.ID

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket '%s' not found", bucketName)
		}
		return b.Put([]byte(key), data)
	})
}

// List returns every entry, oldest first.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket '%s' not found", bucketName)
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt history entry %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
