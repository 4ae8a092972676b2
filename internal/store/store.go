// Package store provides server record persistence and retrieval.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("server not found")

// ErrLocked is returned when another supervisor holds the store.
var ErrLocked = errors.New("store is locked by another process")

const saveInterval = 5 * time.Second

// Store defines the interface for server record storage.
type Store interface {
	Save(rec *models.ServerRecord) error
	Get(id string) (*models.ServerRecord, error)
	List(filter ListFilter) ([]*models.ServerRecord, error)
	Delete(id string) error
	ForceSave() error
	Close() error
}

// ListFilter defines criteria for listing records.
type ListFilter struct {
	Status []models.ServerStatus
	Limit  int
	Offset int
}

// FileStore implements Store using a JSON file for persistence. Records are
// copied on the way in and out, so callers never share state with the store.
type FileStore struct {
	path    string
	lock    *flock.Flock
	records map[string]*models.ServerRecord
	mu      sync.RWMutex
	dirty   bool
	closeCh chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	// closeErr is the result of the final save, set before doneCh closes.
	closeErr error
}

// NewFileStore creates a new file-based store and takes an advisory lock on
// <path>.lock.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	fs := &FileStore{
		path:    path,
		lock:    lock,
		records: make(map[string]*models.ServerRecord),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := fs.load(); err != nil {
		lock.Unlock()
		return nil, err
	}

	go fs.backgroundSaver()

	return fs, nil
}

func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var records map[string]*models.ServerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}
	if records == nil {
		// The file held a JSON null.
		records = make(map[string]*models.ServerRecord)
	}

	fs.records = records
	return nil
}

func (fs *FileStore) save() error {
	fs.mu.RLock()
	data, err := json.MarshalIndent(fs.records, "", "  ")
	fs.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	tmpPath := fs.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (fs *FileStore) backgroundSaver() {
	defer close(fs.doneCh)

	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fs.mu.Lock()
			dirty := fs.dirty
			fs.dirty = false
			fs.mu.Unlock()

			if dirty {
				if err := fs.save(); err != nil {
					log.Printf("Warning: failed to persist store: %v", err)
					fs.mu.Lock()
					fs.dirty = true
					fs.mu.Unlock()
				}
			}
		case <-fs.closeCh:
			if err := fs.save(); err != nil {
				log.Printf("Warning: failed to persist store on close: %v", err)
				fs.closeErr = err
			}
			return
		}
	}
}

// Save stores or updates a record.
func (fs *FileStore) Save(rec *models.ServerRecord) error {
	if rec.ID == "" {
		return errors.New("record has no id")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.records[rec.ID] = rec.Clone()
	fs.dirty = true

	return nil
}

// Get retrieves a record by ID.
func (fs *FileStore) Get(id string) (*models.ServerRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec, exists := fs.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return rec.Clone(), nil
}

// List retrieves records matching the filter, newest first.
func (fs *FileStore) List(filter ListFilter) ([]*models.ServerRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var result []*models.ServerRecord

	for _, rec := range fs.records {
		if matchesFilter(rec, filter) {
			result = append(result, rec.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Seq > result[j].Seq
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*models.ServerRecord{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func matchesFilter(rec *models.ServerRecord, filter ListFilter) bool {
	if len(filter.Status) == 0 {
		return true
	}
	for _, s := range filter.Status {
		if rec.Status == s {
			return true
		}
	}
	return false
}

// Delete removes a record by ID.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.records[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(fs.records, id)
	fs.dirty = true

	return nil
}

// ForceSave immediately persists all records to disk. On failure the store
// stays dirty so the background saver retries.
func (fs *FileStore) ForceSave() error {
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
	if err := fs.save(); err != nil {
		fs.mu.Lock()
		fs.dirty = true
		fs.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the background saver, performs a final save and releases
// the lock. It is safe to call more than once; later calls return nil.
func (fs *FileStore) Close() error {
	var result *multierror.Error
	fs.once.Do(func() {
		close(fs.closeCh)
		<-fs.doneCh
		if fs.closeErr != nil {
			result = multierror.Append(result, fs.closeErr)
		}
		if err := fs.lock.Unlock(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to unlock store: %w", err))
		}
	})
	return result.ErrorOrNil()
}
