package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunKind names which executor produced a Record.
type RunKind string

const (
	KindWorkflow  RunKind = "workflow"
	KindBranch    RunKind = "branch"
	KindGraph     RunKind = "graph"
	KindScheduler RunKind = "scheduler"
)

// Record is one persisted phase/branch/graph run, keyed by RunID.
type Record struct {
	RunID      string          `json:"runId"`
	Kind       RunKind         `json:"kind"`
	Name       string          `json:"name"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload"`
}

var (
	bucketRuns     = []byte("runs")
	bucketVersions = []byte("versions")
	bucketIndexes  = []byte("indexes")
)

// Store is a bbolt-backed persistence layer for run records. Grounded
// on the orchestrator's WorkflowStore: a hot in-memory cache in front
// of bbolt, per-write version archiving, and archive-on-delete.
type Store struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	cache        map[string]Record
	maxCacheSize int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) a bbolt database at dbPath/runs.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath+"/runs.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketVersions, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	if meter == nil {
		meter = otel.GetMeterProvider().Meter("flowctl-persistence")
	}
	readLatency, _ := meter.Float64Histogram("flowctl_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("flowctl_store_write_ms")
	cacheHits, _ := meter.Int64Counter("flowctl_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("flowctl_store_cache_misses_total")

	s := &Store{
		db:           db,
		cache:        make(map[string]Record),
		maxCacheSize: 1000,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			s.cache[rec.RunID] = rec
			return nil
		})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// PutRun stores a run record, archiving any prior version of the same
// run id and indexing it by kind:name:timestamp for range queries.
func (s *Store) PutRun(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put_run")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if existing := runs.Get([]byte(rec.RunID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", rec.RunID, time.Now().UnixNano())
			if err := versions.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("store version: %w", err)
			}
		}
		if err := runs.Put([]byte(rec.RunID), data); err != nil {
			return err
		}
		indexes := tx.Bucket(bucketIndexes)
		indexKey := fmt.Sprintf("%s:%s:%d:%s", rec.Kind, rec.Name, rec.StartedAt.UnixNano(), rec.RunID)
		return indexes.Put([]byte(indexKey), []byte(rec.RunID))
	})
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	if len(s.cache) >= s.maxCacheSize {
		s.evictOldest()
	}
	s.cache[rec.RunID] = rec
	return nil
}

// GetRun retrieves a run by id, checking the memory cache first.
func (s *Store) GetRun(ctx context.Context, runID string) (Record, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "get_run")))
	}()

	s.mu.RLock()
	if rec, ok := s.cache[runID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return rec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var rec Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read run: %w", err)
	}
	if !found {
		return Record{}, false, nil
	}

	s.mu.Lock()
	s.cache[runID] = rec
	s.mu.Unlock()
	return rec, true, nil
}

// ListRuns returns up to limit records of the given kind/name whose
// StartedAt falls within [start, end], oldest first.
func (s *Store) ListRuns(ctx context.Context, kind RunKind, name string, start, end time.Time, limit int) ([]Record, error) {
	records := make([]Record, 0, limit)
	prefix := []byte(fmt.Sprintf("%s:%s:", kind, name))

	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		runs := tx.Bucket(bucketRuns)
		cursor := indexes.Cursor()

		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			data := runs.Get(v)
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.StartedAt.After(end) {
				break
			}
			if rec.StartedAt.Before(start) {
				continue
			}
			records = append(records, rec)
			count++
		}
		return nil
	})
	return records, err
}

// RunVersions returns up to limit archived prior versions of runID,
// oldest first.
func (s *Store) RunVersions(ctx context.Context, runID string, limit int) ([]Record, error) {
	versions := make([]Record, 0, limit)
	prefix := []byte(runID + ":")

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		cursor := bucket.Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			versions = append(versions, rec)
			count++
		}
		return nil
	})
	return versions, err
}

// DeleteRun removes a run, archiving its current value first.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		data := runs.Get([]byte(runID))
		if data != nil {
			versions := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("%s:archive:%d", runID, time.Now().UnixNano())
			if err := versions.Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return runs.Delete([]byte(runID))
	})
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	delete(s.cache, runID)
	return nil
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldestTime time.Time
	for id, rec := range s.cache {
		if oldestID == "" || rec.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.StartedAt
		}
	}
	if oldestID != "" {
		delete(s.cache, oldestID)
	}
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
