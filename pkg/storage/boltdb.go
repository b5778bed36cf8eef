package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sentinel-zero/sentinel/pkg/errdefs"
	"github.com/sentinel-zero/sentinel/pkg/types"
)

var (
	// Bucket names
	bucketWorkloads = []byte("workloads")
	bucketPolicies  = []byte("policies")
	bucketSchedules = []byte("schedules")
	bucketLogs      = []byte("logs")
	bucketMetrics   = []byte("metrics")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sentinel.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkloads,
			bucketPolicies,
			bucketSchedules,
			bucketLogs,
			bucketMetrics,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Workload operations

func (s *BoltStore) UpsertWorkload(w *types.Workload) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID), data)
	})
}

func (s *BoltStore) GetWorkload(id string) (*types.Workload, error) {
	var w types.Workload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("workload", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) GetWorkloadByName(name string) (*types.Workload, error) {
	var found *types.Workload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		return b.ForEach(func(k, v []byte) error {
			var w types.Workload
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Name == name {
				found = &w
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("workload", name)
	}
	return found, nil
}

func (s *BoltStore) ListWorkloads() ([]*types.Workload, error) {
	var workloads []*types.Workload
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkloads)
		return b.ForEach(func(k, v []byte) error {
			var w types.Workload
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workloads = append(workloads, &w)
			return nil
		})
	})
	return workloads, err
}

// DeleteWorkload removes the workload and its log/metric history in one
// transaction, so a re-created workload starts from sequence zero.
func (s *BoltStore) DeleteWorkload(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketWorkloads).Delete([]byte(id)); err != nil {
			return err
		}
		for _, parent := range [][]byte{bucketLogs, bucketMetrics} {
			b := tx.Bucket(parent)
			if b.Bucket([]byte(id)) != nil {
				if err := b.DeleteBucket([]byte(id)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Policy operations

func (s *BoltStore) PutPolicy(p *types.RestartPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Name), data)
	})
}

func (s *BoltStore) GetPolicy(name string) (*types.RestartPolicy, error) {
	var p types.RestartPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		data := b.Get([]byte(name))
		if data == nil {
			return errdefs.NotFound("policy", name)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPolicies() ([]*types.RestartPolicy, error) {
	var policies []*types.RestartPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		return b.ForEach(func(k, v []byte) error {
			var p types.RestartPolicy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			policies = append(policies, &p)
			return nil
		})
	})
	return policies, err
}

func (s *BoltStore) DeletePolicy(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).Delete([]byte(name))
	})
}

// Schedule operations

func (s *BoltStore) PutSchedule(sched *types.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		return b.Put([]byte(sched.ID), data)
	})
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var sched types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("schedule", id)
		}
		return json.Unmarshal(data, &sched)
	})
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		return b.ForEach(func(k, v []byte) error {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			schedules = append(schedules, &sched)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) ListSchedulesByWorkload(workloadID string) ([]*types.Schedule, error) {
	schedules, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Schedule
	for _, sched := range schedules {
		if sched.WorkloadID == workloadID {
			filtered = append(filtered, sched)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

// Log operations. Records live in one sub-bucket per workload, keyed by the
// big-endian sequence number so cursor order is sequence order.

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (s *BoltStore) AppendLogs(records []*types.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, rec := range records {
			b, err := tx.Bucket(bucketLogs).CreateBucketIfNotExists([]byte(rec.WorkloadID))
			if err != nil {
				return err
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(rec.Seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) QueryLogs(workloadID string, q LogQuery) ([]*types.LogRecord, error) {
	var records []*types.LogRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs).Bucket([]byte(workloadID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := seqKey(q.MinSeq)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if q.MaxSeq > 0 && binary.BigEndian.Uint64(k) > q.MaxSeq {
				break
			}
			var rec types.LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
				continue
			}
			if q.Stream != "" && rec.Stream != q.Stream {
				continue
			}
			if q.Contains != "" && !strings.Contains(rec.Payload, q.Contains) {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if q.Tail > 0 && len(records) > q.Tail {
		records = records[len(records)-q.Tail:]
	}
	return records, nil
}

func (s *BoltStore) LastLogSeq(workloadID string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs).Bucket([]byte(workloadID))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return seq, err
}

// PurgeLogsBefore deletes records older than cutoff or with sequence numbers
// up to and including maxSeq. Zero values disable the respective criterion.
func (s *BoltStore) PurgeLogsBefore(workloadID string, cutoff time.Time, maxSeq uint64) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs).Bucket([]byte(workloadID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			drop := false
			if maxSeq > 0 && seq <= maxSeq {
				drop = true
			}
			if !drop && !cutoff.IsZero() {
				var rec types.LogRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				if rec.Timestamp.Before(cutoff) {
					drop = true
				}
			}
			if !drop {
				// Keys are sequence-ordered and timestamps are
				// non-decreasing, so nothing later qualifies.
				break
			}
			stale = append(stale, bytes.Clone(k))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// Metric operations, keyed by big-endian unix nanoseconds

func timeKey(t time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(t.UnixNano()))
	return k[:]
}

func (s *BoltStore) AppendMetrics(samples []*types.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, sample := range samples {
			b, err := tx.Bucket(bucketMetrics).CreateBucketIfNotExists([]byte(sample.WorkloadID))
			if err != nil {
				return err
			}
			data, err := json.Marshal(sample)
			if err != nil {
				return err
			}
			if err := b.Put(timeKey(sample.Timestamp), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) QueryMetrics(workloadID string, q MetricQuery) ([]*types.MetricSample, error) {
	var samples []*types.MetricSample
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics).Bucket([]byte(workloadID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var start []byte
		if !q.Since.IsZero() {
			start = timeKey(q.Since)
		} else {
			start, _ = c.First()
			if start == nil {
				return nil
			}
		}
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var sample types.MetricSample
			if err := json.Unmarshal(v, &sample); err != nil {
				return err
			}
			if !q.Until.IsZero() && sample.Timestamp.After(q.Until) {
				break
			}
			samples = append(samples, &sample)
		}
		return nil
	})
	return samples, err
}

func (s *BoltStore) PurgeMetricsBefore(workloadID string, cutoff time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics).Bucket([]byte(workloadID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		end := timeKey(cutoff)
		var stale [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
			stale = append(stale, bytes.Clone(k))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

func (s *BoltStore) CountLogs(workloadID string) (int, error) {
	return s.countSub(bucketLogs, workloadID)
}

func (s *BoltStore) CountMetrics(workloadID string) (int, error) {
	return s.countSub(bucketMetrics, workloadID)
}

func (s *BoltStore) countSub(parent []byte, workloadID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(parent).Bucket([]byte(workloadID))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}
