package abuse

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketBlocked = []byte("blocked_requests")

// BoltAuditStore implements AuditStore using BoltDB.
// Keys sort by creation time so listing walks the bucket backwards.
type BoltAuditStore struct {
	db *bolt.DB
}

// NewBoltAuditStore creates the blocked requests bucket in an open database
func NewBoltAuditStore(db *bolt.DB) (*BoltAuditStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlocked)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create blocked requests bucket: %w", err)
	}
	return &BoltAuditStore{db: db}, nil
}

// Record inserts a blocked request
func (s *BoltAuditStore) Record(ctx context.Context, req *BlockedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal blocked request: %w", err)
	}

	key := []byte(req.CreatedAt.UTC().Format("20060102150405.000000000") + ":" + req.ID)

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlocked)
		if bucket.Get(key) != nil {
			return fmt.Errorf("blocked request %s already recorded", req.ID)
		}
		return bucket.Put(key, data)
	})
}

// List returns blocked requests newest first
func (s *BoltAuditStore) List(ctx context.Context, filter BlockedFilter) ([]*BlockedRequest, error) {
	var out []*BlockedRequest
	skipped := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocked).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var req BlockedRequest
			if err := json.Unmarshal(v, &req); err != nil {
				continue
			}
			if filter.Form != "" && req.Form != filter.Form {
				continue
			}
			if filter.IP != "" && req.IP != filter.IP {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			out = append(out, &req)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return out, err
}
