package grouping

import (
	"hash/fnv"
	"sync"

	"github.com/clarapipe/dicom-adapter/model"
)

// shardCount is the number of lock shards the bucket table is split across.
// Distinct keys almost always land in distinct shards, so concurrent
// associations writing to different buckets never contend (spec §4.E/§5).
const shardCount = 32

type shard struct {
	mu      sync.Mutex
	buckets map[model.BucketKey]*model.Bucket
}

// Table is a bucket map sharded by hash(key) % shardCount.
type Table struct {
	shards [shardCount]*shard
}

// NewTable creates an empty Table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{buckets: make(map[model.BucketKey]*model.Bucket)}
	}
	return t
}

func shardIndex(key model.BucketKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.CalledAE))
	h.Write([]byte{byte(key.Kind)})
	h.Write([]byte(key.Value))
	return int(h.Sum32() % shardCount)
}

// WithLock runs fn while holding the shard lock for key, giving the caller
// an atomic read-modify-write over that bucket only — other keys in other
// shards proceed uncontended.
func (t *Table) WithLock(key model.BucketKey, fn func(buckets map[model.BucketKey]*model.Bucket)) {
	s := t.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.buckets)
}

// Get returns the bucket for key, if any, under its shard lock.
func (t *Table) Get(key model.BucketKey) (*model.Bucket, bool) {
	s := t.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	return b, ok
}

// Delete removes key from the table under its shard lock.
func (t *Table) Delete(key model.BucketKey) {
	s := t.shards[shardIndex(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
}
