package model

import (
	"sort"
	"time"
)

// GroupingKind is the grouping-key strategy configured for a called AE.
type GroupingKind int

const (
	// GroupingNone assigns a fresh random key to every instance: one
	// bucket per instance.
	GroupingNone GroupingKind = iota
	GroupingPatientID
	GroupingStudyInstanceUID
	GroupingCallingAET
)

func (g GroupingKind) String() string {
	switch g {
	case GroupingPatientID:
		return "PatientId"
	case GroupingStudyInstanceUID:
		return "StudyInstanceUid"
	case GroupingCallingAET:
		return "CallingAet"
	default:
		return "None"
	}
}

// BucketKey identifies a grouping envelope. Two instances collapse into the
// same bucket iff their computed keys compare equal.
type BucketKey struct {
	CalledAE string
	Kind     GroupingKind
	// Value holds the discriminating part of the key: the patient id, the
	// study instance UID, the calling AE title, or (for GroupingNone) a
	// random per-instance token. Empty for no further discrimination.
	Value string
}

// BucketState is the lifecycle state of a grouping envelope.
type BucketState int

const (
	BucketOpen BucketState = iota
	BucketClosing
	BucketClosed
)

func (s BucketState) String() string {
	switch s {
	case BucketClosing:
		return "Closing"
	case BucketClosed:
		return "Closed"
	default:
		return "Open"
	}
}

// Bucket is the mutable grouping envelope described in spec §3. It is only
// ever mutated by the grouping.Engine while holding the shard lock for its
// Key; everywhere else it is handled as a read-only snapshot.
type Bucket struct {
	Key            BucketKey
	CreatedAt      time.Time
	LastInstanceAt time.Time
	// Instances is ordered by ReceivedAt; duplicate SOPInstanceUIDs are
	// collapsed on insert.
	Instances   []Instance
	State       BucketState
	PipelineIDs []string
	Priority    byte

	seen map[string]struct{} // SOPInstanceUID set, for dedup on Append
}

// NewBucket creates an Open bucket for key, seeded with the called-AE's
// pipeline ids and default priority.
func NewBucket(key BucketKey, pipelineIDs []string, priority byte, now time.Time) *Bucket {
	return &Bucket{
		Key:            key,
		CreatedAt:      now,
		LastInstanceAt: now,
		PipelineIDs:    append([]string(nil), pipelineIDs...),
		Priority:       priority,
		State:          BucketOpen,
		seen:           make(map[string]struct{}),
	}
}

// Append adds inst to the bucket if its SOPInstanceUID has not already been
// recorded, updating LastInstanceAt. Returns true if the bucket gained a new
// instance.
func (b *Bucket) Append(inst Instance, now time.Time) bool {
	if b.seen == nil {
		b.seen = make(map[string]struct{}, len(b.Instances))
		for _, existing := range b.Instances {
			b.seen[existing.SOPInstanceUID] = struct{}{}
		}
	}
	if _, dup := b.seen[inst.SOPInstanceUID]; dup {
		b.LastInstanceAt = now
		return false
	}
	b.seen[inst.SOPInstanceUID] = struct{}{}
	b.Instances = append(b.Instances, inst)
	b.LastInstanceAt = now
	return true
}

// SOPInstanceUIDs returns the distinct instance identifiers in receive
// order (ReceivedAt), with equal ReceivedAt values broken lexically by
// SOPInstanceUID — matching the manifest ordering rule in spec §5.
func (b *Bucket) SOPInstanceUIDs() []string {
	ordered := append([]Instance(nil), b.Instances...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
		}
		return ordered[i].SOPInstanceUID < ordered[j].SOPInstanceUID
	})
	out := make([]string, len(ordered))
	for i, inst := range ordered {
		out[i] = inst.SOPInstanceUID
	}
	return out
}
