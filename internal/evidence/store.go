package evidence

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when no snapshot exists for a ref.
var ErrNotFound = errors.New("evidence: snapshot not found")

// Store is the evidence port's storage-backed implementation (spec.md
// §3 EvidenceSnapshot, §6 "content-addressed blob store... graph log is
// a per-tenant append-only JSONL file or table"). Snapshot blobs live in
// goleveldb, exactly the way the teacher's storage.LevelDB wraps it;
// the per-tenant graph-event log and the recency index used for GC live
// in a single bbolt database, one bucket pair per tenant.
type Store struct {
	blobs *leveldb.DB
	graph *bbolt.DB

	maxSnapshotsPerTenant int
	now                   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxSnapshotsPerTenant bounds how many snapshots Put retains on disk
// per tenant before garbage-collecting the oldest (spec.md §3: "GC
// retains at most N most recent snapshots on disk (configurable)").
func WithMaxSnapshotsPerTenant(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSnapshotsPerTenant = n
		}
	}
}

// Open opens (creating if absent) the blob store at blobPath and the
// graph/index database at graphPath.
func Open(blobPath, graphPath string, opts ...Option) (*Store, error) {
	blobs, err := leveldb.OpenFile(blobPath, nil)
	if err != nil {
		return nil, err
	}
	graph, err := bbolt.Open(graphPath, 0o600, nil)
	if err != nil {
		blobs.Close()
		return nil, err
	}
	s := &Store{
		blobs:                 blobs,
		graph:                 graph,
		maxSnapshotsPerTenant: 100,
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases both underlying databases.
func (s *Store) Close() error {
	graphErr := s.graph.Close()
	blobErr := s.blobs.Close()
	if blobErr != nil {
		return blobErr
	}
	return graphErr
}

func snapshotBucket(tenantID string) []byte { return []byte("snap:" + tenantID) }
func graphBucket(tenantID string) []byte    { return []byte("graph:" + tenantID) }

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Put writes a content-addressed snapshot, indexes it under the
// tenant's recency log, derives and appends its graph-event, and
// garbage-collects snapshots beyond the configured retention count.
// Writing the same snapshot twice is a no-op on the blob (same key,
// same bytes) but still appends a fresh index/graph entry, matching
// "Append is not idempotent" for the graph log (spec.md §5).
func (s *Store) Put(tenantID string, snap Snapshot, constraints []string) (Ref, GraphEvent, error) {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = s.now()
	}
	ref, canonical, err := ComputeRef(snap)
	if err != nil {
		return "", GraphEvent{}, err
	}
	if err := s.blobs.Put([]byte(ref), []byte(canonical), nil); err != nil {
		return "", GraphEvent{}, err
	}

	solutionMap, _ := snap.Solution.(map[string]any)
	graphEvent := BuildGraphEvent(ref, snap.PlanID, solutionMap, constraints)
	graphBytes, err := json.Marshal(graphEvent)
	if err != nil {
		return "", GraphEvent{}, err
	}

	var staleRefs [][]byte
	err = s.graph.Update(func(tx *bbolt.Tx) error {
		snapB, err := tx.CreateBucketIfNotExists(snapshotBucket(tenantID))
		if err != nil {
			return err
		}
		seq, err := snapB.NextSequence()
		if err != nil {
			return err
		}
		if err := snapB.Put(sequenceKey(seq), []byte(ref)); err != nil {
			return err
		}

		graphB, err := tx.CreateBucketIfNotExists(graphBucket(tenantID))
		if err != nil {
			return err
		}
		gseq, err := graphB.NextSequence()
		if err != nil {
			return err
		}
		if err := graphB.Put(sequenceKey(gseq), graphBytes); err != nil {
			return err
		}

		staleRefs = collectStaleRefs(snapB, s.maxSnapshotsPerTenant)
		return nil
	})
	if err != nil {
		return "", GraphEvent{}, err
	}

	for _, stale := range staleRefs {
		_ = s.blobs.Delete(stale, nil)
	}

	return ref, graphEvent, nil
}

// collectStaleRefs deletes index entries beyond the retention window and
// returns the refs they pointed at, for blob deletion by the caller
// (bbolt writes must not call into the leveldb handle mid-transaction).
func collectStaleRefs(snapB *bbolt.Bucket, maxKeep int) [][]byte {
	if maxKeep <= 0 {
		return nil
	}
	total := 0
	c := snapB.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		total++
	}
	overflow := total - maxKeep
	if overflow <= 0 {
		return nil
	}
	var stale [][]byte
	k, v := c.First()
	for ; k != nil && overflow > 0; k, v = c.Next() {
		stale = append(stale, append([]byte(nil), v...))
		c.Delete()
		overflow--
	}
	return stale
}

// Get retrieves a snapshot by its content address.
func (s *Store) Get(tenantID string, ref Ref) (Snapshot, error) {
	raw, err := s.blobs.Get([]byte(ref), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{TenantID: tenantID}
	snap.PlanID, _ = payload["plan_id"].(string)
	snap.Optimodel = payload["optimodel"]
	snap.Solution = payload["solution"]
	snap.Scenarios = payload["scenarios"]
	snap.Hints = payload["hints"]
	if md, ok := payload["metadata"].(map[string]any); ok {
		snap.Metadata = md
	}
	if ts, ok := payload["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			snap.Timestamp = parsed
		}
	}
	return snap, nil
}

// ListRefs returns the tenant's retained snapshot refs, oldest first.
func (s *Store) ListRefs(tenantID string) ([]Ref, error) {
	var refs []Ref
	err := s.graph.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(snapshotBucket(tenantID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			refs = append(refs, Ref(append([]byte(nil), v...)))
			return nil
		})
	})
	return refs, err
}

// GraphLog returns the tenant's full append-only graph-event history,
// oldest first.
func (s *Store) GraphLog(tenantID string) ([]GraphEvent, error) {
	var events []GraphEvent
	err := s.graph.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(graphBucket(tenantID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var ev GraphEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

// LatestGraphEvent returns the most recently appended graph-event for a
// tenant, used by ConstraintLineage callers that only have a ref.
func (s *Store) LatestGraphEvent(tenantID string) (GraphEvent, bool, error) {
	events, err := s.GraphLog(tenantID)
	if err != nil || len(events) == 0 {
		return GraphEvent{}, false, err
	}
	return events[len(events)-1], true, nil
}
