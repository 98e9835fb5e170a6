// Package changes compares freshly parsed records against the last known
// state per item and classifies the difference into change events.
package changes

import (
	"context"
	"sync"
	"time"

	"github.com/kickradar/kickradar/internal/observability"
	"github.com/kickradar/kickradar/internal/schema"
)

// RecordStore holds the last known record per item key. Implementations
// must be safe for concurrent use across item keys; the detector serializes
// access per key.
type RecordStore interface {
	Load(ctx context.Context, itemKey string) (schema.ParsedRecord, bool, error)
	Save(ctx context.Context, record schema.ParsedRecord) error
}

// MemoryStore is the default in-process record store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]schema.ParsedRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]schema.ParsedRecord)}
}

// Load returns the stored record for itemKey, if any.
func (s *MemoryStore) Load(_ context.Context, itemKey string) (schema.ParsedRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[itemKey]
	return rec, ok, nil
}

// Save replaces the stored record for the record's item key.
func (s *MemoryStore) Save(_ context.Context, record schema.ParsedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ItemKey] = record
	return nil
}

// Detector classifies new records against last known state. Different
// sources may report the same item key concurrently, so read-modify-write
// is serialized per key.
type Detector struct {
	store RecordStore
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDetector builds a detector over store.
func NewDetector(store RecordStore) *Detector {
	return &Detector{
		store: store,
		clock: time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the event timestamp source for tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Observe compares record against the last known state for its item key
// and returns a change event when one applies. The stored record is
// replaced unconditionally, even when no event fires, so staleness cannot
// compound across cycles.
func (d *Detector) Observe(ctx context.Context, record schema.ParsedRecord) (*schema.ChangeEvent, error) {
	lock := d.keyLock(record.ItemKey)
	lock.Lock()
	defer lock.Unlock()

	previous, known, err := d.store.Load(ctx, record.ItemKey)
	if err != nil {
		return nil, err
	}
	if err := d.store.Save(ctx, record); err != nil {
		return nil, err
	}

	kind, ok := classify(previous, known, record)
	if !ok {
		return nil, nil
	}
	event := schema.NewChangeEvent(kind, eventPrevious(previous, known), record, d.clock())
	observability.Telemetry().IncCounter(observability.MetricChangeEvents, 1,
		map[string]string{"kind": string(kind), "source": record.Source})
	return &event, nil
}

func (d *Detector) keyLock(itemKey string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock := d.locks[itemKey]
	if lock == nil {
		lock = &sync.Mutex{}
		d.locks[itemKey] = lock
	}
	return lock
}

func eventPrevious(previous schema.ParsedRecord, known bool) *schema.ParsedRecord {
	if !known {
		return nil
	}
	return &previous
}

// classify applies the rules in priority order. Identical state in the
// fields relevant to a rule produces no event.
func classify(previous schema.ParsedRecord, known bool, current schema.ParsedRecord) (schema.ChangeKind, bool) {
	if !known {
		if current.Available {
			return schema.ChangeNewlyObserved, true
		}
		return "", false
	}
	if !previous.Available && current.Available {
		return schema.ChangeBecameAvailable, true
	}
	if previous.Available && !current.Available {
		return schema.ChangeBecameUnavailable, true
	}
	if previous.Available && current.Available && previous.HasPrice() && current.HasPrice() {
		switch current.Price.Cmp(previous.Price) {
		case -1:
			return schema.ChangePriceDropped, true
		case 1:
			return schema.ChangePriceIncreased, true
		}
	}
	return "", false
}
