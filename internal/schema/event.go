package schema

import (
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies a detected product state transition.
type ChangeKind string

const (
	// ChangeNewlyObserved marks the first sighting of an available item.
	ChangeNewlyObserved ChangeKind = "newly_observed"
	// ChangeBecameAvailable marks an availability flip from false to true.
	ChangeBecameAvailable ChangeKind = "became_available"
	// ChangeBecameUnavailable marks an availability flip from true to false.
	ChangeBecameUnavailable ChangeKind = "became_unavailable"
	// ChangePriceDropped marks a price decrease while available.
	ChangePriceDropped ChangeKind = "price_dropped"
	// ChangePriceIncreased marks a price increase while available.
	ChangePriceIncreased ChangeKind = "price_increased"
)

// ChangeEvent is emitted once per genuine transition of a tracked item.
type ChangeEvent struct {
	ID         uuid.UUID     `json:"id"`
	ItemKey    string        `json:"itemKey"`
	Source     string        `json:"source"`
	Kind       ChangeKind    `json:"kind"`
	Previous   *ParsedRecord `json:"previous,omitempty"`
	Current    ParsedRecord  `json:"current"`
	DetectedAt time.Time     `json:"detectedAt"`
}

// NewChangeEvent stamps a change event with identity and detection time.
func NewChangeEvent(kind ChangeKind, previous *ParsedRecord, current ParsedRecord, now time.Time) ChangeEvent {
	return ChangeEvent{
		ID:         uuid.New(),
		ItemKey:    current.ItemKey,
		Source:     current.Source,
		Kind:       kind,
		Previous:   previous,
		Current:    current,
		DetectedAt: now,
	}
}
