package types

import "time"

// Entity carries creation and modification timestamps.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity creates an Entity stamped with the current UTC time.
func NewEntity() Entity {
	return NewEntityAt(time.Now())
}

// NewEntityAt creates an Entity stamped with t.
func NewEntityAt(t time.Time) Entity {
	t = t.UTC()
	return Entity{CreatedAt: t, UpdatedAt: t}
}

// Touch updates UpdatedAt to now.
func (e *Entity) Touch() {
	e.TouchAt(time.Now())
}

// TouchAt updates UpdatedAt to t.
func (e *Entity) TouchAt(t time.Time) {
	e.UpdatedAt = t.UTC()
}

// IsStale returns true if the entity hasn't been updated within d.
func (e Entity) IsStale(d time.Duration) bool {
	return time.Since(e.UpdatedAt) > d
}
