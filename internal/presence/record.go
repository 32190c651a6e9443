// Package presence defines live-location presence records and the liveness
// classification readers apply to them.
package presence

import "time"

// Status is the last state a presence writer explicitly recorded.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Diagnostic note values written by presence writers. Notes are advisory
// only and never affect classification.
const (
	NoteFallback          = "fallback"
	NoteSourceUnavailable = "geolocation_unavailable"
)

// Point is one reported coordinate fix.
type Point struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	// Heading and Speed are sensor-reported and frequently absent.
	Heading *float64
	Speed   *float64
}

// Record is the per-user presence state. There is exactly one legitimate
// writer per record (the owning session); every other agent is read-only.
type Record struct {
	UserID string
	// Point is nil until the first coordinate fix is written, so a seeded
	// record can exist before any fix arrives.
	Point  *Point
	Status Status
	// UpdatedAt is assigned by the store clock at write time, never trusted
	// from the client, and is monotonically non-decreasing.
	UpdatedAt time.Time
	Note      string
}

// Update is a partial record mutation. Zero-valued fields leave the stored
// record untouched.
type Update struct {
	// Status replaces the stored status when non-empty.
	Status Status
	// Point replaces the stored coordinates when non-nil.
	Point *Point
	// Note replaces the stored note when non-nil; pointing at an empty
	// string clears it.
	Note *string
}

// NoteValue returns a Note update pointer for value.
func NoteValue(value string) *string {
	return &value
}

// ClearNote returns a Note update pointer that clears the stored note.
func ClearNote() *string {
	empty := ""
	return &empty
}

// Clone returns a deep copy of the record so readers can hold it without
// aliasing store state.
func (r Record) Clone() Record {
	out := r
	if r.Point != nil {
		p := *r.Point
		if r.Point.Heading != nil {
			h := *r.Point.Heading
			p.Heading = &h
		}
		if r.Point.Speed != nil {
			s := *r.Point.Speed
			p.Speed = &s
		}
		out.Point = &p
	}
	return out
}
