package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the typed message value exchanged between the coordinator
// and agent processes (spec.md §3 Message, §4.2). Envelopes are
// append-only: once written, a file is never edited, only unlinked by its
// reader.
type Envelope struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Timestamp     int64           `json:"timestamp"` // unix millis
	Source        string          `json:"source"`
	Target        string          `json:"target,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an envelope with a monotonically-increasing-ish id: the
// current wall-clock millisecond plus a uuid suffix. Per spec.md §4.2 this
// id is sufficient only for filesystem uniqueness, not for an ordering
// guarantee — ordering between messages is by timestamp, id as tiebreak.
func New(typ Type, source, target string, payload interface{}) *Envelope {
	now := time.Now().UnixMilli()
	return &Envelope{
		ID:        fmt.Sprintf("%d-%s", now, uuid.NewString()),
		Type:      typ,
		Timestamp: now,
		Source:    source,
		Target:    target,
		Payload:   MustEncode(payload),
	}
}

// Reply builds a response envelope whose CorrelationID ties it back to
// req, per spec.md §3 ("optional correlationId tying a response to a
// request").
func Reply(typ Type, source string, req *Envelope, payload interface{}) *Envelope {
	e := New(typ, source, req.Source, payload)
	e.CorrelationID = req.ID
	return e
}

// Filename returns the on-disk name for this envelope: its timestamp
// prefix (zero-padded so lexicographic sort is chronological — spec.md
// §4.3) followed by its id.
func (e *Envelope) Filename() string {
	return fmt.Sprintf("%020d-%s.json", e.Timestamp, sanitizeID(e.ID))
}

// sanitizeID strips path separators from an id before it's used in a
// filename; ids are coordinator-generated so this is defense in depth,
// not a trust boundary.
func sanitizeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(id)
}

// Less orders two envelopes by (timestamp, id), the ordering spec.md §4.2
// specifies for messages produced by a single source.
func Less(a, b *Envelope) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}
