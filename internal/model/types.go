package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// IntentStatus is the processing status of an intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentCompleted  IntentStatus = "completed"
	IntentFailed     IntentStatus = "failed"
)

// Valid reports whether s is a known status.
func (s IntentStatus) Valid() bool {
	switch s {
	case IntentPending, IntentProcessing, IntentCompleted, IntentFailed:
		return true
	}
	return false
}

// ReEvaluationPhase is the step of the re-evaluation cycle an intent is in.
type ReEvaluationPhase string

const (
	PhaseDetect  ReEvaluationPhase = "detect"
	PhaseIsolate ReEvaluationPhase = "isolate"
	PhaseAlign   ReEvaluationPhase = "align"
	PhaseDecide  ReEvaluationPhase = "decide"
	PhaseApply   ReEvaluationPhase = "apply"
	PhaseLog     ReEvaluationPhase = "log"
)

// Valid reports whether p is a known phase.
func (p ReEvaluationPhase) Valid() bool {
	switch p {
	case PhaseDetect, PhaseIsolate, PhaseAlign, PhaseDecide, PhaseApply, PhaseLog:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// API Types
// -----------------------------------------------------------------------------

// Intent is one intent as listed by the REST API.
type Intent struct {
	ID          string       `json:"id"`
	Content     string       `json:"content,omitempty"`
	Description string       `json:"description,omitempty"`
	Status      IntentStatus `json:"status"`
	CreatedAt   Timestamp    `json:"created_at"`
}

// Text returns the intent's content, falling back to its description.
func (i Intent) Text() string {
	if i.Content != "" {
		return i.Content
	}
	return i.Description
}

// Timestamp is a time decoded from either RFC 3339 or a zone-less ISO-8601
// string. Zone-less values are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses s with the layouts Timestamp accepts.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler. null and "" leave t zero.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// -----------------------------------------------------------------------------
// Journal Types
// -----------------------------------------------------------------------------

// JournalEntry is one received intent update as persisted by the journal.
type JournalEntry struct {
	ID                    uuid.UUID         // Primary key, see JournalEntryID
	SessionID             string            // Channel session that delivered the frame
	IntentID              string            // Intent the update is about
	Status                IntentStatus      // Status carried by the update
	ContradictionDetected bool              // Payload flag
	ContradictionID       string            // Empty if none
	ReEvaluationPhase     ReEvaluationPhase // Empty if none
	ServerTS              int64             // Frame timestamp (µs since epoch), 0 if absent
	ReceivedAt            int64             // Client receive timestamp (µs since epoch)
	Payload               []byte            // Raw data object of the frame
}

// journalNamespace scopes name-based journal ids.
var journalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("intent-realtime:journal"))

// NewJournalEntry returns an entry with a fresh random ID.
func NewJournalEntry() JournalEntry {
	return JournalEntry{ID: uuid.New()}
}

// ContentID derives the id of an update from its fields and the frame's raw
// timestamp, so the same frame delivered again after a reconnect maps to the
// same row. Frames with no timestamp cannot be told apart from a later
// identical update and get a random id.
func (e JournalEntry) ContentID(timestamp string) uuid.UUID {
	if timestamp == "" {
		return uuid.New()
	}
	name := strings.Join([]string{
		e.IntentID,
		string(e.Status),
		timestamp,
		string(e.ReEvaluationPhase),
		strconv.FormatBool(e.ContradictionDetected),
		e.ContradictionID,
	}, "\x00")
	return uuid.NewSHA1(journalNamespace, []byte(name))
}
