// Package session persists orchestrator state as immutable snapshots and
// reconciles restored snapshots against what the multiplexer actually has.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/quickaccess"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

var (
	// ErrSnapshotCorrupt means a snapshot could not be decoded or violates
	// an invariant. Restore never applies such a snapshot.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
	// ErrSnapshotNotFound means no snapshot matches the id or name.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// FlowRef names the flow and backend a session was set up with.
type FlowRef struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
}

// Layout holds the pane refs of the split layout.
type Layout struct {
	PrimaryPane string `json:"primary_pane,omitempty"`
	StatusPane  string `json:"status_pane,omitempty"`
}

// Snapshot is the persisted form of orchestrator state. Unknown fields are
// ignored on decode so newer writers stay readable.
type Snapshot struct {
	Version     int               `json:"version"`
	ID          string            `json:"id"`
	Seq         uint64            `json:"seq"`
	Name        string            `json:"name"`
	CreatedAt   time.Time         `json:"created_at"`
	SessionName string            `json:"session_name"`
	Flow        FlowRef           `json:"flow"`
	Environment env.Descriptor    `json:"environment"`
	Layout      Layout            `json:"layout"`
	Workers     []*model.Worker   `json:"workers"`
	QuickAccess map[string]string `json:"quick_access"`
}

// Info summarises a stored snapshot for listings.
type Info struct {
	ID          string    `json:"id"`
	Seq         uint64    `json:"seq"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	SessionName string    `json:"session_name"`
	Backend     string    `json:"backend"`
	Workers     int       `json:"workers"`
}

// Info returns the listing summary of s.
func (s *Snapshot) Info() Info {
	return Info{
		ID:          s.ID,
		Seq:         s.Seq,
		Name:        s.Name,
		CreatedAt:   s.CreatedAt,
		SessionName: s.SessionName,
		Backend:     s.Flow.Backend,
		Workers:     len(s.Workers),
	}
}

// SnapshotID formats the id for a store sequence number.
func SnapshotID(seq uint64) string {
	return fmt.Sprintf("snap-%06d", seq)
}

// Encode renders s as indented JSON.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Decode parses and validates a snapshot document.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the invariants a restorable snapshot must hold: unique
// worker ids with known statuses, and a quick-access table that only
// references keys 1-9 and existing workers, each at most once.
func (s *Snapshot) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("%w: missing version", ErrSnapshotCorrupt)
	}
	if s.SessionName == "" {
		return fmt.Errorf("%w: missing session name", ErrSnapshotCorrupt)
	}
	ids := make(map[string]bool, len(s.Workers))
	for i, w := range s.Workers {
		if w == nil || w.ID == "" {
			return fmt.Errorf("%w: worker %d has no id", ErrSnapshotCorrupt, i)
		}
		if ids[w.ID] {
			return fmt.Errorf("%w: duplicate worker %s", ErrSnapshotCorrupt, w.ID)
		}
		if !w.Status.Valid() {
			return fmt.Errorf("%w: worker %s has status %q", ErrSnapshotCorrupt, w.ID, w.Status)
		}
		ids[w.ID] = true
	}
	table, err := s.KeyTable()
	if err != nil {
		return err
	}
	for key, id := range table {
		if !ids[id] {
			return fmt.Errorf("%w: key %d references unknown worker %s", ErrSnapshotCorrupt, key, id)
		}
	}
	return nil
}

// KeyTable converts the persisted quick-access map into allocator form.
func (s *Snapshot) KeyTable() (map[int]string, error) {
	table := make(map[int]string, len(s.QuickAccess))
	holders := make(map[string]bool, len(s.QuickAccess))
	for k, id := range s.QuickAccess {
		key, err := strconv.Atoi(k)
		if err != nil || !quickaccess.ValidKey(key) {
			return nil, fmt.Errorf("%w: invalid quick-access key %q", ErrSnapshotCorrupt, k)
		}
		if id == "" {
			continue
		}
		if holders[id] {
			return nil, fmt.Errorf("%w: worker %s holds more than one key", ErrSnapshotCorrupt, id)
		}
		holders[id] = true
		table[key] = id
	}
	return table, nil
}

// EncodeKeyTable converts an allocator table into the persisted form.
func EncodeKeyTable(table map[int]string) map[string]string {
	out := make(map[string]string, len(table))
	for k, id := range table {
		out[strconv.Itoa(k)] = id
	}
	return out
}
