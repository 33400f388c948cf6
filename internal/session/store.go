package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store keeps immutable snapshots. Put assigns each snapshot the next
// sequence number and its id; stored snapshots are never rewritten.
type Store interface {
	Put(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	// Latest returns the newest snapshot with the given name, or the newest
	// of all when name is empty.
	Latest(ctx context.Context, name string) (*Snapshot, error)
	// List returns snapshot summaries, oldest first.
	List(ctx context.Context) ([]Info, error)
	// Prune deletes all but the newest keep snapshots named name and
	// returns how many were deleted.
	Prune(ctx context.Context, name string, keep int) (int, error)
	// WatchPath is the file or directory that changes when a snapshot is
	// written, for change notification.
	WatchPath() string
	Close() error
}

const snapshotExt = ".json"

// FileStore keeps one JSON file per snapshot in a directory. Files are
// written to a temporary name and hard-linked into place, so concurrent
// writers from different processes never share a sequence number.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// WatchPath returns the snapshot directory.
func (f *FileStore) WatchPath() string { return f.dir }

// Close is a no-op.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+snapshotExt)
}

// seqs returns the sequence numbers present on disk, ascending.
func (f *FileStore) seqs() ([]uint64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}
	var out []uint64
	for _, e := range entries {
		if seq, ok := parseSnapshotFile(e.Name()); ok {
			out = append(out, seq)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func parseSnapshotFile(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, snapshotExt) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), snapshotExt), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// Put stores s, setting its Seq, ID, Version and (if zero) CreatedAt.
func (f *FileStore) Put(ctx context.Context, s *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s.CreatedAt.IsZero() {
		s.CreatedAt = f.now().UTC()
	}
	s.Version = FormatVersion

	seqs, err := f.seqs()
	if err != nil {
		return err
	}
	next := uint64(1)
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}

	for attempt := 0; attempt < 16; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Seq = next
		s.ID = SnapshotID(next)
		data, err := s.Encode()
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		tmp, err := os.CreateTemp(f.dir, ".tmp-snap-*")
		if err != nil {
			return fmt.Errorf("create temp snapshot: %w", err)
		}
		_, werr := tmp.Write(data)
		cerr := tmp.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(tmp.Name())
			return fmt.Errorf("write temp snapshot: %w", errors.Join(werr, cerr))
		}
		err = os.Link(tmp.Name(), f.path(s.ID))
		_ = os.Remove(tmp.Name())
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("store snapshot %s: %w", s.ID, err)
		}
		// Another process took this sequence number.
		next++
	}
	return fmt.Errorf("store snapshot: sequence contention")
}

// Get loads a snapshot by id.
func (f *FileStore) Get(_ context.Context, id string) (*Snapshot, error) {
	if _, ok := parseSnapshotFile(id + snapshotExt); !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	return s, nil
}

// Latest scans from the newest file backwards. A corrupt file on the way
// is returned as ErrSnapshotCorrupt, never skipped.
func (f *FileStore) Latest(ctx context.Context, name string) (*Snapshot, error) {
	seqs, err := f.seqs()
	if err != nil {
		return nil, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		s, err := f.Get(ctx, SnapshotID(seqs[i]))
		if errors.Is(err, ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if name == "" || s.Name == name {
			return s, nil
		}
	}
	if name == "" {
		return nil, ErrSnapshotNotFound
	}
	return nil, fmt.Errorf("%w: no snapshot named %q", ErrSnapshotNotFound, name)
}

// List summarises every readable snapshot. Corrupt files are skipped.
func (f *FileStore) List(ctx context.Context) ([]Info, error) {
	seqs, err := f.seqs()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(seqs))
	for _, seq := range seqs {
		s, err := f.Get(ctx, SnapshotID(seq))
		if err != nil {
			if errors.Is(err, ErrSnapshotCorrupt) || errors.Is(err, ErrSnapshotNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s.Info())
	}
	return out, nil
}

// Prune removes older snapshots named name beyond the newest keep.
func (f *FileStore) Prune(ctx context.Context, name string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	infos, err := f.List(ctx)
	if err != nil {
		return 0, err
	}
	var matching []Info
	for _, in := range infos {
		if in.Name == name {
			matching = append(matching, in)
		}
	}
	removed := 0
	for i := 0; i < len(matching)-keep; i++ {
		if err := os.Remove(f.path(matching[i].ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove snapshot %s: %w", matching[i].ID, err)
		}
		removed++
	}
	return removed, nil
}
