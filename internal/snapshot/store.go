// Package snapshot persists BrokerStatusSnapshot checkpoints as
// epoch/offset-named files, matching the naming convention and
// newest-wins selection rule of majordodo-core's
// ReplicatedCommitLog.checkpoint() / loadBrokerStatusSnapshot(): filename
// <epoch>_<offset>.snap.json, newest selected by lexicographic comparison
// on the numeric pair. The write path (temp file + os.Rename) is adapted
// from the teacher's internal/snapshot/snapshot_manager.go.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arcaio/dispatch-broker/pkg/types"
)

// Store manages the on-disk snapshot directory for one replica.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a Store rooted at dir. The directory must already
// exist; Store never creates it, mirroring the teacher's Manager which
// assumes its path is pre-provisioned by configuration.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func fileName(seq types.LogSequenceNumber) string {
	return fmt.Sprintf("%d_%d.snap.json", seq.Epoch, seq.Offset)
}

// Write persists snapshot atomically under its LastAppliedSeq-derived
// filename: write to a .tmp sibling, then os.Rename over the final name.
func (s *Store) Write(snapshot types.BrokerStatusSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	finalPath := filepath.Join(s.dir, fileName(snapshot.LastAppliedSeq))
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename temp file: %w", err)
	}
	return nil
}

// LoadLatest scans dir for the newest <epoch>_<offset>.snap.json file and
// returns its decoded contents, or an empty snapshot at types.Unset if
// the directory holds no snapshot yet.
func (s *Store) LoadLatest() (types.BrokerStatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return types.EmptySnapshot(), nil
		}
		return types.BrokerStatusSnapshot{}, fmt.Errorf("snapshot: read dir: %w", err)
	}

	var best string
	var bestSeq types.LogSequenceNumber = types.Unset
	for _, e := range entries {
		seq, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		if bestSeq == types.Unset || seq.After(bestSeq) {
			bestSeq = seq
			best = e.Name()
		}
	}
	if best == "" {
		return types.EmptySnapshot(), nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, best))
	if err != nil {
		return types.BrokerStatusSnapshot{}, fmt.Errorf("snapshot: read %s: %w", best, err)
	}
	var snapshot types.BrokerStatusSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return types.BrokerStatusSnapshot{}, fmt.Errorf("snapshot: decode %s: %w", best, err)
	}
	return snapshot, nil
}

// parseFileName extracts (epoch, offset) from a name of the form
// "<epoch>_<offset>.snap.json". Any other name is ignored, not an error:
// the snapshots directory may legitimately contain .tmp leftovers from an
// interrupted write.
func parseFileName(name string) (types.LogSequenceNumber, bool) {
	const suffix = ".snap.json"
	if !strings.HasSuffix(name, suffix) {
		return types.LogSequenceNumber{}, false
	}
	base := strings.TrimSuffix(name, suffix)
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return types.LogSequenceNumber{}, false
	}
	epoch, err1 := strconv.ParseInt(parts[0], 10, 64)
	offset, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return types.LogSequenceNumber{}, false
	}
	return types.LogSequenceNumber{Epoch: epoch, Offset: offset}, true
}

// ListSnapshotFiles returns every recognized snapshot filename in dir,
// oldest first, for checkpoint-retention tooling (e.g. the CLI status
// command).
func (s *Store) ListSnapshotFiles() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type named struct {
		name string
		seq  types.LogSequenceNumber
	}
	var found []named
	for _, e := range entries {
		if seq, ok := parseFileName(e.Name()); ok {
			found = append(found, named{e.Name(), seq})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq.Less(found[j].seq) })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}
