// Package memlog implements a single-node, non-replicated
// StatusChangesLog. There is never more than one writer, so leadership is
// trivially self-granted and the epoch is fixed at 1.
package memlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arcaio/dispatch-broker/internal/statuslog"
	"github.com/arcaio/dispatch-broker/pkg/types"
)

const fixedEpoch int64 = 1

type logLine struct {
	seq  types.LogSequenceNumber
	edit types.StatusEdit
}

// MemoryLog is the in-process StatusChangesLog used for single-node mode
// and for tests. It is grounded directly on
// dodo-core's MemoryCommitLog: a fixed epoch, an append-only slice
// protected by one mutex, and checkpoint-driven prefix truncation.
type MemoryLog struct {
	mu       sync.Mutex
	offset   int64
	entries  []logLine
	writable bool
	snapshot types.BrokerStatusSnapshot
	listener statuslog.LeadershipListener
	log      *slog.Logger
}

// New constructs a MemoryLog optionally pre-loaded with a boot snapshot and
// the log lines recorded after it (used by tests reconstructing a crashed
// replica). listener receives the (immediate, synchronous) leadership
// callbacks — there is no contention in single-node mode.
func New(listener statuslog.LeadershipListener, bootSnapshot types.BrokerStatusSnapshot, bootLines []types.StatusEdit) *MemoryLog {
	l := &MemoryLog{
		snapshot: bootSnapshot,
		listener: listener,
		log:      slog.Default().With("component", "memlog"),
	}
	offset := bootSnapshot.LastAppliedSeq.Offset
	if offset < 0 {
		offset = 0
	}
	for _, edit := range bootLines {
		offset++
		l.entries = append(l.entries, logLine{seq: types.LogSequenceNumber{Epoch: fixedEpoch, Offset: offset}, edit: edit})
	}
	l.offset = offset
	return l
}

// NewEmpty constructs a fresh MemoryLog with no prior state.
func NewEmpty(listener statuslog.LeadershipListener) *MemoryLog {
	return New(listener, types.EmptySnapshot(), nil)
}

func (l *MemoryLog) Append(_ context.Context, edit types.StatusEdit) (types.LogSequenceNumber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.writable {
		return types.LogSequenceNumber{}, statuslog.ErrNotLeader
	}

	l.offset++
	seq := types.LogSequenceNumber{Epoch: fixedEpoch, Offset: l.offset}
	l.entries = append(l.entries, logLine{seq: seq, edit: edit})
	return seq, nil
}

func (l *MemoryLog) StartWriting(_ context.Context) error {
	l.mu.Lock()
	l.writable = true
	l.mu.Unlock()
	return nil
}

func (l *MemoryLog) IsWritable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writable
}

func (l *MemoryLog) Recover(_ context.Context, skipPast types.LogSequenceNumber, apply statuslog.ApplyFunc) error {
	l.mu.Lock()
	entries := append([]logLine(nil), l.entries...)
	l.mu.Unlock()

	for _, line := range entries {
		if line.seq.After(skipPast) {
			apply(line.seq, line.edit)
		}
	}
	return nil
}

func (l *MemoryLog) LoadLatestSnapshot(_ context.Context) (types.BrokerStatusSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot, nil
}

// Checkpoint stores snapshot in memory and prunes every log line at or
// before its LastAppliedSeq, mirroring MemoryCommitLog.checkpointDone.
func (l *MemoryLog) Checkpoint(_ context.Context, snapshot types.BrokerStatusSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snapshot = snapshot
	kept := l.entries[:0]
	for _, line := range l.entries {
		if line.seq.After(snapshot.LastAppliedSeq) {
			kept = append(kept, line)
		}
	}
	l.entries = kept
	return nil
}

// RequestLeadership grants leadership immediately: there is only ever one
// writer in single-node mode.
func (l *MemoryLog) RequestLeadership(_ context.Context) error {
	l.mu.Lock()
	l.writable = true
	l.mu.Unlock()
	if l.listener != nil {
		l.listener.LeadershipAcquired()
	}
	return nil
}

func (l *MemoryLog) IsLeader() bool {
	return l.IsWritable()
}

// FollowTheLeader replays the lines after skipPast exactly like Recover
// and returns: in single-node mode there is no other writer to keep
// tailing.
func (l *MemoryLog) FollowTheLeader(ctx context.Context, skipPast types.LogSequenceNumber, apply statuslog.ApplyFunc) error {
	return l.Recover(ctx, skipPast, apply)
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writable = false
	l.log.Info("memlog closed", "lastOffset", l.offset)
	return nil
}

var _ statuslog.StatusChangesLog = (*MemoryLog)(nil)
