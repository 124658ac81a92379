package replicated

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/arcaio/dispatch-broker/internal/snapshot"
	"github.com/arcaio/dispatch-broker/internal/statuslog"
	"github.com/arcaio/dispatch-broker/pkg/types"
)

// Config configures a ReplicatedLog's coordination and shared-log
// backends.
type Config struct {
	EtcdEndpoints []string
	EtcdBasePath  string
	LocalData     []byte // opaque self-identifying payload published at election time

	KafkaBrokers     []string
	KafkaTopicPrefix string

	SnapshotDir string
}

// ReplicatedLog is the multi-node StatusChangesLog: etcd drives leader
// election and the actual-ledgers-list bookkeeping a recovering replica
// needs, Kafka is the replicated shared log itself (one topic per
// epoch/ledger). Grounded on majordodo-core's ReplicatedCommitLog,
// substituting etcd for ZooKeeper and Kafka for BookKeeper.
type ReplicatedLog struct {
	coord  *CoordinationClient
	shared *SharedLogClient
	store  *snapshot.Store

	mu       sync.Mutex
	epoch    int64
	writable bool

	log *slog.Logger
}

// New constructs a ReplicatedLog against an already-reachable etcd
// cluster. listener receives leadership callbacks; it is the broker,
// injected here at construction so the log never holds a back-reference
// to it (see DESIGN.md, cyclic references).
func New(cfg Config, listener statuslog.LeadershipListener) (*ReplicatedLog, error) {
	client, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints})
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: connect etcd: %w", err)
	}

	l := &ReplicatedLog{
		shared: NewSharedLogClient(cfg.KafkaBrokers, cfg.KafkaTopicPrefix),
		store:  snapshot.NewStore(cfg.SnapshotDir),
		epoch:  -1,
		log:    slog.Default().With("component", "replicatedlog"),
	}
	l.coord = NewCoordinationClient(client, cfg.EtcdBasePath, cfg.LocalData, listener)
	return l, nil
}

func (l *ReplicatedLog) Append(ctx context.Context, edit types.StatusEdit) (types.LogSequenceNumber, error) {
	l.mu.Lock()
	writable, epoch := l.writable, l.epoch
	l.mu.Unlock()

	if !writable {
		return types.LogSequenceNumber{}, statuslog.ErrNotLeader
	}

	offset, err := l.shared.Append(ctx, edit)
	if err != nil {
		return types.LogSequenceNumber{}, fmt.Errorf("%w: %v", statuslog.ErrLogUnavailable, err)
	}
	return types.LogSequenceNumber{Epoch: epoch, Offset: offset}, nil
}

// StartWriting opens a fresh ledger (Kafka topic) for the next epoch and
// records it in the actual-ledgers list, mirroring
// ReplicatedCommitLog.openNewLedger.
func (l *ReplicatedLog) StartWriting(ctx context.Context) error {
	ledgers, err := l.coord.ActualLedgersList(ctx)
	if err != nil {
		return err
	}

	newEpoch := int64(0)
	if len(ledgers) > 0 {
		newEpoch = ledgers[len(ledgers)-1] + 1
	}

	if err := l.shared.OpenForWriting(ctx, newEpoch); err != nil {
		return fmt.Errorf("%w: %v", statuslog.ErrLogUnavailable, err)
	}

	ledgers = append(ledgers, newEpoch)
	if err := l.coord.SaveActualLedgersList(ctx, ledgers); err != nil {
		return err
	}

	l.mu.Lock()
	l.epoch = newEpoch
	l.writable = true
	l.mu.Unlock()

	l.log.Info("opened new ledger", "epoch", newEpoch)
	return nil
}

func (l *ReplicatedLog) IsWritable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writable
}

// Recover replays every entry across every ledger in the actual-ledgers
// list whose LogSequenceNumber is after skipPast, in ledger order — the
// same traversal ReplicatedCommitLog.recovery performs over BookKeeper
// ledgers.
func (l *ReplicatedLog) Recover(ctx context.Context, skipPast types.LogSequenceNumber, apply statuslog.ApplyFunc) error {
	ledgers, err := l.coord.ActualLedgersList(ctx)
	if err != nil {
		return err
	}

	for _, epoch := range ledgers {
		if epoch < skipPast.Epoch {
			continue
		}
		fromOffset := int64(0)
		if epoch == skipPast.Epoch {
			fromOffset = skipPast.Offset + 1
		}
		readErr := l.shared.ReadLedger(ctx, epoch, fromOffset, func(offset int64, edit types.StatusEdit) error {
			seq := types.LogSequenceNumber{Epoch: epoch, Offset: offset}
			if seq.After(skipPast) {
				apply(seq, edit)
			}
			return nil
		})
		if readErr != nil {
			return fmt.Errorf("%w: %v", statuslog.ErrLogUnavailable, readErr)
		}
	}
	return nil
}

func (l *ReplicatedLog) LoadLatestSnapshot(_ context.Context) (types.BrokerStatusSnapshot, error) {
	return l.store.LoadLatest()
}

func (l *ReplicatedLog) Checkpoint(_ context.Context, snap types.BrokerStatusSnapshot) error {
	if err := l.store.Write(snap); err != nil {
		return fmt.Errorf("%w: %v", statuslog.ErrLogUnavailable, err)
	}
	return nil
}

func (l *ReplicatedLog) RequestLeadership(ctx context.Context) error {
	return l.coord.RequestLeadership(ctx)
}

func (l *ReplicatedLog) IsLeader() bool {
	return l.coord.IsLeader()
}

// FollowTheLeader reads every ledger after skipPast exactly like Recover,
// and returns once each ledger's high watermark at call time is reached
// or on the first Kafka or etcd failure. It does not keep tailing.
func (l *ReplicatedLog) FollowTheLeader(ctx context.Context, skipPast types.LogSequenceNumber, apply statuslog.ApplyFunc) error {
	return l.Recover(ctx, skipPast, apply)
}

func (l *ReplicatedLog) Close() error {
	l.mu.Lock()
	l.writable = false
	l.mu.Unlock()

	sharedErr := l.shared.Close()
	coordErr := l.coord.Close()
	if sharedErr != nil {
		return sharedErr
	}
	return coordErr
}

var _ statuslog.StatusChangesLog = (*ReplicatedLog)(nil)
