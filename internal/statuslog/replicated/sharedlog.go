package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/arcaio/dispatch-broker/pkg/types"
)

// SharedLogClient persists StatusEdits on a shared, replicated log
// backed by Kafka topics: one topic per epoch (ledger), the equivalent
// of a BookKeeper ledger ID in ReplicatedCommitLog. A ledger is
// append-only and has exactly one writer for its lifetime; rollover to a
// new epoch opens a new topic rather than reusing the old one.
type SharedLogClient struct {
	brokers     []string
	topicPrefix string
	log         *slog.Logger

	mu         sync.Mutex
	writer     *kafka.Writer
	epoch      int64
	nextOffset int64
}

func NewSharedLogClient(brokers []string, topicPrefix string) *SharedLogClient {
	return &SharedLogClient{
		brokers:     brokers,
		topicPrefix: topicPrefix,
		log:         slog.Default().With("component", "replicatedlog.sharedlog"),
	}
}

func (s *SharedLogClient) topicName(epoch int64) string {
	return fmt.Sprintf("%s-epoch-%d", s.topicPrefix, epoch)
}

// OpenForWriting attaches to the single partition backing epoch's topic
// and determines the next offset to assign by reading the partition's
// current high watermark, mirroring CommitFileWriter opening a fresh
// BookKeeper ledger for append.
func (s *SharedLogClient) OpenForWriting(ctx context.Context, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		_ = s.writer.Close()
	}

	topic := s.topicName(epoch)
	conn, err := kafka.DialLeader(ctx, "tcp", s.brokers[0], topic, 0)
	if err != nil {
		return fmt.Errorf("replicatedlog: dial leader for %s: %w", topic, err)
	}
	last, err := conn.ReadLastOffset()
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("replicatedlog: read last offset for %s: %w", topic, err)
	}

	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(s.brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	s.epoch = epoch
	s.nextOffset = last
	s.log.Info("opened ledger topic for writing", "topic", topic, "nextOffset", last)
	return nil
}

// Append serializes edit and writes it to the current epoch's topic,
// returning the offset it was assigned. Correct only because this
// epoch's writer is never shared across replicas: the election in
// CoordinationClient guarantees at most one.
func (s *SharedLogClient) Append(ctx context.Context, edit types.StatusEdit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return 0, fmt.Errorf("replicatedlog: no ledger topic open for writing")
	}

	data, err := json.Marshal(edit)
	if err != nil {
		return 0, fmt.Errorf("replicatedlog: marshal edit: %w", err)
	}

	offset := s.nextOffset
	if err := s.writer.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		return 0, fmt.Errorf("replicatedlog: write to %s: %w", s.topicName(s.epoch), err)
	}
	s.nextOffset++
	return offset, nil
}

// ReadLedger streams every entry in epoch's topic starting at fromOffset
// (inclusive), calling fn for each until the topic's high watermark at
// call time is reached or ctx is cancelled.
func (s *SharedLogClient) ReadLedger(ctx context.Context, epoch, fromOffset int64, fn func(offset int64, edit types.StatusEdit) error) error {
	topic := s.topicName(epoch)

	conn, err := kafka.DialLeader(ctx, "tcp", s.brokers[0], topic, 0)
	if err != nil {
		return fmt.Errorf("replicatedlog: dial leader for %s: %w", topic, err)
	}
	last, err := conn.ReadLastOffset()
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("replicatedlog: read last offset for %s: %w", topic, err)
	}
	if last <= fromOffset {
		return nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   s.brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if fromOffset > 0 {
		if err := reader.SetOffset(fromOffset); err != nil {
			return fmt.Errorf("replicatedlog: seek %s to %d: %w", topic, fromOffset, err)
		}
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("replicatedlog: read %s: %w", topic, err)
		}
		var edit types.StatusEdit
		if err := json.Unmarshal(msg.Value, &edit); err != nil {
			return fmt.Errorf("replicatedlog: decode entry at %s:%d: %w", topic, msg.Offset, err)
		}
		if err := fn(msg.Offset, edit); err != nil {
			return err
		}
		if msg.Offset+1 >= last {
			return nil
		}
	}
}

func (s *SharedLogClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}
