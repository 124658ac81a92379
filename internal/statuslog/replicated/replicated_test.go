package replicated

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcaio/dispatch-broker/pkg/types"
)

// These tests exercise ReplicatedLog against a real etcd cluster and a
// real Kafka broker; there is no seam to fake concurrency.Election or
// kafka.Conn behind. They are skipped unless DISPATCH_BROKER_ETCD_ENDPOINTS
// and DISPATCH_BROKER_KAFKA_BROKERS are set, mirroring how this corpus
// gates its other external-service integration tests.
func requireLiveCluster(t *testing.T) ([]string, []string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping replicated log integration test in short mode")
	}
	etcdEndpoints := os.Getenv("DISPATCH_BROKER_ETCD_ENDPOINTS")
	kafkaBrokers := os.Getenv("DISPATCH_BROKER_KAFKA_BROKERS")
	if etcdEndpoints == "" || kafkaBrokers == "" {
		t.Skip("DISPATCH_BROKER_ETCD_ENDPOINTS and DISPATCH_BROKER_KAFKA_BROKERS not set")
	}
	return strings.Split(etcdEndpoints, ","), strings.Split(kafkaBrokers, ",")
}

type recordingListener struct {
	acquired chan struct{}
	lost     chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{acquired: make(chan struct{}, 1), lost: make(chan struct{}, 1)}
}

func (l *recordingListener) LeadershipAcquired() { l.acquired <- struct{}{} }
func (l *recordingListener) LeadershipLost()     { l.lost <- struct{}{} }

func TestRequestLeadershipCallsListener(t *testing.T) {
	etcdEndpoints, kafkaBrokers := requireLiveCluster(t)

	listener := newRecordingListener()
	rl, err := New(Config{
		EtcdEndpoints:    etcdEndpoints,
		EtcdBasePath:     "/dispatch-broker-test/leadership",
		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: "dispatch-broker-test-leadership",
		SnapshotDir:      t.TempDir(),
	}, listener)
	require.NoError(t, err)
	defer rl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rl.RequestLeadership(ctx))

	select {
	case <-listener.acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for LeadershipAcquired")
	}
	require.True(t, rl.IsLeader())
}

func TestStartWritingThenAppendThenRecover(t *testing.T) {
	etcdEndpoints, kafkaBrokers := requireLiveCluster(t)

	listener := newRecordingListener()
	rl, err := New(Config{
		EtcdEndpoints:    etcdEndpoints,
		EtcdBasePath:     "/dispatch-broker-test/ledger",
		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: "dispatch-broker-test-ledger",
		SnapshotDir:      t.TempDir(),
	}, listener)
	require.NoError(t, err)
	defer rl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rl.RequestLeadership(ctx))
	<-listener.acquired
	require.NoError(t, rl.StartWriting(ctx))
	require.True(t, rl.IsWritable())

	edit := types.NewAddTask(1, 7, "u1", nil, time.Now().UnixMilli())
	seq, err := rl.Append(ctx, edit)
	require.NoError(t, err)
	require.Equal(t, int64(0), seq.Offset)

	var recovered []types.StatusEdit
	require.NoError(t, rl.Recover(ctx, types.Unset, func(_ types.LogSequenceNumber, e types.StatusEdit) {
		recovered = append(recovered, e)
	}))
	require.Len(t, recovered, 1)
	require.Equal(t, types.TaskID(1), recovered[0].TaskID)
}
