// Package replicated implements the multi-node StatusChangesLog: etcd
// drives leader election and the actual-ledgers-list bookkeeping a
// recovering replica needs, Kafka is the replicated shared log itself.
// It is grounded on majordodo-core's ReplicatedCommitLog and
// dodo-core's ZKClusterManager, substituting etcd for ZooKeeper and
// Kafka for BookKeeper.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/arcaio/dispatch-broker/internal/statuslog"
)

// NewReplicaID returns a fresh, process-unique identity suitable as a
// CoordinationClient's localData: the election value other replicas (and
// operators inspecting etcd directly) see for the current leader, the Go
// equivalent of the localhostdata byte payload ZKClusterManager publishes
// to its ephemeral leader node.
func NewReplicaID() []byte {
	return []byte(uuid.NewString())
}

const sessionTTLSeconds = 10

// CoordinationClient wraps an etcd session and election, the Go
// equivalent of ZKClusterManager's ephemeral-node leader election, plus
// the actual-ledgers-list bookkeeping ReplicatedCommitLog.recovery
// depends on to find every ledger (epoch) a recovering replica must
// read.
type CoordinationClient struct {
	client    *clientv3.Client
	basePath  string
	localData []byte
	listener  statuslog.LeadershipListener
	log       *slog.Logger

	mu       sync.Mutex
	session  *concurrency.Session
	election *concurrency.Election
	leading  bool
}

// NewCoordinationClient wraps an already-connected etcd client. listener
// receives the asynchronous leadership callbacks; it is the broker,
// injected here rather than held as a back-pointer from ReplicatedLog.
func NewCoordinationClient(client *clientv3.Client, basePath string, localData []byte, listener statuslog.LeadershipListener) *CoordinationClient {
	return &CoordinationClient{
		client:    client,
		basePath:  basePath,
		localData: localData,
		listener:  listener,
		log:       slog.Default().With("component", "replicatedlog.coordination"),
	}
}

func (c *CoordinationClient) ledgersKey() string {
	return c.basePath + "/ledgers"
}

func (c *CoordinationClient) electionPrefix() string {
	return c.basePath + "/leader"
}

// ActualLedgersList returns every epoch a live replica has ever opened,
// oldest first. Mirrors ZKClusterManager.getActualLedgersList: a missing
// key means this cluster has never elected a leader yet, not an error.
func (c *CoordinationClient) ActualLedgersList(ctx context.Context) ([]int64, error) {
	resp, err := c.client.Get(ctx, c.ledgersKey())
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: get ledgers list: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	var ledgers []int64
	if err := json.Unmarshal(resp.Kvs[0].Value, &ledgers); err != nil {
		return nil, fmt.Errorf("replicatedlog: decode ledgers list: %w", err)
	}
	return ledgers, nil
}

// SaveActualLedgersList persists ledgers, the durable record new
// replicas consult during recovery, mirroring
// ZKClusterManager.saveActualLedgersList.
func (c *CoordinationClient) SaveActualLedgersList(ctx context.Context, ledgers []int64) error {
	data, err := json.Marshal(ledgers)
	if err != nil {
		return fmt.Errorf("replicatedlog: encode ledgers list: %w", err)
	}
	if _, err := c.client.Put(ctx, c.ledgersKey(), string(data)); err != nil {
		return fmt.Errorf("replicatedlog: put ledgers list: %w", err)
	}
	return nil
}

// RequestLeadership contends for leadership via an etcd election
// campaign. It blocks until the campaign succeeds or ctx is cancelled;
// on success it spawns a watcher that calls listener.LeadershipLost once
// the backing session expires, the etcd analogue of onSessionExpired in
// ZKClusterManager.
func (c *CoordinationClient) RequestLeadership(ctx context.Context) error {
	session, err := concurrency.NewSession(c.client, concurrency.WithTTL(sessionTTLSeconds))
	if err != nil {
		return fmt.Errorf("replicatedlog: new session: %w", err)
	}
	election := concurrency.NewElection(session, c.electionPrefix())

	if err := election.Campaign(ctx, string(c.localData)); err != nil {
		_ = session.Close()
		return fmt.Errorf("replicatedlog: campaign: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.election = election
	c.leading = true
	c.mu.Unlock()

	c.log.Info("leadership acquired")
	if c.listener != nil {
		c.listener.LeadershipAcquired()
	}

	go c.watchSession(session)
	return nil
}

// watchSession blocks until session is closed or its lease expires, then
// tells the listener leadership is gone. Guarded by identity comparison
// against c.session so a stale watcher from a superseded session can
// never clobber a newer one's state.
func (c *CoordinationClient) watchSession(session *concurrency.Session) {
	<-session.Done()

	c.mu.Lock()
	lost := c.session == session
	if lost {
		c.leading = false
		c.session = nil
		c.election = nil
	}
	c.mu.Unlock()

	if lost {
		c.log.Warn("coordination session expired, leadership lost")
		if c.listener != nil {
			c.listener.LeadershipLost()
		}
	}
}

func (c *CoordinationClient) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leading
}

func (c *CoordinationClient) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.election = nil
	c.leading = false
	c.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}
