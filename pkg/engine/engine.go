package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/downfa11-org/go-logstore/pkg/config"
	"github.com/downfa11-org/go-logstore/pkg/group"
	"github.com/downfa11-org/go-logstore/pkg/producer"
	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/topology"
	"github.com/downfa11-org/go-logstore/pkg/txn"
	"github.com/downfa11-org/go-logstore/pkg/types"
	"github.com/downfa11-org/go-logstore/pkg/wal"
	"github.com/downfa11-org/go-logstore/util"
)

// Engine is the storage core behind the protocol handlers: topology,
// partition logs and watermarks, producer identities, transactions and
// consumer-group offsets, wired over one durable backend.
type Engine struct {
	backend   store.Backend
	topology  *topology.Manager
	producers *producer.Registry
	log       *wal.Engine
	txns      *txn.Coordinator
	groups    *group.Store
}

// Open builds an engine from configuration, choosing the backend.
func Open(cfg *config.Config) (*Engine, error) {
	var backend store.Backend
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		backend = store.NewMemoryStore()
	case "bolt":
		b, err := store.OpenBolt(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}

	e, err := New(backend, cfg.Compression)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if cfg.ClusterName != "" {
		if err := e.CreateCluster(cfg.ClusterName); err != nil {
			backend.Close()
			return nil, err
		}
	}
	return e, nil
}

// New assembles the components on an already-open backend.
func New(backend store.Backend, compression string) (*Engine, error) {
	topo, err := topology.NewManager(backend)
	if err != nil {
		return nil, err
	}
	producers, err := producer.NewRegistry(backend)
	if err != nil {
		return nil, err
	}
	log, err := wal.NewEngine(backend, compression)
	if err != nil {
		return nil, err
	}
	txns, err := txn.NewCoordinator(backend)
	if err != nil {
		return nil, err
	}
	groups, err := group.NewStore(backend)
	if err != nil {
		return nil, err
	}
	log.SetTracker(txns)

	e := &Engine{
		backend:   backend,
		topology:  topo,
		producers: producers,
		log:       log,
		txns:      txns,
		groups:    groups,
	}
	if err := e.recoverPrepared(); err != nil {
		return nil, err
	}
	return e, nil
}

// recoverPrepared finishes transactions a previous run left between prepare
// and complete. The durable status is the intent, so a restart always knows
// whether to commit or abort.
func (e *Engine) recoverPrepared() error {
	for _, p := range e.txns.PreparedTransactions() {
		var err error
		if p.Status == types.TxnPrepareCommit {
			err = e.txns.CompleteCommit(p.Cluster, p.Name, e.materializeOffset)
		} else {
			err = e.txns.CompleteAbort(p.Cluster, p.Name)
		}
		if err != nil {
			return fmt.Errorf("recover prepared transaction %q: %w", p.Name, err)
		}
		util.Info("Recovered prepared transaction %q (%s)", p.Name, p.Status)
	}
	return nil
}

func (e *Engine) Close() error {
	return e.backend.Close()
}

// --- Identity & topology ---

func (e *Engine) CreateCluster(name string) error {
	return e.topology.CreateCluster(name)
}

func (e *Engine) CreateTopic(cluster, name string, partitions int32, replicationFactor int16, internal bool) (*topology.Topic, error) {
	return e.topology.CreateTopic(cluster, name, partitions, replicationFactor, internal)
}

// DeleteTopic removes a topic and purges all state its topitions owned.
func (e *Engine) DeleteTopic(cluster, name string) error {
	removed, err := e.topology.DeleteTopic(cluster, name)
	if err != nil {
		return err
	}
	for _, tp := range removed {
		if err := e.log.Remove(tp); err != nil {
			return err
		}
		if err := e.groups.RemoveTopition(tp); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ResolveTopition(cluster, topic string, partition int32) (types.Topition, error) {
	return e.topology.ResolveTopition(cluster, topic, partition)
}

// --- Log & watermarks ---

// AppendRecord appends to a topition and returns the assigned offset.
// Records carrying a producer session run inside the producer's epoch
// guard, so a zombie fenced by a newer incarnation cannot slip a write in
// between the check and the append.
func (e *Engine) AppendRecord(tp types.Topition, rec types.Record) (uint64, error) {
	if rec.ProducerID == types.NoProducer {
		return e.log.Append(tp, rec)
	}

	var offset uint64
	err := e.producers.Guard(rec.ProducerID, rec.ProducerEpoch, func() error {
		var err error
		offset, err = e.log.Append(tp, rec)
		return err
	})
	return offset, err
}

func (e *Engine) Watermarks(tp types.Topition) types.Watermark {
	return e.log.Watermarks(tp)
}

// ReadRecords reads from a topition; committedOnly bounds the read at the
// stable watermark for transactional isolation.
func (e *Engine) ReadRecords(tp types.Topition, from uint64, max int, committedOnly bool) ([]types.Record, error) {
	return e.log.Read(tp, from, max, committedOnly)
}

// AdvanceLow is the retention hook for the external compaction collaborator.
func (e *Engine) AdvanceLow(tp types.Topition, newLow uint64) error {
	return e.log.AdvanceLow(tp, newLow)
}

// --- Producers ---

func (e *Engine) InitProducer(cluster string) (int64, int16, error) {
	if !e.topology.ClusterExists(cluster) {
		return 0, 0, fmt.Errorf("cluster %q: %w", cluster, types.ErrNotFound)
	}
	return e.producers.InitProducer(cluster)
}

func (e *Engine) BumpEpoch(producerID int64) (int16, error) {
	return e.producers.BumpEpoch(producerID)
}

// --- Transactions ---

// BeginTxn starts a transaction under the producer's epoch guard.
func (e *Engine) BeginTxn(cluster, name string, producerID int64, epoch int16, timeoutMS int32) error {
	owner, err := e.producers.Cluster(producerID)
	if err != nil {
		return err
	}
	if owner != cluster {
		return fmt.Errorf("producer %d belongs to cluster %q, not %q: %w",
			producerID, owner, cluster, types.ErrNotFound)
	}
	return e.producers.Guard(producerID, epoch, func() error {
		return e.txns.Begin(cluster, name, producerID, epoch, timeoutMS)
	})
}

func (e *Engine) AddPartitionToTxn(cluster, name string, tp types.Topition) error {
	return e.txns.AddPartition(cluster, name, tp)
}

func (e *Engine) AddOffsetCommitToTxn(cluster, name, groupName string, tp types.Topition, offset uint64, leaderEpoch int32) error {
	return e.txns.AddOffsetCommit(cluster, name, groupName, tp, offset, leaderEpoch)
}

// EndTxn resolves a transaction: prepare durably records the intent, then
// complete applies it. A crash between the two leaves a PREPARE state a
// restarted coordinator finishes from.
func (e *Engine) EndTxn(cluster, name string, producerID int64, epoch int16, commit bool) error {
	boundProducer, boundEpoch, err := e.txns.Producer(cluster, name)
	if err != nil {
		return err
	}
	if boundProducer != producerID || boundEpoch != epoch {
		return fmt.Errorf("transaction %q bound to producer %d epoch %d: %w",
			name, boundProducer, boundEpoch, types.ErrInvalidTransition)
	}

	return e.producers.Guard(producerID, epoch, func() error {
		if commit {
			if err := e.txns.PrepareCommit(cluster, name); err != nil {
				return err
			}
			return e.txns.CompleteCommit(cluster, name, e.materializeOffset)
		}
		if err := e.txns.PrepareAbort(cluster, name); err != nil {
			return err
		}
		return e.txns.CompleteAbort(cluster, name)
	})
}

func (e *Engine) materializeOffset(cluster, groupName string, tp types.Topition, offset uint64, leaderEpoch int32) error {
	return e.groups.CommitOffset(cluster, groupName, tp, offset, leaderEpoch, "")
}

// AbortExpired resolves every Begin-state transaction whose timeout has
// elapsed. Exposed for the external sweeper collaborator; the core never
// schedules it.
func (e *Engine) AbortExpired(now time.Time) int {
	aborted := 0
	for _, x := range e.txns.ExpiredTransactions(now) {
		if err := e.txns.PrepareAbort(x.Cluster, x.Name); err != nil {
			util.Warn("Sweeper lost abort race for %q: %v", x.Name, err)
			continue
		}
		if err := e.txns.CompleteAbort(x.Cluster, x.Name); err != nil {
			util.Warn("Sweeper failed to complete abort of %q: %v", x.Name, err)
			continue
		}
		util.Info("Aborted expired transaction %q (producer %d)", x.Name, x.ProducerID)
		aborted++
	}
	return aborted
}

func (e *Engine) TxnStatus(cluster, name string) (types.TxnStatus, error) {
	return e.txns.Status(cluster, name)
}

// --- Consumer groups & offsets ---

func (e *Engine) UpsertConsumerGroup(cluster, name string, expectedETag *string, detail []byte) (group.Group, error) {
	if !e.topology.ClusterExists(cluster) {
		return group.Group{}, fmt.Errorf("cluster %q: %w", cluster, types.ErrNotFound)
	}
	return e.groups.UpsertGroup(cluster, name, expectedETag, detail)
}

func (e *Engine) CommitOffset(cluster, groupName string, tp types.Topition, offset uint64, leaderEpoch int32, metadata string) error {
	return e.groups.CommitOffset(cluster, groupName, tp, offset, leaderEpoch, metadata)
}

func (e *Engine) FetchCommittedOffset(cluster, groupName, topic string, partition int32) (uint64, error) {
	tp, err := e.topology.ResolveTopition(cluster, topic, partition)
	if err != nil {
		return 0, err
	}
	oc, err := e.groups.FetchCommittedOffset(cluster, groupName, tp)
	if err != nil {
		return 0, err
	}
	return oc.Offset, nil
}

func (e *Engine) FetchGroupOffsets(cluster, groupName string) (map[types.Topition]group.OffsetCommit, error) {
	return e.groups.FetchGroupOffsets(cluster, groupName)
}
