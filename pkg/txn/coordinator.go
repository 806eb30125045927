package txn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/downfa11-org/go-logstore/pkg/metrics"
	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
	"github.com/downfa11-org/go-logstore/util"
)

// PendingOffset is a consumer-group offset commit buffered inside a
// transaction. It only reaches the offset store on commit.
type PendingOffset struct {
	Group       string         `json:"group"`
	Topition    types.Topition `json:"topition"`
	Offset      uint64         `json:"offset"`
	LeaderEpoch int32          `json:"leader_epoch"`
}

// Transaction is one named transaction bound to a producer. Its mutex
// serializes state transitions for this transaction only; distinct
// transactions never contend.
type Transaction struct {
	mu sync.Mutex

	Cluster    string
	Name       string
	ProducerID int64
	Epoch      int16
	Status     types.TxnStatus
	StartedAt  time.Time
	TimeoutMS  int32

	partitions   map[uint64]types.Topition
	produceStart map[uint64]uint64
	offsets      map[string]PendingOffset
}

func newTransaction(cluster, name string) *Transaction {
	return &Transaction{
		Cluster:      cluster,
		Name:         name,
		ProducerID:   types.NoProducer,
		partitions:   make(map[uint64]types.Topition),
		produceStart: make(map[uint64]uint64),
		offsets:      make(map[string]PendingOffset),
	}
}

// ExpiredTxn identifies a transaction whose timeout has elapsed; the
// external sweeper resolves it through the abort path.
type ExpiredTxn struct {
	Cluster    string
	Name       string
	ProducerID int64
	Epoch      int16
}

// Coordinator drives the transaction state machine:
// Unset -> Begin -> PrepareCommit|PrepareAbort -> (cleared back to Unset).
// Guard failures surface as ErrInvalidTransition; nothing is retried here.
//
// Lock order is transaction mutex first, coordinator mutex second. The
// coordinator mutex only guards the lookup maps and the pending-start
// index, so MinPendingStart never needs a transaction lock.
type Coordinator struct {
	mu         sync.RWMutex
	backend    store.Backend
	txns       map[string]*Transaction            // cluster/name
	byProducer map[int64]*Transaction             // producer -> its open transaction
	pending    map[uint64]map[string]uint64       // topition id -> txn key -> offset_start
}

func txnKey(cluster, name string) string {
	return cluster + "/" + name
}

// NewCoordinator builds the coordinator, reloading persisted transactions
// and rebuilding the pending-start index for any still open.
func NewCoordinator(backend store.Backend) (*Coordinator, error) {
	c := &Coordinator{
		backend:    backend,
		txns:       make(map[string]*Transaction),
		byProducer: make(map[int64]*Transaction),
		pending:    make(map[uint64]map[string]uint64),
	}

	err := backend.Scan(store.BucketTxns, func(key string, value []byte) error {
		var row txnRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode txn %s: %w", key, err)
		}
		t := row.restore()
		c.txns[key] = t
		if t.Status.Open() {
			c.byProducer[t.ProducerID] = t
			for id, start := range t.produceStart {
				c.indexPending(id, key, start)
			}
			metrics.OpenTransactions.Inc()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	return c, nil
}

func (c *Coordinator) indexPending(tpID uint64, key string, start uint64) {
	m, ok := c.pending[tpID]
	if !ok {
		m = make(map[string]uint64)
		c.pending[tpID] = m
	}
	m[key] = start
}

// get returns the named transaction or ErrNotFound.
func (c *Coordinator) get(cluster, name string) (*Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.txns[txnKey(cluster, name)]
	if !ok {
		return nil, fmt.Errorf("transaction %q in cluster %q: %w", name, cluster, types.ErrNotFound)
	}
	return t, nil
}

func (c *Coordinator) getOrCreate(cluster, name string) *Transaction {
	key := txnKey(cluster, name)

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.txns[key]
	if !ok {
		t = newTransaction(cluster, name)
		c.txns[key] = t
	}
	return t
}

// Begin starts work under a transactional name. Only valid when no prior
// work is pending on the name (status Unset) AND the producer has no other
// open transaction: RecordProduce resolves through the producer, so a
// second open transaction would unhook the first from watermark pinning. A
// new producer incarnation may rebind a cleared name.
func (c *Coordinator) Begin(cluster, name string, producerID int64, epoch int16, timeoutMS int32) error {
	t := c.getOrCreate(cluster, name)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnUnset {
		return fmt.Errorf("begin %q from %s: %w", name, t.Status, types.ErrInvalidTransition)
	}

	c.mu.Lock()
	if open := c.byProducer[producerID]; open != nil {
		c.mu.Unlock()
		return fmt.Errorf("begin %q: producer %d already owns open transaction %q: %w",
			name, producerID, open.Name, types.ErrInvalidTransition)
	}
	c.byProducer[producerID] = t
	c.mu.Unlock()

	t.ProducerID = producerID
	t.Epoch = epoch
	t.Status = types.TxnBegin
	t.StartedAt = time.Now()
	t.TimeoutMS = timeoutMS

	if err := c.persist(t); err != nil {
		return err
	}
	metrics.TxnTransitions.WithLabelValues(types.TxnBegin.String()).Inc()
	metrics.OpenTransactions.Inc()
	util.Debug("Transaction %q began (producer %d epoch %d)", name, producerID, epoch)
	return nil
}

// AddPartition enlists a topition in the transaction. Idempotent; valid
// only while the transaction is in Begin.
func (c *Coordinator) AddPartition(cluster, name string, tp types.Topition) error {
	t, err := c.get(cluster, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnBegin {
		return fmt.Errorf("add partition %s to %q from %s: %w",
			tp, name, t.Status, types.ErrInvalidTransition)
	}
	if _, ok := t.partitions[tp.ID]; ok {
		return nil
	}
	t.partitions[tp.ID] = tp
	return c.persist(t)
}

// AddOffsetCommit buffers a consumer-group offset commit inside the
// transaction. Later commits for the same (group, topition) replace
// earlier ones.
func (c *Coordinator) AddOffsetCommit(cluster, name, group string, tp types.Topition, offset uint64, leaderEpoch int32) error {
	t, err := c.get(cluster, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnBegin {
		return fmt.Errorf("add offset commit to %q from %s: %w",
			name, t.Status, types.ErrInvalidTransition)
	}
	t.offsets[group+"/"+strconv.FormatUint(tp.ID, 10)] = PendingOffset{
		Group:       group,
		Topition:    tp,
		Offset:      offset,
		LeaderEpoch: leaderEpoch,
	}
	return c.persist(t)
}

// RecordProduce captures the offset at which a transaction's writes begin
// on a partition. Called by the log engine with the partition exclusive
// section held, before the offset becomes visible in high. A no-op for
// producers without an open transaction or partitions not enlisted.
func (c *Coordinator) RecordProduce(producerID int64, tp types.Topition, offset uint64) {
	c.mu.RLock()
	t := c.byProducer[producerID]
	c.mu.RUnlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnBegin {
		return
	}
	if _, enlisted := t.partitions[tp.ID]; !enlisted {
		return
	}
	if _, ok := t.produceStart[tp.ID]; ok {
		return
	}

	t.produceStart[tp.ID] = offset
	c.mu.Lock()
	c.indexPending(tp.ID, txnKey(t.Cluster, t.Name), offset)
	c.mu.Unlock()

	if err := c.persist(t); err != nil {
		util.Error("Failed to persist produce offset for %q on %s: %v", t.Name, tp, err)
	}
}

// MinPendingStart returns the minimum start offset over open transactions
// that have produced to the topition. Presence in the index is equivalent
// to the owning transaction being in a BEGIN or PREPARE state: entries are
// removed atomically with the terminal transition.
func (c *Coordinator) MinPendingStart(tp types.Topition) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	starts, ok := c.pending[tp.ID]
	if !ok || len(starts) == 0 {
		return 0, false
	}
	first := true
	var min uint64
	for _, s := range starts {
		if first || s < min {
			min = s
			first = false
		}
	}
	return min, true
}

// PrepareCommit durably records commit intent. Valid only from Begin.
func (c *Coordinator) PrepareCommit(cluster, name string) error {
	return c.prepare(cluster, name, types.TxnPrepareCommit)
}

// PrepareAbort durably records abort intent. Valid only from Begin. Also
// the entry point for the external timeout sweeper.
func (c *Coordinator) PrepareAbort(cluster, name string) error {
	return c.prepare(cluster, name, types.TxnPrepareAbort)
}

func (c *Coordinator) prepare(cluster, name string, to types.TxnStatus) error {
	t, err := c.get(cluster, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnBegin {
		return fmt.Errorf("%s %q from %s: %w", to, name, t.Status, types.ErrInvalidTransition)
	}
	t.Status = to
	if err := c.persist(t); err != nil {
		t.Status = types.TxnBegin
		return err
	}
	metrics.TxnTransitions.WithLabelValues(to.String()).Inc()
	return nil
}

// Materializer applies a buffered offset commit to the offset store.
type Materializer func(cluster, group string, tp types.Topition, offset uint64, leaderEpoch int32) error

// CompleteCommit finishes a prepared commit: buffered offset commits are
// materialized, the transaction's pending produce offsets stop pinning the
// stable watermark, and the detail clears back to Unset for reuse. If
// materialization fails the transaction stays in PrepareCommit so a
// restarted coordinator can finish the job.
func (c *Coordinator) CompleteCommit(cluster, name string, materialize Materializer) error {
	t, err := c.get(cluster, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnPrepareCommit {
		return fmt.Errorf("complete commit %q from %s: %w", name, t.Status, types.ErrInvalidTransition)
	}

	for _, po := range t.offsets {
		if err := materialize(cluster, po.Group, po.Topition, po.Offset, po.LeaderEpoch); err != nil {
			return fmt.Errorf("materialize offset for group %q on %s: %w", po.Group, po.Topition, err)
		}
	}
	util.Debug("Transaction %q committed (%d partitions, %d offset commits)",
		name, len(t.partitions), len(t.offsets))
	return c.clear(t, "COMMITTED")
}

// CompleteAbort finishes a prepared abort: buffered offset commits are
// discarded and pending produce offsets removed. The written records remain
// physically until external compaction reclaims them.
func (c *Coordinator) CompleteAbort(cluster, name string) error {
	t, err := c.get(cluster, name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != types.TxnPrepareAbort {
		return fmt.Errorf("complete abort %q from %s: %w", name, t.Status, types.ErrInvalidTransition)
	}
	util.Debug("Transaction %q aborted (%d partitions)", name, len(t.partitions))
	return c.clear(t, "ABORTED")
}

// clear resets the detail to Unset, keeping the name->producer binding.
// Caller holds t.mu.
func (c *Coordinator) clear(t *Transaction, outcome string) error {
	key := txnKey(t.Cluster, t.Name)

	c.mu.Lock()
	for id := range t.produceStart {
		delete(c.pending[id], key)
		if len(c.pending[id]) == 0 {
			delete(c.pending, id)
		}
	}
	if c.byProducer[t.ProducerID] == t {
		delete(c.byProducer, t.ProducerID)
	}
	c.mu.Unlock()

	t.Status = types.TxnUnset
	t.StartedAt = time.Time{}
	t.partitions = make(map[uint64]types.Topition)
	t.produceStart = make(map[uint64]uint64)
	t.offsets = make(map[string]PendingOffset)

	if err := c.persist(t); err != nil {
		return err
	}
	metrics.TxnTransitions.WithLabelValues(outcome).Inc()
	metrics.OpenTransactions.Dec()
	return nil
}

// Producer reports which producer and epoch the transaction is bound to.
func (c *Coordinator) Producer(cluster, name string) (int64, int16, error) {
	t, err := c.get(cluster, name)
	if err != nil {
		return 0, 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ProducerID, t.Epoch, nil
}

// Status reports the current state of a transaction.
func (c *Coordinator) Status(cluster, name string) (types.TxnStatus, error) {
	t, err := c.get(cluster, name)
	if err != nil {
		return types.TxnUnset, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status, nil
}

// PreparedTxn is durable intent left unfinished by an earlier run.
type PreparedTxn struct {
	Cluster string
	Name    string
	Status  types.TxnStatus
}

// PreparedTransactions lists transactions sitting in a PREPARE state. After
// a restart the recorded intent says exactly how each must finish; the
// caller resolves commits through CompleteCommit and aborts through
// CompleteAbort.
func (c *Coordinator) PreparedTransactions() []PreparedTxn {
	c.mu.RLock()
	snapshot := make([]*Transaction, 0, len(c.txns))
	for _, t := range c.txns {
		snapshot = append(snapshot, t)
	}
	c.mu.RUnlock()

	var prepared []PreparedTxn
	for _, t := range snapshot {
		t.mu.Lock()
		if t.Status == types.TxnPrepareCommit || t.Status == types.TxnPrepareAbort {
			prepared = append(prepared, PreparedTxn{Cluster: t.Cluster, Name: t.Name, Status: t.Status})
		}
		t.mu.Unlock()
	}
	return prepared
}

// ExpiredTransactions lists transactions still in Begin whose timeout has
// elapsed at now. The sweeper collaborator resolves each through
// PrepareAbort and CompleteAbort.
func (c *Coordinator) ExpiredTransactions(now time.Time) []ExpiredTxn {
	c.mu.RLock()
	snapshot := make([]*Transaction, 0, len(c.txns))
	for _, t := range c.txns {
		snapshot = append(snapshot, t)
	}
	c.mu.RUnlock()

	var expired []ExpiredTxn
	for _, t := range snapshot {
		t.mu.Lock()
		if t.Status == types.TxnBegin {
			deadline := t.StartedAt.Add(time.Duration(t.TimeoutMS) * time.Millisecond)
			if now.After(deadline) {
				expired = append(expired, ExpiredTxn{
					Cluster:    t.Cluster,
					Name:       t.Name,
					ProducerID: t.ProducerID,
					Epoch:      t.Epoch,
				})
			}
		}
		t.mu.Unlock()
	}
	return expired
}
