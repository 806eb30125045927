package txn

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
)

// txnRow is the persisted form of a Transaction. The durable status write
// in prepare is what makes the two-phase end crash-safe: a restarted
// coordinator re-reads the status and knows whether to finish a commit or
// an abort.
type txnRow struct {
	Cluster       string            `json:"cluster"`
	Name          string            `json:"name"`
	ProducerID    int64             `json:"producer_id"`
	Epoch         int16             `json:"epoch"`
	Status        types.TxnStatus   `json:"status"`
	StartedAt     time.Time         `json:"started_at,omitempty"`
	TimeoutMS     int32             `json:"timeout_ms"`
	Partitions    []types.Topition  `json:"partitions,omitempty"`
	ProduceStarts map[string]uint64 `json:"produce_starts,omitempty"`
	Offsets       []PendingOffset   `json:"offsets,omitempty"`
}

// persist writes the transaction row. Caller holds t.mu.
func (c *Coordinator) persist(t *Transaction) error {
	row := txnRow{
		Cluster:    t.Cluster,
		Name:       t.Name,
		ProducerID: t.ProducerID,
		Epoch:      t.Epoch,
		Status:     t.Status,
		StartedAt:  t.StartedAt,
		TimeoutMS:  t.TimeoutMS,
	}
	for _, tp := range t.partitions {
		row.Partitions = append(row.Partitions, tp)
	}
	if len(t.produceStart) > 0 {
		row.ProduceStarts = make(map[string]uint64, len(t.produceStart))
		for id, start := range t.produceStart {
			row.ProduceStarts[strconv.FormatUint(id, 10)] = start
		}
	}
	for _, po := range t.offsets {
		row.Offsets = append(row.Offsets, po)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode txn %q: %w", t.Name, err)
	}
	if err := c.backend.Put(store.BucketTxns, txnKey(t.Cluster, t.Name), data); err != nil {
		return fmt.Errorf("persist txn %q: %w", t.Name, err)
	}
	return nil
}

func (row txnRow) restore() *Transaction {
	t := newTransaction(row.Cluster, row.Name)
	t.ProducerID = row.ProducerID
	t.Epoch = row.Epoch
	t.Status = row.Status
	t.StartedAt = row.StartedAt
	t.TimeoutMS = row.TimeoutMS

	for _, tp := range row.Partitions {
		t.partitions[tp.ID] = tp
	}
	for id, start := range row.ProduceStarts {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			t.produceStart[n] = start
		}
	}
	for _, po := range row.Offsets {
		t.offsets[po.Group+"/"+strconv.FormatUint(po.Topition.ID, 10)] = po
	}
	return t
}
