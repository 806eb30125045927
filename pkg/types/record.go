package types

import (
	"fmt"
	"time"
)

// NoProducer marks a record produced without an idempotent producer session.
const NoProducer int64 = -1

// NoSequence marks a record without a producer sequence number.
const NoSequence int32 = -1

// Topition identifies a single partition of a topic, the unit of ordering
// and offset assignment. ID is a surrogate handle assigned by the topology
// store and resolved once per request.
type Topition struct {
	ID        uint64
	Topic     string
	Partition int32
}

func (t Topition) String() string {
	return fmt.Sprintf("%s-%d", t.Topic, t.Partition)
}

// Header is a key/value pair attached to a record. Keys are unique per record.
type Header struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Record is a single entry in a partition log.
type Record struct {
	Offset        uint64    `json:"offset"`
	Timestamp     time.Time `json:"timestamp"`
	Key           []byte    `json:"key,omitempty"`
	Value         []byte    `json:"value,omitempty"`
	Headers       []Header  `json:"headers,omitempty"`
	ProducerID    int64     `json:"producer_id"`
	ProducerEpoch int16     `json:"producer_epoch"`
	Sequence      int32     `json:"sequence"`
}

// NewRecord returns a record without a producer session.
func NewRecord(key, value []byte) Record {
	return Record{
		Key:           key,
		Value:         value,
		ProducerID:    NoProducer,
		ProducerEpoch: -1,
		Sequence:      NoSequence,
	}
}

// IsTombstone reports whether the record is a deletion marker (nil value).
func (r Record) IsTombstone() bool {
	return r.Value == nil
}

// Idempotent reports whether the record carries a producer session for
// duplicate detection.
func (r Record) Idempotent() bool {
	return r.ProducerID != NoProducer && r.Sequence != NoSequence
}
