package wal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/downfa11-org/go-logstore/pkg/metrics"
	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
	"github.com/downfa11-org/go-logstore/util"
)

// TxnTracker is the coordinator surface the log engine needs: registering
// the first transactional produce on a partition, and the minimum pending
// start offset that pins the stable watermark.
type TxnTracker interface {
	RecordProduce(producerID int64, tp types.Topition, offset uint64)
	MinPendingStart(tp types.Topition) (uint64, bool)
}

// Engine assigns offsets and tracks watermarks, one logical writer sequence
// per topition. Appends to distinct partitions proceed fully in parallel.
type Engine struct {
	mu          sync.RWMutex
	parts       map[uint64]*partitionLog
	backend     store.Backend
	tracker     TxnTracker
	compression string
}

type producerSeq struct {
	lastSeq    int32
	lastOffset uint64
}

// partitionLog is the per-topition exclusive section: offset assignment,
// record storage and sequence dedup all happen under its mutex.
type partitionLog struct {
	mu        sync.Mutex
	low       uint64
	high      uint64
	records   map[uint64]types.Record
	producers map[int64]producerSeq
}

type watermarkRow struct {
	Low  uint64 `json:"low"`
	High uint64 `json:"high"`
}

type recordRow struct {
	Codec  string       `json:"codec,omitempty"`
	Record types.Record `json:"record"`
}

// NewEngine builds the log engine, reloading persisted records and
// watermarks from the backend.
func NewEngine(backend store.Backend, compression string) (*Engine, error) {
	e := &Engine{
		parts:       make(map[uint64]*partitionLog),
		backend:     backend,
		compression: compression,
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetTracker wires the transaction coordinator in. Must be called before
// serving requests; kept separate from NewEngine because the coordinator is
// built after the log engine.
func (e *Engine) SetTracker(t TxnTracker) {
	e.tracker = t
}

func (e *Engine) load() error {
	err := e.backend.Scan(store.BucketWatermarks, func(key string, value []byte) error {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("watermark key %q: %w", key, err)
		}
		var row watermarkRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode watermark %s: %w", key, err)
		}
		e.parts[id] = &partitionLog{
			low:       row.Low,
			high:      row.High,
			records:   make(map[uint64]types.Record),
			producers: make(map[int64]producerSeq),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}

	err = e.backend.Scan(store.BucketRecords, func(key string, value []byte) error {
		id, _, err := splitRecordKey(key)
		if err != nil {
			return err
		}
		var row recordRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode record %s: %w", key, err)
		}
		rec := row.Record
		if rec.Value != nil {
			plain, err := util.DecompressValue(rec.Value, row.Codec)
			if err != nil {
				return fmt.Errorf("decompress record %s: %w", key, err)
			}
			rec.Value = plain
		}

		p := e.parts[id]
		if p == nil {
			p = newPartitionLog()
			e.parts[id] = p
		}
		p.records[rec.Offset] = rec
		if rec.Idempotent() {
			if s, ok := p.producers[rec.ProducerID]; !ok || rec.Offset >= s.lastOffset {
				p.producers[rec.ProducerID] = producerSeq{lastSeq: rec.Sequence, lastOffset: rec.Offset}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	return nil
}

func newPartitionLog() *partitionLog {
	return &partitionLog{
		records:   make(map[uint64]types.Record),
		producers: make(map[int64]producerSeq),
	}
}

func (e *Engine) partition(id uint64) *partitionLog {
	e.mu.RLock()
	p := e.parts[id]
	e.mu.RUnlock()
	if p != nil {
		return p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p = e.parts[id]; p == nil {
		p = newPartitionLog()
		e.parts[id] = p
	}
	return p
}

func recordKey(tpID, offset uint64) string {
	return fmt.Sprintf("%d/%020d", tpID, offset)
}

func splitRecordKey(key string) (tpID, offset uint64, err error) {
	i := strings.IndexByte(key, '/')
	if i < 0 {
		return 0, 0, fmt.Errorf("malformed record key %q", key)
	}
	if tpID, err = strconv.ParseUint(key[:i], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("record key %q: %w", key, err)
	}
	if offset, err = strconv.ParseUint(key[i+1:], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("record key %q: %w", key, err)
	}
	return tpID, offset, nil
}

func (e *Engine) persistWatermark(id uint64, low, high uint64) error {
	data, err := json.Marshal(watermarkRow{Low: low, High: high})
	if err != nil {
		return err
	}
	return e.backend.Put(store.BucketWatermarks, strconv.FormatUint(id, 10), data)
}

func (e *Engine) persistRecord(id uint64, rec types.Record) error {
	row := recordRow{Record: rec}
	if rec.Value != nil && e.compression != "" && e.compression != "none" {
		compressed, err := util.CompressValue(rec.Value, e.compression)
		if err != nil {
			return err
		}
		row.Codec = e.compression
		row.Record.Value = compressed
	}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return e.backend.Put(store.BucketRecords, recordKey(id, rec.Offset), data)
}

// Append assigns the next offset to rec and stores it. The read of high,
// the transactional start registration and the advance are a single
// exclusive section, so no two appends to the same topition can observe the
// same high, and a transactional write is registered with the coordinator
// before it becomes visible in high.
func (e *Engine) Append(tp types.Topition, rec types.Record) (uint64, error) {
	p := e.partition(tp.ID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.Idempotent() {
		if s, ok := p.producers[rec.ProducerID]; ok && rec.Sequence <= s.lastSeq {
			util.Debug("Duplicate sequence %d from producer %d on %s, returning offset %d",
				rec.Sequence, rec.ProducerID, tp, s.lastOffset)
			metrics.DuplicateRecords.Inc()
			return s.lastOffset, nil
		}
	}

	offset := p.high
	rec.Offset = offset
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if e.tracker != nil && rec.ProducerID != types.NoProducer {
		e.tracker.RecordProduce(rec.ProducerID, tp, offset)
	}

	// Both rows must be durable before anything becomes visible: a failed
	// append leaves records, high and sequence state untouched.
	if err := e.persistRecord(tp.ID, rec); err != nil {
		return 0, fmt.Errorf("persist record %s@%d: %w", tp, offset, err)
	}
	if err := e.persistWatermark(tp.ID, p.low, offset+1); err != nil {
		return 0, fmt.Errorf("persist watermark %s: %w", tp, err)
	}
	p.records[offset] = rec
	p.high = offset + 1

	if rec.Idempotent() {
		p.producers[rec.ProducerID] = producerSeq{lastSeq: rec.Sequence, lastOffset: offset}
	}
	metrics.RecordsAppended.Inc()
	return offset, nil
}

// Watermarks returns (low, high, stable) for a topition. High is read
// before the pending-start query: a transaction that begins in between can
// only have a start at or above the high we already read, so clamping with
// min never reports a stable above an actually-pending write.
func (e *Engine) Watermarks(tp types.Topition) types.Watermark {
	p := e.partition(tp.ID)
	p.mu.Lock()
	low, high := p.low, p.high
	p.mu.Unlock()

	stable := high
	if e.tracker != nil {
		if start, ok := e.tracker.MinPendingStart(tp); ok && start < stable {
			stable = start
		}
	}
	if stable < low {
		stable = low
	}
	return types.Watermark{Low: low, High: high, Stable: stable}
}

// Read returns up to max records starting at from. With committedOnly set,
// reading stops at the stable watermark so uncommitted transactional writes
// never surface.
func (e *Engine) Read(tp types.Topition, from uint64, max int, committedOnly bool) ([]types.Record, error) {
	wm := e.Watermarks(tp)
	limit := wm.High
	if committedOnly {
		limit = wm.Stable
	}
	if from < wm.Low {
		from = wm.Low
	}

	p := e.partition(tp.ID)
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Record
	for off := from; off < limit && len(out) < max; off++ {
		if rec, ok := p.records[off]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AdvanceLow lifts the low watermark as part of external retention policy.
// Low never passes the stable watermark.
func (e *Engine) AdvanceLow(tp types.Topition, newLow uint64) error {
	p := e.partition(tp.ID)
	p.mu.Lock()
	defer p.mu.Unlock()

	stable := p.high
	if e.tracker != nil {
		if start, ok := e.tracker.MinPendingStart(tp); ok && start < stable {
			stable = start
		}
	}
	if newLow > stable {
		return fmt.Errorf("advance low to %d on %s passes stable %d: %w",
			newLow, tp, stable, types.ErrConflict)
	}
	if newLow <= p.low {
		return nil
	}

	if err := e.persistWatermark(tp.ID, newLow, p.high); err != nil {
		return fmt.Errorf("persist watermark %s: %w", tp, err)
	}
	for off := p.low; off < newLow; off++ {
		if err := e.backend.Delete(store.BucketRecords, recordKey(tp.ID, off)); err != nil {
			return fmt.Errorf("reclaim record %s@%d: %w", tp, off, err)
		}
		delete(p.records, off)
	}
	p.low = newLow
	util.Debug("Advanced low watermark of %s to %d", tp, newLow)
	return nil
}

// Remove drops all log state of a deleted topition.
func (e *Engine) Remove(tp types.Topition) error {
	p := e.partition(tp.ID)
	p.mu.Lock()
	defer p.mu.Unlock()

	for off := range p.records {
		if err := e.backend.Delete(store.BucketRecords, recordKey(tp.ID, off)); err != nil {
			return fmt.Errorf("delete record %s@%d: %w", tp, off, err)
		}
	}
	if err := e.backend.Delete(store.BucketWatermarks, strconv.FormatUint(tp.ID, 10)); err != nil {
		return fmt.Errorf("delete watermark %s: %w", tp, err)
	}

	e.mu.Lock()
	delete(e.parts, tp.ID)
	e.mu.Unlock()
	return nil
}
