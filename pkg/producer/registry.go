package producer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/downfa11-org/go-logstore/pkg/metrics"
	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
	"github.com/downfa11-org/go-logstore/util"
)

type producerRow struct {
	ID      int64  `json:"id"`
	Cluster string `json:"cluster"`
	Epoch   int16  `json:"epoch"`
}

// state is one producer identity. The RW lock is the fencing boundary:
// writers hold it shared for the duration of a guarded operation, an epoch
// bump holds it exclusively, so a zombie can never pass the fence check and
// then write under a superseded epoch.
type state struct {
	mu      sync.RWMutex
	cluster string
	epoch   int16
}

// Registry allocates producer ids and enforces monotonically fenced epochs.
type Registry struct {
	mu        sync.RWMutex
	backend   store.Backend
	producers map[int64]*state
	nextID    int64
}

// NewRegistry builds the registry, reloading persisted producers.
func NewRegistry(backend store.Backend) (*Registry, error) {
	r := &Registry{
		backend:   backend,
		producers: make(map[int64]*state),
		nextID:    1,
	}

	err := backend.Scan(store.BucketProducers, func(key string, value []byte) error {
		var row producerRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode producer %s: %w", key, err)
		}
		r.producers[row.ID] = &state{cluster: row.Cluster, epoch: row.Epoch}
		if row.ID >= r.nextID {
			r.nextID = row.ID + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load producers: %w", err)
	}
	return r, nil
}

func (r *Registry) persist(id int64, s *state) error {
	data, err := json.Marshal(producerRow{ID: id, Cluster: s.cluster, Epoch: s.epoch})
	if err != nil {
		return err
	}
	return r.backend.Put(store.BucketProducers, strconv.FormatInt(id, 10), data)
}

// InitProducer allocates a fresh producer identity at epoch 0.
func (r *Registry) InitProducer(cluster string) (int64, int16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	s := &state{cluster: cluster, epoch: 0}
	if err := r.persist(id, s); err != nil {
		return 0, 0, fmt.Errorf("persist producer %d: %w", id, err)
	}
	r.producers[id] = s
	util.Debug("Initialized producer %d in cluster %q", id, cluster)
	return id, 0, nil
}

func (r *Registry) get(id int64) (*state, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.producers[id]
	if !ok {
		return nil, fmt.Errorf("producer %d: %w", id, types.ErrNotFound)
	}
	return s, nil
}

// BumpEpoch fences every prior incarnation of the producer. Used on
// producer restart or re-init.
func (r *Registry) BumpEpoch(id int64) (int16, error) {
	s, err := r.get(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	if err := r.persist(id, s); err != nil {
		s.epoch--
		return 0, fmt.Errorf("persist producer %d: %w", id, err)
	}
	util.Debug("Bumped producer %d to epoch %d", id, s.epoch)
	return s.epoch, nil
}

// FenceCheck verifies the presented epoch is the producer's current epoch.
func (r *Registry) FenceCheck(id int64, epoch int16) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(id, epoch)
}

func (s *state) check(id int64, epoch int16) error {
	if epoch != s.epoch {
		metrics.FencingRejections.Inc()
		return fmt.Errorf("producer %d epoch %d (current %d): %w",
			id, epoch, s.epoch, types.ErrFenced)
	}
	return nil
}

// Guard runs fn while holding the producer's epoch lock shared, so the
// fence check and the guarded write are atomic with respect to a concurrent
// BumpEpoch.
func (r *Registry) Guard(id int64, epoch int16, fn func() error) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(id, epoch); err != nil {
		return err
	}
	return fn()
}

// Cluster returns the cluster a producer was initialized in.
func (r *Registry) Cluster(id int64) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}
	return s.cluster, nil
}
