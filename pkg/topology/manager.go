package topology

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
	"github.com/downfa11-org/go-logstore/util"
	"github.com/google/uuid"
)

// Topic carries the stable external identity and layout of a topic.
// The partition count is fixed at creation; there is no repartitioning.
type Topic struct {
	Cluster           string    `json:"cluster"`
	Name              string    `json:"name"`
	ID                uuid.UUID `json:"id"`
	Partitions        int32     `json:"partitions"`
	ReplicationFactor int16     `json:"replication_factor"`
	Internal          bool      `json:"internal"`
}

type topitionRow struct {
	ID        uint64 `json:"id"`
	Cluster   string `json:"cluster"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

// Manager is the identity and topology store: clusters, topics and
// topitions. Everything else in the core references entities through it.
type Manager struct {
	mu             sync.RWMutex
	backend        store.Backend
	clusters       map[string]struct{}
	topics         map[string]*Topic // key: cluster/name
	byID           map[uuid.UUID]*Topic
	topitions      map[uint64]types.Topition
	byTopic        map[string][]types.Topition // key: cluster/name
	nextTopitionID uint64
}

func topicKey(cluster, name string) string {
	return cluster + "/" + name
}

// NewManager builds the topology store, reloading persisted entities.
func NewManager(backend store.Backend) (*Manager, error) {
	m := &Manager{
		backend:        backend,
		clusters:       make(map[string]struct{}),
		topics:         make(map[string]*Topic),
		byID:           make(map[uuid.UUID]*Topic),
		topitions:      make(map[uint64]types.Topition),
		byTopic:        make(map[string][]types.Topition),
		nextTopitionID: 1,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	err := m.backend.Scan(store.BucketClusters, func(key string, _ []byte) error {
		m.clusters[key] = struct{}{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}

	err = m.backend.Scan(store.BucketTopics, func(key string, value []byte) error {
		var t Topic
		if err := json.Unmarshal(value, &t); err != nil {
			return fmt.Errorf("decode topic %s: %w", key, err)
		}
		m.topics[key] = &t
		m.byID[t.ID] = &t
		return nil
	})
	if err != nil {
		return fmt.Errorf("load topics: %w", err)
	}

	err = m.backend.Scan(store.BucketTopitions, func(key string, value []byte) error {
		var row topitionRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decode topition %s: %w", key, err)
		}
		tp := types.Topition{ID: row.ID, Topic: row.Topic, Partition: row.Partition}
		m.topitions[row.ID] = tp
		tk := topicKey(row.Cluster, row.Topic)
		m.byTopic[tk] = append(m.byTopic[tk], tp)
		if row.ID >= m.nextTopitionID {
			m.nextTopitionID = row.ID + 1
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load topitions: %w", err)
	}
	return nil
}

// CreateCluster registers a cluster namespace. Idempotent on name.
func (m *Manager) CreateCluster(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clusters[name]; ok {
		return nil
	}
	if err := m.backend.Put(store.BucketClusters, name, []byte(name)); err != nil {
		return fmt.Errorf("persist cluster %q: %w", name, err)
	}
	m.clusters[name] = struct{}{}
	util.Info("Created cluster %q", name)
	return nil
}

// ClusterExists reports whether the named cluster has been created.
func (m *Manager) ClusterExists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clusters[name]
	return ok
}

// CreateTopic creates a topic and one topition per partition. Idempotent on
// (cluster, name); a re-create with a different partition count is a
// conflict, never a silent overwrite.
func (m *Manager) CreateTopic(cluster, name string, partitions int32, replicationFactor int16, internal bool) (*Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clusters[cluster]; !ok {
		return nil, fmt.Errorf("cluster %q: %w", cluster, types.ErrNotFound)
	}
	if partitions <= 0 {
		return nil, fmt.Errorf("topic %q: partition count %d must be positive", name, partitions)
	}

	key := topicKey(cluster, name)
	if existing, ok := m.topics[key]; ok {
		if existing.Partitions != partitions {
			return nil, fmt.Errorf("topic %q exists with %d partitions, requested %d: %w",
				name, existing.Partitions, partitions, types.ErrConflict)
		}
		return existing, nil
	}

	t := &Topic{
		Cluster:           cluster,
		Name:              name,
		ID:                uuid.New(),
		Partitions:        partitions,
		ReplicationFactor: replicationFactor,
		Internal:          internal,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode topic %q: %w", name, err)
	}
	if err := m.backend.Put(store.BucketTopics, key, data); err != nil {
		return nil, fmt.Errorf("persist topic %q: %w", name, err)
	}

	for i := int32(0); i < partitions; i++ {
		row := topitionRow{ID: m.nextTopitionID, Cluster: cluster, Topic: name, Partition: i}
		m.nextTopitionID++

		rowData, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode topition %s-%d: %w", name, i, err)
		}
		if err := m.backend.Put(store.BucketTopitions, strconv.FormatUint(row.ID, 10), rowData); err != nil {
			return nil, fmt.Errorf("persist topition %s-%d: %w", name, i, err)
		}

		tp := types.Topition{ID: row.ID, Topic: name, Partition: i}
		m.topitions[row.ID] = tp
		m.byTopic[key] = append(m.byTopic[key], tp)
	}

	m.topics[key] = t
	m.byID[t.ID] = t
	util.Info("Created topic %q (%d partitions) in cluster %q", name, partitions, cluster)
	return t, nil
}

// DeleteTopic removes a topic and returns its topitions so the caller can
// purge owned state (records, watermarks, committed offsets).
func (m *Manager) DeleteTopic(cluster, name string) ([]types.Topition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := topicKey(cluster, name)
	t, ok := m.topics[key]
	if !ok {
		return nil, fmt.Errorf("topic %q in cluster %q: %w", name, cluster, types.ErrNotFound)
	}

	removed := m.byTopic[key]
	for _, tp := range removed {
		if err := m.backend.Delete(store.BucketTopitions, strconv.FormatUint(tp.ID, 10)); err != nil {
			return nil, fmt.Errorf("delete topition %s: %w", tp, err)
		}
		delete(m.topitions, tp.ID)
	}
	if err := m.backend.Delete(store.BucketTopics, key); err != nil {
		return nil, fmt.Errorf("delete topic %q: %w", name, err)
	}

	delete(m.byID, t.ID)
	delete(m.topics, key)
	delete(m.byTopic, key)
	util.Info("Deleted topic %q from cluster %q (%d partitions)", name, cluster, len(removed))
	return removed, nil
}

// ResolveTopition resolves (cluster, topic, partition) to its surrogate
// handle. Pure lookup.
func (m *Manager) ResolveTopition(cluster, topic string, partition int32) (types.Topition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.clusters[cluster]; !ok {
		return types.Topition{}, fmt.Errorf("cluster %q: %w", cluster, types.ErrNotFound)
	}
	key := topicKey(cluster, topic)
	if _, ok := m.topics[key]; !ok {
		return types.Topition{}, fmt.Errorf("topic %q in cluster %q: %w", topic, cluster, types.ErrNotFound)
	}
	for _, tp := range m.byTopic[key] {
		if tp.Partition == partition {
			return tp, nil
		}
	}
	return types.Topition{}, fmt.Errorf("partition %d of topic %q: %w", partition, topic, types.ErrNotFound)
}

// TopicByID resolves a topic by its stable external identifier.
func (m *Manager) TopicByID(id uuid.UUID) (*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("topic id %s: %w", id, types.ErrNotFound)
	}
	return t, nil
}

// Topitions lists the partitions of a topic in partition order.
func (m *Manager) Topitions(cluster, topic string) ([]types.Topition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := topicKey(cluster, topic)
	if _, ok := m.topics[key]; !ok {
		return nil, fmt.Errorf("topic %q in cluster %q: %w", topic, cluster, types.ErrNotFound)
	}
	out := make([]types.Topition, len(m.byTopic[key]))
	copy(out, m.byTopic[key])
	return out, nil
}
