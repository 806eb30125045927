package group

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
	"github.com/google/uuid"
)

// Group is versioned consumer-group metadata. Detail is an opaque blob
// owned by the external group-protocol collaborator; this store never
// inspects it. ETag is the optimistic-concurrency token: every update must
// present the ETag it last read.
type Group struct {
	Cluster string `json:"cluster"`
	Name    string `json:"name"`
	ETag    string `json:"e_tag"`
	Detail  []byte `json:"detail,omitempty"`
}

// OffsetCommit is a committed consumer offset for one (group, topition).
type OffsetCommit struct {
	Topition    types.Topition `json:"topition"`
	Offset      uint64         `json:"offset"`
	LeaderEpoch int32          `json:"leader_epoch"`
	Metadata    string         `json:"metadata,omitempty"`
	CommittedAt time.Time      `json:"committed_at"`
}

// Store holds consumer groups and their committed offsets.
type Store struct {
	mu      sync.RWMutex
	backend store.Backend
	groups  map[string]*Group                  // cluster/name
	offsets map[string]map[uint64]OffsetCommit // cluster/name -> topition id
}

func groupKey(cluster, name string) string {
	return cluster + "/" + name
}

func offsetKey(cluster, name string, tpID uint64) string {
	return cluster + "/" + name + "/" + strconv.FormatUint(tpID, 10)
}

// NewStore builds the group store, reloading persisted groups and offsets.
func NewStore(backend store.Backend) (*Store, error) {
	s := &Store{
		backend: backend,
		groups:  make(map[string]*Group),
		offsets: make(map[string]map[uint64]OffsetCommit),
	}

	err := backend.Scan(store.BucketGroups, func(key string, value []byte) error {
		var g Group
		if err := json.Unmarshal(value, &g); err != nil {
			return fmt.Errorf("decode group %s: %w", key, err)
		}
		s.groups[key] = &g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}

	err = backend.Scan(store.BucketGroupOffsets, func(key string, value []byte) error {
		var oc OffsetCommit
		if err := json.Unmarshal(value, &oc); err != nil {
			return fmt.Errorf("decode offset %s: %w", key, err)
		}
		i := len(key) - len("/"+strconv.FormatUint(oc.Topition.ID, 10))
		gk := key[:i]
		if s.offsets[gk] == nil {
			s.offsets[gk] = make(map[uint64]OffsetCommit)
		}
		s.offsets[gk][oc.Topition.ID] = oc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load group offsets: %w", err)
	}
	return s, nil
}

func (s *Store) persistGroup(g *Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.backend.Put(store.BucketGroups, groupKey(g.Cluster, g.Name), data)
}

// UpsertGroup inserts or updates group metadata under compare-and-swap.
// Inserting requires no expected tag; updating requires the tag last read,
// else the call fails with ErrConflict and stored detail is untouched. No
// lock is held between the caller's read and this write: losers re-read
// and retry.
func (s *Store) UpsertGroup(cluster, name string, expectedETag *string, detail []byte) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(cluster, name)
	existing, ok := s.groups[key]

	if ok {
		if expectedETag == nil || *expectedETag != existing.ETag {
			metrics.ETagConflicts.Inc()
			presented := "<none>"
			if expectedETag != nil {
				presented = *expectedETag
			}
			return Group{}, fmt.Errorf("group %q e_tag %s (current %s): %w",
				name, presented, existing.ETag, types.ErrConflict)
		}
	} else if expectedETag != nil {
		return Group{}, fmt.Errorf("group %q in cluster %q: %w", name, cluster, types.ErrNotFound)
	}

	g := &Group{
		Cluster: cluster,
		Name:    name,
		ETag:    uuid.NewString(),
		Detail:  detail,
	}
	if err := s.persistGroup(g); err != nil {
		return Group{}, fmt.Errorf("persist group %q: %w", name, err)
	}
	s.groups[key] = g
	util.Debug("Upserted group %q (e_tag %s)", name, g.ETag)
	return *g, nil
}

// GetGroup returns current group metadata and its e_tag.
func (s *Store) GetGroup(cluster, name string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupKey(cluster, name)]
	if !ok {
		return Group{}, fmt.Errorf("group %q in cluster %q: %w", name, cluster, types.ErrNotFound)
	}
	return *g, nil
}

// CommitOffset upserts the committed offset for (group, topition).
// Last-committed-wins, no monotonicity enforcement at this layer: any
// generation fencing is the external membership collaborator's job. The
// group row is created on first commit if the collaborator has not
// registered it yet.
func (s *Store) CommitOffset(cluster, name string, tp types.Topition, offset uint64, leaderEpoch int32, metadata string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupKey(cluster, name)
	if _, ok := s.groups[key]; !ok {
		g := &Group{Cluster: cluster, Name: name, ETag: uuid.NewString()}
		if err := s.persistGroup(g); err != nil {
			return fmt.Errorf("persist group %q: %w", name, err)
		}
		s.groups[key] = g
	}

	oc := OffsetCommit{
		Topition:    tp,
		Offset:      offset,
		LeaderEpoch: leaderEpoch,
		Metadata:    metadata,
		CommittedAt: time.Now(),
	}
	data, err := json.Marshal(oc)
	if err != nil {
		return fmt.Errorf("encode offset for group %q on %s: %w", name, tp, err)
	}
	if err := s.backend.Put(store.BucketGroupOffsets, offsetKey(cluster, name, tp.ID), data); err != nil {
		return fmt.Errorf("persist offset for group %q on %s: %w", name, tp, err)
	}

	if s.offsets[key] == nil {
		s.offsets[key] = make(map[uint64]OffsetCommit)
	}
	s.offsets[key][tp.ID] = oc
	metrics.OffsetCommits.Inc()
	return nil
}

// FetchCommittedOffset returns the committed offset for (group, topition).
func (s *Store) FetchCommittedOffset(cluster, name string, tp types.Topition) (OffsetCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oc, ok := s.offsets[groupKey(cluster, name)][tp.ID]
	if !ok {
		return OffsetCommit{}, fmt.Errorf("no committed offset for group %q on %s: %w",
			name, tp, types.ErrNotFound)
	}
	return oc, nil
}

// FetchGroupOffsets returns every committed offset of a group.
func (s *Store) FetchGroupOffsets(cluster, name string) (map[types.Topition]OffsetCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.groups[groupKey(cluster, name)]; !ok {
		return nil, fmt.Errorf("group %q in cluster %q: %w", name, cluster, types.ErrNotFound)
	}
	out := make(map[types.Topition]OffsetCommit)
	for _, oc := range s.offsets[groupKey(cluster, name)] {
		out[oc.Topition] = oc
	}
	return out, nil
}

// RemoveTopition purges committed offsets of a deleted topition.
func (s *Store) RemoveTopition(tp types.Topition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for gk, commits := range s.offsets {
		if _, ok := commits[tp.ID]; !ok {
			continue
		}
		g := s.groups[gk]
		if g == nil {
			continue
		}
		if err := s.backend.Delete(store.BucketGroupOffsets, offsetKey(g.Cluster, g.Name, tp.ID)); err != nil {
			return fmt.Errorf("delete offset of group %q on %s: %w", g.Name, tp, err)
		}
		delete(commits, tp.ID)
	}
	return nil
}
