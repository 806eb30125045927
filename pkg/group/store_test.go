package group_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/downfa11-org/go-logstore/pkg/group"
	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
)

var tp = types.Topition{ID: 1, Topic: "t1", Partition: 0}

func newStore(t *testing.T) *group.Store {
	t.Helper()
	s, err := group.NewStore(store.NewMemoryStore())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestUpsertGroupInsertAndUpdate(t *testing.T) {
	s := newStore(t)

	g, err := s.UpsertGroup("c1", "g1", nil, []byte(`{"gen":1}`))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if g.ETag == "" {
		t.Fatalf("insert must issue an e_tag")
	}

	g2, err := s.UpsertGroup("c1", "g1", &g.ETag, []byte(`{"gen":2}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if g2.ETag == g.ETag {
		t.Errorf("update must issue a fresh e_tag")
	}
	if string(g2.Detail) != `{"gen":2}` {
		t.Errorf("detail not updated: %s", g2.Detail)
	}
}

func TestUpsertGroupStaleETagConflicts(t *testing.T) {
	s := newStore(t)

	g, err := s.UpsertGroup("c1", "g1", nil, []byte("v1"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.UpsertGroup("c1", "g1", &g.ETag, []byte("v2")); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The first e_tag is stale now.
	_, err = s.UpsertGroup("c1", "g1", &g.ETag, []byte("v3"))
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The conflicting write must not have mutated the stored detail.
	cur, err := s.GetGroup("c1", "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(cur.Detail) != "v2" {
		t.Errorf("conflict mutated detail: %s", cur.Detail)
	}
}

func TestUpsertGroupExistingWithoutETagConflicts(t *testing.T) {
	s := newStore(t)
	if _, err := s.UpsertGroup("c1", "g1", nil, []byte("v1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.UpsertGroup("c1", "g1", nil, []byte("v2")); !errors.Is(err, types.ErrConflict) {
		t.Errorf("blind overwrite must conflict, got %v", err)
	}
}

func TestUpsertGroupUpdateMissingGroup(t *testing.T) {
	s := newStore(t)
	etag := "stale"
	if _, err := s.UpsertGroup("c1", "nope", &etag, nil); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentUpsertsExactlyOneWins(t *testing.T) {
	s := newStore(t)
	g, err := s.UpsertGroup("c1", "g1", nil, []byte("base"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertGroup("c1", "g1", &g.ETag, []byte("contender"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, types.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Errorf("expected exactly one winner, got %d wins and %d conflicts", wins, conflicts)
	}
}

func TestCommitOffsetLastWriteWins(t *testing.T) {
	s := newStore(t)

	if err := s.CommitOffset("c1", "g1", tp, 5, 0, ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	oc, err := s.FetchCommittedOffset("c1", "g1", tp)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if oc.Offset != 5 {
		t.Errorf("expected offset 5, got %d", oc.Offset)
	}

	// No monotonic enforcement at this layer: a lower commit still wins.
	if err := s.CommitOffset("c1", "g1", tp, 3, 0, "rewind"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	oc, err = s.FetchCommittedOffset("c1", "g1", tp)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if oc.Offset != 3 || oc.Metadata != "rewind" {
		t.Errorf("expected offset 3 with metadata, got %+v", oc)
	}
}

func TestFetchCommittedOffsetNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.FetchCommittedOffset("c1", "g1", tp); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchGroupOffsets(t *testing.T) {
	s := newStore(t)
	other := types.Topition{ID: 2, Topic: "t1", Partition: 1}

	if err := s.CommitOffset("c1", "g1", tp, 5, 0, ""); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.CommitOffset("c1", "g1", other, 7, 0, ""); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, err := s.FetchGroupOffsets("c1", "g1")
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(all) != 2 || all[tp].Offset != 5 || all[other].Offset != 7 {
		t.Errorf("unexpected offsets: %+v", all)
	}
}

func TestGroupsSurviveReload(t *testing.T) {
	backend := store.NewMemoryStore()

	s, err := group.NewStore(backend)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	g, err := s.UpsertGroup("c1", "g1", nil, []byte("blob"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.CommitOffset("c1", "g1", tp, 9, 2, "m"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reloaded, err := group.NewStore(backend)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	cur, err := reloaded.GetGroup("c1", "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.ETag != g.ETag || string(cur.Detail) != "blob" {
		t.Errorf("group not restored: %+v", cur)
	}

	oc, err := reloaded.FetchCommittedOffset("c1", "g1", tp)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if oc.Offset != 9 || oc.LeaderEpoch != 2 || oc.Metadata != "m" {
		t.Errorf("offset not restored: %+v", oc)
	}
}
