package producer_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/downfa11-org/go-logstore/pkg/producer"
	"github.com/downfa11-org/go-logstore/pkg/store"
	"github.com/downfa11-org/go-logstore/pkg/types"
)

func newRegistry(t *testing.T) *producer.Registry {
	t.Helper()
	r, err := producer.NewRegistry(store.NewMemoryStore())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestInitProducerStartsAtEpochZero(t *testing.T) {
	r := newRegistry(t)

	id, epoch, err := r.InitProducer("c1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if epoch != 0 {
		t.Errorf("expected epoch 0, got %d", epoch)
	}

	id2, _, err := r.InitProducer("c1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if id2 == id {
		t.Errorf("producer ids must be unique, got %d twice", id)
	}
}

func TestFenceCheck(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.InitProducer("c1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	if err := r.FenceCheck(id, 0); err != nil {
		t.Errorf("current epoch should pass: %v", err)
	}
	if err := r.FenceCheck(id, 1); !errors.Is(err, types.ErrFenced) {
		t.Errorf("future epoch should be fenced, got %v", err)
	}

	next, err := r.BumpEpoch(id)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if next != 1 {
		t.Errorf("expected epoch 1, got %d", next)
	}

	if err := r.FenceCheck(id, 0); !errors.Is(err, types.ErrFenced) {
		t.Errorf("stale epoch should be fenced after bump, got %v", err)
	}
	if err := r.FenceCheck(id, 1); err != nil {
		t.Errorf("new epoch should pass: %v", err)
	}
}

func TestFenceCheckUnknownProducer(t *testing.T) {
	r := newRegistry(t)
	if err := r.FenceCheck(42, 0); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGuardRejectsStaleEpoch(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.InitProducer("c1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := r.BumpEpoch(id); err != nil {
		t.Fatalf("bump: %v", err)
	}

	ran := false
	err = r.Guard(id, 0, func() error {
		ran = true
		return nil
	})
	if !errors.Is(err, types.ErrFenced) {
		t.Errorf("expected ErrFenced, got %v", err)
	}
	if ran {
		t.Errorf("guarded fn must not run under a stale epoch")
	}
}

func TestGuardExcludesConcurrentBump(t *testing.T) {
	r := newRegistry(t)
	id, _, err := r.InitProducer("c1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	var bumpFinished bool
	go func() {
		done <- r.Guard(id, 0, func() error {
			close(entered)
			<-release
			if bumpFinished {
				t.Errorf("bump completed while a guarded write was in flight")
			}
			return nil
		})
	}()

	<-entered
	bumped := make(chan int16, 1)
	go func() {
		e, _ := r.BumpEpoch(id)
		bumpFinished = true
		bumped <- e
	}()
	close(release)

	if err := <-done; err != nil {
		t.Errorf("guarded write should finish under its epoch: %v", err)
	}
	if e := <-bumped; e != 1 {
		t.Errorf("expected bump to land at epoch 1, got %d", e)
	}
	if err := r.FenceCheck(id, 0); !errors.Is(err, types.ErrFenced) {
		t.Errorf("epoch 0 should be fenced after the bump, got %v", err)
	}
}

func TestRegistrySurvivesReload(t *testing.T) {
	backend := store.NewMemoryStore()

	r, err := producer.NewRegistry(backend)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	id, _, err := r.InitProducer("c1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := r.BumpEpoch(id); err != nil {
		t.Fatalf("bump: %v", err)
	}

	reloaded, err := producer.NewRegistry(backend)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := reloaded.FenceCheck(id, 1); err != nil {
		t.Errorf("epoch should survive reload: %v", err)
	}

	var wg sync.WaitGroup
	ids := make(chan int64, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nid, _, err := reloaded.InitProducer("c1")
			if err != nil {
				t.Errorf("init: %v", err)
				return
			}
			ids <- nid
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for nid := range ids {
		if nid == id || seen[nid] {
			t.Errorf("producer id %d reused", nid)
		}
		seen[nid] = true
	}
}
