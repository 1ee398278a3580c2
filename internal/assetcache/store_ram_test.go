package assetcache

import (
	"context"
	"testing"
)

func TestRAMTierServesAndForgetsDeletedGenerations(t *testing.T) {
	ctx := context.Background()
	next := newTestStore(t)
	s, err := NewRAMTier(next, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	tier := s.(*ramTier)

	if _, err := s.Open(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	ent := testEntry("https://a/app.js", "v1 body")
	if err := s.Put(ctx, "v1", ent.Key(), ent); err != nil {
		t.Fatal(err)
	}
	tier.cache.Wait()

	got, ok, err := s.Match(ctx, "v1", ent.Key())
	if err != nil || !ok || string(got.Body) != "v1 body" {
		t.Fatalf("Match ok=%v err=%v body=%q", ok, err, got.Body)
	}

	if _, err := s.Delete(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Match(ctx, "v1", ent.Key()); err != nil || ok {
		t.Fatalf("recreated generation must start empty: ok=%v err=%v", ok, err)
	}
}

func TestRAMTierDisabled(t *testing.T) {
	next := newTestStore(t)
	s, err := NewRAMTier(next, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s != next {
		t.Fatal("zero size should return the backing store")
	}
}

// afterPutStore runs a hook once the wrapped Put has succeeded.
type afterPutStore struct {
	Store
	afterPut func()
}

func (s *afterPutStore) Put(ctx context.Context, generation, key string, ent Entry) error {
	if err := s.Store.Put(ctx, generation, key, ent); err != nil {
		return err
	}
	if s.afterPut != nil {
		s.afterPut()
	}
	return nil
}

func TestRAMTierPutRacingDeleteIsNotServed(t *testing.T) {
	ctx := context.Background()
	next := &afterPutStore{Store: newTestStore(t)}
	s, err := NewRAMTier(next, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	tier := s.(*ramTier)

	if _, err := s.Open(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	// Another activation deletes v1 and a fresh v1 is opened while the
	// write is still on its way back through the tier.
	next.afterPut = func() {
		next.afterPut = nil
		if _, err := s.Delete(ctx, "v1"); err != nil {
			t.Error(err)
		}
		if _, err := s.Open(ctx, "v1"); err != nil {
			t.Error(err)
		}
	}
	ent := testEntry("https://a/app.js", "old body")
	if err := s.Put(ctx, "v1", ent.Key(), ent); err != nil {
		t.Fatal(err)
	}
	tier.cache.Wait()

	if _, ok, err := s.Match(ctx, "v1", ent.Key()); err != nil || ok {
		t.Fatalf("entry of the deleted generation served: ok=%v err=%v", ok, err)
	}
}
