package container

import (
	"context"
	"testing"

	"github.com/gmucore/gmukv/internal/vclock"
)

func gen3() *vclock.Generator {
	return vclock.NewGenerator(vclock.NewClusterSnapshot([]vclock.NodeID{0, 1, 2}), 0)
}

func rv(g *vclock.Generator, v vclock.Version) vclock.ReadVersion {
	return g.ConvertToRead(v)
}

func TestReadSeesMaximalVisibleEntry(t *testing.T) {
	g := gen3()
	c := NewMemoryContainer(0)
	ctx := context.Background()

	v1 := g.GenerateNew().WithCoord(0, 1)
	v2 := g.GenerateNew().WithCoord(0, 2)

	if err := c.Commit(ctx, "t1", vclock.ConvertToWrite(v1, 0), map[string]any{"k": "v1"}, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(ctx, "t2", vclock.ConvertToWrite(v2, 0), map[string]any{"k": "v2"}, true); err != nil {
		t.Fatal(err)
	}

	res, err := c.Read(rv(g, v1), "k")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || res.Value != "v1" {
		t.Fatalf("got %+v, want v1 visible at snapshot v1", res)
	}

	res, err = c.Read(rv(g, v2), "k")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || res.Value != "v2" {
		t.Fatalf("got %+v, want v2 visible at snapshot v2", res)
	}
}

func TestWrapForPrepareConflictReleasesAcquired(t *testing.T) {
	c := NewMemoryContainer(0)
	ctx := context.Background()

	if err := c.WrapForPrepare(ctx, "t1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := c.WrapForPrepare(ctx, "t2", []string{"c", "a"}); err == nil {
		t.Fatal("expected ErrWriteIntentHeld for key a")
	}
	// t2 must not still hold "c" after the conflicting acquisition failed.
	if err := c.WrapForPrepare(ctx, "t3", []string{"c"}); err != nil {
		t.Fatalf("key c should have been released after t2's failed wrap: %v", err)
	}
}

func TestUnwrapReleasesIntent(t *testing.T) {
	c := NewMemoryContainer(0)
	ctx := context.Background()

	if err := c.WrapForPrepare(ctx, "t1", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	c.Unwrap("t1", []string{"a"})
	if err := c.WrapForPrepare(ctx, "t2", []string{"a"}); err != nil {
		t.Fatalf("key a should be free after Unwrap: %v", err)
	}
}

func TestValidateReadSetDetectsConflict(t *testing.T) {
	g := gen3()
	c := NewMemoryContainer(0)
	ctx := context.Background()

	v1 := g.GenerateNew().WithCoord(0, 1)
	if err := c.Commit(ctx, "t1", vclock.ConvertToWrite(v1, 0), map[string]any{"k": "v1"}, true); err != nil {
		t.Fatal(err)
	}

	if err := c.ValidateReadSet(map[string]vclock.Version{"k": v1}); err != nil {
		t.Fatalf("read-set should still match: %v", err)
	}

	v2 := g.GenerateNew().WithCoord(0, 2)
	if err := c.Commit(ctx, "t2", vclock.ConvertToWrite(v2, 0), map[string]any{"k": "v2"}, true); err != nil {
		t.Fatal(err)
	}

	if err := c.ValidateReadSet(map[string]vclock.Version{"k": v1}); err == nil {
		t.Fatal("expected ErrReadWriteConflict after a concurrent commit of k")
	}
}

func TestIsMostRecent(t *testing.T) {
	g := gen3()
	c := NewMemoryContainer(0)
	ctx := context.Background()

	v1 := g.GenerateNew().WithCoord(0, 1)
	wv1 := vclock.ConvertToWrite(v1, 0)
	if err := c.Commit(ctx, "t1", wv1, map[string]any{"k": "v1"}, true); err != nil {
		t.Fatal(err)
	}
	if !c.IsMostRecent("k", wv1) {
		t.Fatal("wv1 should be the most recent version of k")
	}

	v2 := g.GenerateNew().WithCoord(0, 2)
	wv2 := vclock.ConvertToWrite(v2, 0)
	if err := c.Commit(ctx, "t2", wv2, map[string]any{"k": "v2"}, true); err != nil {
		t.Fatal(err)
	}
	if c.IsMostRecent("k", wv1) {
		t.Fatal("wv1 should no longer be the most recent version of k")
	}
	if !c.IsMostRecent("k", wv2) {
		t.Fatal("wv2 should be the most recent version of k")
	}
}

func TestClearWipesAllChains(t *testing.T) {
	g := gen3()
	c := NewMemoryContainer(0)
	ctx := context.Background()

	v1 := g.GenerateNew().WithCoord(0, 1)
	if err := c.Commit(ctx, "t1", vclock.ConvertToWrite(v1, 0), map[string]any{"a": 1, "b": 2}, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := c.Read(rv(g, g.GenerateNew().WithCoord(0, 99)), "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Found {
		t.Fatal("expected no value for a after Clear")
	}
}
