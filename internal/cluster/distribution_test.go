package cluster

import (
	"testing"

	"github.com/gmucore/gmukv/internal/vclock"
)

func TestWriteOwnersDeterministic(t *testing.T) {
	addrs := map[vclock.NodeID]string{0: "n0:9090", 1: "n1:9090", 2: "n2:9090"}
	d := NewConsistentHashDistribution(0, addrs, 4)

	a := d.WriteOwners([]string{"alpha", "beta", "gamma"})
	b := d.WriteOwners([]string{"alpha", "beta", "gamma"})
	if len(a) != len(b) {
		t.Fatalf("non-deterministic owner count: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic owner assignment: %v vs %v", a, b)
		}
	}
}

func TestLocalNodeIsOwnerConsistentWithWriteOwners(t *testing.T) {
	addrs := map[vclock.NodeID]string{0: "n0", 1: "n1", 2: "n2"}
	d := NewConsistentHashDistribution(1, addrs, 8)

	owners := d.WriteOwners([]string{"k1", "k2", "k3", "k4", "k5"})
	foundSelfOwned := false
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		if d.LocalNodeIsOwner(k) {
			foundSelfOwned = true
		}
	}
	hasSelf := false
	for _, o := range owners {
		if o == 1 {
			hasSelf = true
		}
	}
	if foundSelfOwned != hasSelf {
		t.Fatalf("LocalNodeIsOwner disagreed with WriteOwners membership")
	}
}

func TestMonotonicClockIncreases(t *testing.T) {
	c := NewMonotonicClock()
	a := c.Next()
	b := c.Next()
	if b <= a {
		t.Fatalf("clock did not advance: %d then %d", a, b)
	}
}
