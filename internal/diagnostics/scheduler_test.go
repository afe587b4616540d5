package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gmucore/gmukv/internal/commitlog"
	"github.com/gmucore/gmukv/internal/vclock"
)

func TestDumpWritesCommitLogChain(t *testing.T) {
	gen := vclock.NewGenerator(vclock.NewClusterSnapshot([]vclock.NodeID{0}), 0)
	cl := commitlog.NewCommitLog(gen)

	v := gen.GenerateNew().WithCoord(0, 1)
	if err := cl.InsertNewCommittedVersions([]commitlog.CommittedTransaction{
		{TransactionID: "t1", CommitVersion: v, Modifications: []string{"k"}},
	}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.txt")

	s, err := NewScheduler(cl, path, "@every 50ms")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(b), "k") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("dump file never contained expected content")
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	gen := vclock.NewGenerator(vclock.NewClusterSnapshot([]vclock.NodeID{0}), 0)
	cl := commitlog.NewCommitLog(gen)
	if _, err := NewScheduler(cl, "/tmp/x", "not a schedule"); err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	gen := vclock.NewGenerator(vclock.NewClusterSnapshot([]vclock.NodeID{0}), 0)
	cl := commitlog.NewCommitLog(gen)
	dir := t.TempDir()
	s, err := NewScheduler(cl, filepath.Join(dir, "dump.txt"), "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
