package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/supervisor"
	"github.com/Swind/goo-runtime/workdist"
)

type poolStub struct{ stats core.PoolStats }

func (s poolStub) Stats() core.PoolStats { return s.stats }

type channelStub struct{ stats channel.Stats }

func (s channelStub) Stats() channel.Stats { return s.stats }

type supervisorStub struct{ stats supervisor.Stats }

func (s supervisorStub) Stats() supervisor.Stats { return s.stats }

type distributionStub struct{ stats workdist.Stats }

func (s distributionStub) Stats() workdist.Stats { return s.stats }

func TestSnapshotPoller_CollectsStats(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddPool("pool-a", poolStub{stats: core.PoolStats{
		Queued:  4,
		Active:  2,
		Workers: 8,
		Running: true,
	}})
	poller.AddChannel("jobs", channelStub{stats: channel.Stats{
		Pattern:       channel.Push,
		Len:           3,
		MaxQueueDepth: 9,
		Closed:        true,
	}})
	poller.AddSupervisor("sup", supervisorStub{stats: supervisor.Stats{
		Policy:       supervisor.RestForOne,
		RestartCount: 2,
		Escalated:    true,
		Children:     []supervisor.ChildStatus{{Name: "A", Restarts: 5, Failed: true}},
	}})
	poller.AddDistribution("loop", distributionStub{stats: workdist.Stats{
		Schedule:       workdist.Auto,
		TotalItems:     100,
		Dispatched:     60,
		Chunks:         7,
		StealAttempts:  4,
		StealSuccesses: 3,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		active := testutil.ToFloat64(poller.poolActive.WithLabelValues("pool-a"))
		length := testutil.ToFloat64(poller.channelLen.WithLabelValues("jobs", "push"))
		return active == 2 && length == 3
	})

	if got := testutil.ToFloat64(poller.poolRunning.WithLabelValues("pool-a")); got != 1 {
		t.Fatalf("pool running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.channelClosed.WithLabelValues("jobs", "push")); got != 1 {
		t.Fatalf("channel closed gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.supervisorEscalated.WithLabelValues("sup", "rest_for_one")); got != 1 {
		t.Fatalf("supervisor escalated gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.childRestarts.WithLabelValues("sup", "A")); got != 5 {
		t.Fatalf("child restarts gauge = %v, want 5", got)
	}
	if got := testutil.ToFloat64(poller.distRemaining.WithLabelValues("loop", "auto")); got != 40 {
		t.Fatalf("distribution remaining = %v, want 40", got)
	}
	if got := testutil.ToFloat64(poller.distSteals.WithLabelValues("loop", "auto", "succeeded")); got != 3 {
		t.Fatalf("successful steals = %v, want 3", got)
	}
}

func TestSnapshotPoller_LiveSupervisor(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, time.Hour)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}
	sup, err := supervisor.New(noopPool{}, supervisor.DefaultConfig(),
		supervisor.WithName("live"), supervisor.WithLogger(core.NewNoOpLogger()))
	if err != nil {
		t.Fatalf("supervisor.New failed: %v", err)
	}
	_, _ = sup.Register("child", func(ctx context.Context, _ any) error { return nil }, nil)
	poller.AddSupervisor("live", sup)

	poller.CollectOnce()

	if got := testutil.ToFloat64(poller.childFailed.WithLabelValues("live", "child")); got != 0 {
		t.Fatalf("child failed gauge = %v, want 0", got)
	}
}

type noopPool struct{}

func (noopPool) Submit(task core.Task, opts ...core.SubmitOption) (*core.TaskHandle, error) {
	return core.NewTaskItem(task, opts...).Handle, nil
}

func (noopPool) WorkerCount() int { return 1 }

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller(reg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
