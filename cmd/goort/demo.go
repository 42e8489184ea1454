package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/supervisor"
	"github.com/Swind/goo-runtime/workdist"
)

type demoFunc func(ctx context.Context, e *env) error

var demos = map[string]demoFunc{
	"pubsub":       demoPubSub,
	"pushpull":     demoPushPull,
	"reqrep":       demoReqRep,
	"broadcast":    demoBroadcast,
	"supervise":    demoSupervise,
	"parallel-for": demoParallelFor,
}

func demoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "demo <name>",
		Short:     "Run a runtime demo: " + strings.Join(demoNames(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: demoNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e, err := newEnv(cfg, cfg.Logger("goort"), nil, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), e, args[0])
		},
	}
}

// runDemo starts the pool, runs the named demo and shuts the pool down.
func runDemo(ctx context.Context, e *env, name string) error {
	demo, ok := demos[name]
	if !ok {
		return fmt.Errorf("unknown demo %q (want one of %s)", name, strings.Join(demoNames(), ", "))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.pool.Start(ctx)
	defer e.close()
	return demo(ctx, e)
}

func demoPubSub(ctx context.Context, e *env) error {
	capacity := e.cfg.Channel.Capacity
	pub, err := channel.New(channel.Pub, capacity, 0, e.channelOptions("pub")...)
	if err != nil {
		return err
	}
	defer pub.Close()

	subs := map[string]*channel.Channel{}
	for _, topic := range []string{"even", "odd"} {
		sub, err := channel.New(channel.Sub, capacity, 0, e.channelOptions("sub-"+topic)...)
		if err != nil {
			return err
		}
		defer sub.Close()
		if err := sub.Subscribe(topic); err != nil {
			return err
		}
		if err := pub.AddSubscriber(sub); err != nil {
			return err
		}
		subs[topic] = sub
	}

	for i := 0; i < 10; i++ {
		topic := "even"
		if i%2 == 1 {
			topic = "odd"
		}
		if err := pub.Publish(ctx, topic, []byte(fmt.Sprint(i))); err != nil {
			return err
		}
	}

	for _, topic := range []string{"even", "odd"} {
		var got []string
		for {
			data, err := subs[topic].TryRecv()
			if errors.Is(err, core.ErrWouldBlock) {
				break
			}
			if err != nil {
				return err
			}
			got = append(got, string(data))
		}
		e.printf("%s subscriber received %s\n", topic, strings.Join(got, " "))
	}
	return nil
}

func demoPushPull(ctx context.Context, e *env) error {
	const items = 100
	push, err := channel.New(channel.Push, e.cfg.Channel.Capacity, 0, e.channelOptions("push")...)
	if err != nil {
		return err
	}

	pullers := e.cfg.Pool.Workers
	counts := make([]atomic.Int64, pullers)
	handles := make([]*core.TaskHandle, 0, pullers)
	for i := 0; i < pullers; i++ {
		pull, err := channel.NewPull(push, e.channelOptions(fmt.Sprintf("pull-%d", i))...)
		if err != nil {
			return err
		}
		h, err := e.pool.Submit(func(ctx context.Context) error {
			for {
				if _, err := pull.Pull(ctx); err != nil {
					if errors.Is(err, core.ErrChannelClosed) {
						return nil
					}
					return err
				}
				counts[i].Add(1)
			}
		}, core.WithTaskName(fmt.Sprintf("puller-%d", i)))
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	for i := 0; i < items; i++ {
		if err := push.Push(ctx, []byte(fmt.Sprint(i))); err != nil {
			return err
		}
	}
	_ = push.Close()

	var errs []error
	for _, h := range handles {
		errs = append(errs, h.Wait(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	var total int64
	for i := range counts {
		n := counts[i].Load()
		total += n
		e.printf("puller %d received %d\n", i, n)
	}
	e.printf("pushed %d, pulled %d\n", items, total)
	return nil
}

func demoReqRep(ctx context.Context, e *env) error {
	opts := append(e.channelOptions("req"), channel.WithTimeout(time.Second))
	req, err := channel.New(channel.Req, 1, 0, opts...)
	if err != nil {
		return err
	}
	defer req.Close()
	rep, err := channel.New(channel.Rep, e.cfg.Channel.Capacity, 0, e.channelOptions("rep")...)
	if err != nil {
		return err
	}
	if err := channel.Pair(req, rep); err != nil {
		return err
	}

	server, err := e.pool.Submit(func(ctx context.Context) error {
		return rep.Serve(ctx, func(ctx context.Context, data []byte) []byte {
			return []byte("Reply to: " + string(data))
		})
	}, core.WithTaskName("rep-server"))
	if err != nil {
		return err
	}

	for n := 1; n <= 3; n++ {
		reply, err := req.Request(ctx, []byte(fmt.Sprintf("Request %d", n)))
		if err != nil {
			return err
		}
		e.printf("%s\n", reply)
	}
	_ = rep.Close()
	return server.Wait(ctx)
}

func demoBroadcast(ctx context.Context, e *env) error {
	bc, err := channel.New(channel.Broadcast, 1, 0, e.channelOptions("broadcast")...)
	if err != nil {
		return err
	}
	defer bc.Close()

	receivers := make([]*channel.Channel, 3)
	for i := range receivers {
		r, err := channel.New(channel.Normal, e.cfg.Channel.Capacity, 0, e.channelOptions(fmt.Sprintf("receiver-%d", i))...)
		if err != nil {
			return err
		}
		defer r.Close()
		if err := bc.AddReceiver(r); err != nil {
			return err
		}
		receivers[i] = r
	}

	if err := bc.Broadcast(ctx, []byte("hello")); err != nil {
		return err
	}
	for i, r := range receivers {
		data, err := r.Recv(ctx)
		if err != nil {
			return err
		}
		e.printf("receiver %d got %s\n", i, data)
	}
	return nil
}

// demoSupervise runs a store child that panics twice and a cache child that
// depends on it under Rest-For-One.
func demoSupervise(ctx context.Context, e *env) error {
	cfg := e.cfg.SupervisorConfig()
	cfg.Policy = supervisor.RestForOne
	opts := []supervisor.Option{supervisor.WithName("demo"), supervisor.WithLogger(e.logger)}
	if e.exporter != nil {
		opts = append(opts, supervisor.WithMetrics(e.exporter))
	}
	sup, err := supervisor.New(e.pool, cfg, opts...)
	if err != nil {
		return err
	}
	defer sup.Stop()

	var storeRuns atomic.Int32
	store, err := sup.Register("store", func(ctx context.Context, _ any) error {
		if storeRuns.Add(1) <= 2 {
			panic("store not ready")
		}
		return nil
	}, nil)
	if err != nil {
		return err
	}
	cache, err := sup.Register("cache", func(ctx context.Context, _ any) error { return nil }, nil)
	if err != nil {
		return err
	}
	if err := sup.DependsOn(cache, store); err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	for {
		st, err := sup.Child(store)
		if err != nil {
			return err
		}
		if st.State == supervisor.ChildCompleted || sup.IsEscalated() {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("supervise demo: %w", core.ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sup.Err(); err != nil {
		return err
	}
	for _, c := range sup.Stats().Children {
		e.printf("%s: state=%s restarts=%d\n", c.Name, c.State, c.Restarts)
	}
	return nil
}

func demoParallelFor(ctx context.Context, e *env) error {
	const n = 100_000
	cfg := e.cfg.Distribution(0, n, 1)
	if e.cfg.Schedule.Strategy == workdist.Auto {
		cfg.Schedule = workdist.AutoStrategy(0, n, 1, cfg.Workers)
	}
	sum, err := workdist.ParallelReduce(ctx, e.pool, cfg, uint64(0),
		func(ctx context.Context, i uint64) (uint64, error) { return i * i, nil },
		func(a, b uint64) uint64 { return a + b },
		workdist.WithLogger(e.logger))
	if err != nil {
		return err
	}
	e.printf("schedule=%s workers=%d sum of squares below %d = %d\n", cfg.Schedule, cfg.Workers, n, sum)
	return nil
}
