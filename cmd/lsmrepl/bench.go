package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lsmrepl/pkg/rpc"
)

type benchOptions struct {
	primaryURL  string
	replicaURL  string
	authKey     string
	ops         int
	concurrency int
	rate        float64
	lagTimeout  time.Duration
}

type benchResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	P99Latency    time.Duration
}

func newBenchCmd(a *app) *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Write keys to a running primary and measure replication lag",
		Long: "bench writes keys through the primary /kv routes. With --replica it " +
			"also polls the replica until every key is visible and reports the lag.",
		Example: "lsmrepl bench --primary http://localhost:8080 --replica http://localhost:8081 --ops 1000",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.authKey == "" {
				opts.authKey = a.cfg.Master.AuthKey
			}
			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.primaryURL, "primary", "http://localhost:8080", "primary control URL")
	f.StringVar(&opts.replicaURL, "replica", "", "replica http URL, empty skips the lag test")
	f.StringVar(&opts.authKey, "auth-key", "", "shared secret, defaults to master.auth_key")
	f.IntVar(&opts.ops, "ops", 1000, "number of writes")
	f.IntVar(&opts.concurrency, "concurrency", 10, "concurrent writers")
	f.Float64Var(&opts.rate, "rate", 0, "writes per second, 0 is unlimited")
	f.DurationVar(&opts.lagTimeout, "lag-timeout", 30*time.Second, "how long to wait for the replica")
	return cmd
}

// runConcurrently calls op for i in [0, total) with at most concurrency
// calls in flight and collects latencies.
func runConcurrently(ctx context.Context, total, concurrency int, limiter *rate.Limiter, op func(ctx context.Context, i int) error) benchResult {
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, total)
		failed    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))

	start := time.Now()
	for i := range total {
		if limiter != nil {
			if err := limiter.Wait(gctx); err != nil {
				break
			}
		}
		g.Go(func() error {
			opStart := time.Now()
			err := op(gctx, i)
			latency := time.Since(opStart)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return nil
			}
			latencies = append(latencies, latency)
			return nil
		})
	}
	_ = g.Wait()

	return summarize(total, failed, time.Since(start), latencies)
}

func summarize(total, failed int, duration time.Duration, latencies []time.Duration) benchResult {
	res := benchResult{
		TotalOps:      total,
		SuccessfulOps: len(latencies),
		FailedOps:     failed,
		Duration:      duration,
	}
	if len(latencies) == 0 {
		return res
	}

	slices.Sort(latencies)
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[len(latencies)-1]
	res.AvgLatency = sum / time.Duration(len(latencies))
	res.P99Latency = latencies[(len(latencies)*99)/100]
	if duration > 0 {
		res.OpsPerSec = float64(len(latencies)) / duration.Seconds()
	}
	return res
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	primary := rpc.NewKVClient(opts.primaryURL, opts.authKey)

	var limiter *rate.Limiter
	if opts.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rate), 1)
	}

	runID := time.Now().UnixNano()
	key := func(i int) string { return fmt.Sprintf("bench_%d_%d", runID, i) }

	fmt.Fprintf(out, "Writes to %s (%d operations, %d writers)\n", opts.primaryURL, opts.ops, opts.concurrency)
	writes := runConcurrently(ctx, opts.ops, opts.concurrency, limiter, func(ctx context.Context, i int) error {
		return primary.Put(ctx, key(i), fmt.Sprintf("value_%d", i))
	})
	printResult(out, writes)
	if writes.SuccessfulOps == 0 {
		return fmt.Errorf("no write succeeded against %s", opts.primaryURL)
	}

	if opts.replicaURL == "" {
		return nil
	}

	replica := rpc.NewKVClient(opts.replicaURL, opts.authKey)
	lagCtx, cancel := context.WithTimeout(ctx, opts.lagTimeout)
	defer cancel()

	fmt.Fprintf(out, "\nReplica reads from %s\n", opts.replicaURL)
	reads := runConcurrently(lagCtx, opts.ops, opts.concurrency, nil, func(ctx context.Context, i int) error {
		for {
			_, found, err := replica.Get(ctx, key(i))
			if err == nil && found {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	})
	printResult(out, reads)
	if reads.FailedOps > 0 {
		return fmt.Errorf("%d keys did not reach the replica within %s", reads.FailedOps, opts.lagTimeout)
	}
	return nil
}

func printResult(out io.Writer, result benchResult) {
	fmt.Fprintf(out, "  Total Operations: %d\n", result.TotalOps)
	fmt.Fprintf(out, "  Successful: %d\n", result.SuccessfulOps)
	fmt.Fprintf(out, "  Failed: %d\n", result.FailedOps)
	fmt.Fprintf(out, "  Duration: %v\n", result.Duration)
	fmt.Fprintf(out, "  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Fprintf(out, "  Avg Latency: %v\n", result.AvgLatency)
	fmt.Fprintf(out, "  Min Latency: %v\n", result.MinLatency)
	fmt.Fprintf(out, "  Max Latency: %v\n", result.MaxLatency)
	fmt.Fprintf(out, "  P99 Latency: %v\n", result.P99Latency)
}
