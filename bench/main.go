package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-garden/v1/config"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
	"github.com/mirkobrombin/go-garden/v1/lock"
	"github.com/mirkobrombin/go-garden/v1/presets"
	"github.com/mirkobrombin/go-garden/v1/table"
)

var (
	concurrency = flag.Int("c", 8, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	flowers     = flag.Int("flowers", 10, "Flowers")
	target      = flag.String("target", "all", "Target: named, embedded, redis")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	dir         = flag.String("dir", os.TempDir(), "Directory for the segment and named locks")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"named", "embedded", "redis"}
	}

	fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", "Placement", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var cfg *config.Config
	switch name {
	case "named":
		cfg = presets.NewNamed(*flowers)
	case "embedded":
		cfg = presets.NewEmbedded(*flowers)
	case "redis":
		cfg = presets.NewRedis(*flowers, presets.RedisOptions{Addr: *redisAddr})
	default:
		log.Printf("Unknown target: %s", name)
		return
	}
	cfg.Dir = *dir
	cfg.Segment = "/garden_bench"
	cfg.LockPrefix = "/garden_bench_sem_"
	_ = lifecycle.RemoveStale(cfg, nil)

	ctx := context.Background()
	m := lifecycle.New(cfg)
	tbl, locks, err := m.Initialize(ctx)
	if err != nil {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", name, "FAIL", "-", "-")
		return
	}
	defer m.Teardown()

	var wg sync.WaitGroup
	var ops int64
	chunk := *requests / *concurrency
	latencies := make([][]time.Duration, *concurrency)

	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			lat := make([]time.Duration, 0, chunk)
			for j := 0; j < chunk; j++ {
				i := (w + j) % tbl.Len()
				t0 := time.Now()
				if err := roundTrip(ctx, tbl, locks, i); err != nil {
					continue
				}
				lat = append(lat, time.Since(t0))
				atomic.AddInt64(&ops, 1)
			}
			latencies[w] = lat
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	sort.Slice(all, func(a, b int) bool { return all[a] < all[b] })
	p99 := all[len(all)*99/100]

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	fmt.Printf("| %-10s | %-10.0f | %-12.0f | %-12s |\n", name, throughput, avgLat, p99)
}

// roundTrip withers flower i and waters it back under its lock, the way a
// decay worker and a gardener would.
func roundTrip(ctx context.Context, tbl *table.Table, locks lock.Locker, i int) error {
	if err := lock.With(ctx, locks, i, func() error {
		if tbl.State(i) == table.Healthy {
			tbl.SetState(i, table.Withering)
		}
		return nil
	}); err != nil {
		return err
	}
	return lock.With(ctx, locks, i, func() error {
		if tbl.State(i) == table.Withering {
			tbl.SetState(i, table.Healthy)
		}
		return nil
	})
}
