package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/diskcache/cache"
	pmet "github.com/IvanBrykalov/diskcache/metrics/prom"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchFlags struct {
	workers  int
	duration time.Duration
	keys     int
	zipfS    float64
	zipfV    float64
	seed     int64
	payload  int
	clearPct int
	inPlace  bool

	pprofAddr   string
	metricsAddr string
}

func newBenchCmd(a *app) *cobra.Command {
	var f benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic memoization workload and report the hit rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.bench(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	fl.DurationVar(&f.duration, "duration", 10*time.Second, "benchmark duration")
	fl.IntVar(&f.keys, "keys", 1_000, "keyspace size")
	fl.Float64Var(&f.zipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	fl.Float64Var(&f.zipfV, "zipf-v", 1.0, "Zipf v")
	fl.Int64Var(&f.seed, "seed", time.Now().UnixNano(), "random seed")
	fl.IntVar(&f.payload, "payload", 1<<10, "result size in bytes")
	fl.IntVar(&f.clearPct, "clear", 0, "percentage of operations that clear the function [0..100]")
	fl.BoolVar(&f.inPlace, "in-place", false, "run against the configured directory instead of a temporary one")
	fl.StringVar(&f.pprofAddr, "pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	fl.StringVar(&f.metricsAddr, "http", "", "serve Prometheus metrics at addr (e.g. :8080); empty = disabled")
	return cmd
}

func (a *app) bench(cmd *cobra.Command, f benchFlags) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if !f.inPlace {
		dir, err := os.MkdirTemp("", "diskcache-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cfg.Dir = dir
	}

	if f.pprofAddr != "" {
		go func() {
			a.log.Info("Serving pprof.", "addr", f.pprofAddr)
			a.log.Warn("pprof server stopped.", "error", http.ListenAndServe(f.pprofAddr, nil))
		}()
	}

	reg := prometheus.NewRegistry()
	metrics := pmet.New(reg, "diskcache", "bench", nil)
	if f.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			a.log.Info("Serving metrics.", "addr", f.metricsAddr)
			a.log.Warn("Metrics server stopped.", "error", http.ListenAndServe(f.metricsAddr, mux))
		}()
	}

	opt := cache.OptionsFromConfig(cfg)
	opt.Logger = a.log
	opt.Metrics = metrics
	s, err := cache.Open(cmd.Context(), opt)
	if err != nil {
		return err
	}
	defer s.Close()

	blob := make([]byte, f.payload)
	memo := cache.Wrap(s, "bench", func(_ context.Context, c cache.Call) (cache.Outcome[[]byte], error) {
		out := make([]byte, len(blob))
		copy(out, c.Args[0].(string))
		return cache.Computed(out), nil
	})

	workers := max(f.workers, 1)
	keysMax := uint64(max(f.keys-1, 1))

	var total, clears atomic.Uint64
	ctx, cancel := context.WithTimeout(cmd.Context(), f.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			// rand.Rand is not goroutine-safe; each worker owns one.
			r := rand.New(rand.NewSource(f.seed + int64(w)*9973))
			zipf := rand.NewZipf(r, f.zipfS, f.zipfV, keysMax)
			for gctx.Err() == nil {
				total.Add(1)
				if f.clearPct > 0 && int(r.Int31n(100)) < f.clearPct {
					clears.Add(1)
					if err := memo.Clear(gctx); err != nil && gctx.Err() == nil {
						return err
					}
					continue
				}
				k := "k:" + strconv.FormatUint(zipf.Uint64(), 10)
				if _, err := memo.Call(gctx, cache.Args(k)); err != nil && gctx.Err() == nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	st := memo.Info()
	calls := st.Hits + st.Misses
	hitRate := 0.0
	if calls > 0 {
		hitRate = float64(st.Hits) / float64(calls) * 100
	}
	rows, _, err := memo.Size(context.Background())
	if err != nil {
		return err
	}
	files, size, err := artifactUsage(s.Dir())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dir=%s workers=%d keys=%d payload=%s dur=%v seed=%d\n",
		s.Dir(), workers, f.keys, humanize.IBytes(uint64(f.payload)), elapsed.Round(time.Millisecond), f.seed)
	fmt.Fprintf(out, "ops=%d (%.0f ops/s)  calls=%d  clears=%d\n",
		total.Load(), float64(total.Load())/elapsed.Seconds(), calls, clears.Load())
	fmt.Fprintf(out, "hits=%d  misses=%d  hit-rate=%.2f%%\n", st.Hits, st.Misses, hitRate)
	fmt.Fprintf(out, "rows=%d  artifacts=%d (%s)\n", rows, files, humanize.Bytes(size))
	return nil
}
