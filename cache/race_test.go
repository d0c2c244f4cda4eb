package cache

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/diskcache/backend"
	"golang.org/x/sync/errgroup"
)

// One hundred goroutines call the same key concurrently.
// The computation should run at most once (singleflight coalescing).
func TestRace_CoalescedMiss(t *testing.T) {
	var calls atomic.Int64
	s := openStore(t, Options{})
	f := Wrap(s, "slow", func(_ context.Context, c Call) (Outcome[string], error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond) // simulate work
		return Computed(fmt.Sprintf("v:%v", c.Args[0])), nil
	})

	const goroutines = 100
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			v, err := f.Call(context.Background(), Args("same-key"))
			if err != nil {
				t.Errorf("Call error: %v", err)
				return
			}
			if v != "v:same-key" {
				t.Errorf("unexpected value: %q", v)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("computation should run once, got %d", got)
	}
	if n, _, err := f.Size(context.Background()); err != nil || n != 1 {
		t.Fatalf("want exactly one row, got %d (err=%v)", n, err)
	}
}

// Coalesced callers of an array function each own their result: one caller
// closing its array while another reads must not fault the reader.
func TestRace_CoalescedArrayClose(t *testing.T) {
	for _, mmap := range []bool{true, false} {
		t.Run(fmt.Sprintf("mmap=%v", mmap), func(t *testing.T) {
			var calls atomic.Int64
			release := make(chan struct{})
			s := openStore(t, Options{})
			f := Wrap(s, "grid", func(_ context.Context, c Call) (Outcome[*backend.Array], error) {
				calls.Add(1)
				<-release
				vals := make([]float64, 64*1024)
				for i := range vals {
					vals[i] = float64(i)
				}
				a, err := backend.FromFloat64([]int{64, 1024}, vals)
				if err != nil {
					return Outcome[*backend.Array]{}, err
				}
				return Computed(a), nil
			}, WithMemoryMap(mmap))

			const callers = 2
			got := make([]*backend.Array, callers)
			var wg sync.WaitGroup
			wg.Add(callers)
			for i := 0; i < callers; i++ {
				i := i
				go func() {
					defer wg.Done()
					a, err := f.Call(context.Background(), Args("k"))
					if err != nil {
						t.Errorf("Call error: %v", err)
						return
					}
					got[i] = a
				}()
			}
			time.Sleep(50 * time.Millisecond) // let both callers join
			close(release)
			wg.Wait()
			if t.Failed() {
				return
			}
			if calls.Load() == 1 && got[0] == got[1] {
				t.Fatal("coalesced callers share one *Array")
			}

			var g errgroup.Group
			g.Go(func() error { return got[0].Close() })
			g.Go(func() error {
				for r := 0; r < 50; r++ {
					vals, err := got[1].Float64s()
					if err != nil {
						return err
					}
					if vals[len(vals)-1] != float64(len(vals)-1) {
						return fmt.Errorf("read %v at the end", vals[len(vals)-1])
					}
				}
				return nil
			})
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if err := got[1].Close(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// Several stores on one directory stand in for separate processes. Each
// worker writes its own keys; the registry must end up with every row.
func TestRace_StoresShareDirectory(t *testing.T) {
	dir := t.TempDir()
	workers := min(4*runtime.GOMAXPROCS(0), 16)
	const perWorker = 5

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			s, err := Open(context.Background(), Options{
				Dir:          dir,
				Logger:       quiet,
				SkipSweep:    true,
				LockMaxWait:  time.Minute,
				LockInterval: time.Millisecond,
			})
			if err != nil {
				return err
			}
			f := Wrap(s, "mix", func(_ context.Context, c Call) (Outcome[int], error) {
				return Computed(c.Args[0].(int) * 2), nil
			}, WithCoalesce(false))
			for i := 0; i < perWorker; i++ {
				x := w*perWorker + i
				v, err := f.Call(context.Background(), Args(x))
				if err != nil {
					return err
				}
				if v != 2*x {
					return fmt.Errorf("worker %d: got %d for %d", w, v, x)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	s := openStore(t, Options{Dir: dir})
	doc, err := s.Registry().Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := doc.Len(), workers*perWorker; got != want {
		t.Fatalf("lost rows: have %d, want %d", got, want)
	}
	if doc.Total != workers*perWorker {
		t.Fatalf("total: have %d, want %d", doc.Total, workers*perWorker)
	}
}

// A mixed workload of concurrent calls, clears and sweeps on a small keyspace.
// Should pass under `-race` without detector reports.
func TestRace_Mixed(t *testing.T) {
	s := openStore(t, Options{LockMaxWait: time.Minute, LockInterval: time.Millisecond})
	f := Wrap(s, "mixed", func(_ context.Context, c Call) (Outcome[[]int], error) {
		n := c.Args[0].(int)
		return Computed([]int{n, n + 1}), nil
	})

	deadline := time.Now().Add(time.Second)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(int64(w) * 9973))
			for time.Now().Before(deadline) {
				switch op := r.Intn(100); {
				case op < 3:
					if err := f.Clear(context.Background()); err != nil {
						return err
					}
				case op < 6:
					if _, err := s.Sweep(context.Background()); err != nil {
						return err
					}
				default:
					n := r.Intn(16)
					v, err := f.Call(context.Background(), Args(n))
					if err != nil {
						return err
					}
					if len(v) != 2 || v[0] != n {
						return fmt.Errorf("bad value %v for %d", v, n)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
