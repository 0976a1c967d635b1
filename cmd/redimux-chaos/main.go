// Command redimux-chaos runs the mutual-exclusion chaos scenario from
// spec §8 property 1 / scenario S7: many goroutines each
// synchronize { set K mine; sleep; get K == mine; del K } against a shared
// key, and the run reports whether every attempt saw itself as the sole
// holder. Grounded on the teacher's flag-driven cmd/bench harnesses
// (cmd/bench, cmd/smoke-cluster): a small main() wiring real flags to a
// real backend rather than a test double.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soren-lund/redimux/v1"
	"github.com/soren-lund/redimux/v1/config"
	"github.com/soren-lund/redimux/v1/ownerid"
)

func main() {
	addr := flag.String("addr", "localhost:6379", "Redis address")
	workers := flag.Int("workers", 10, "concurrent chaos workers")
	rounds := flag.Int("rounds", 20, "synchronize rounds per worker")
	holdFor := flag.Duration("hold", 5*time.Millisecond, "time spent holding the lock per round")
	key := flag.String("key", "redimux-chaos", "resource name contended for")
	handlerMode := flag.String("handler", "auto", "auto, pure, or script")
	flag.Parse()

	mode := config.Auto
	switch *handlerMode {
	case "pure":
		mode = config.Pure
	case "script":
		mode = config.Script
	case "auto":
	default:
		log.Fatalf("unknown -handler %q", *handlerMode)
	}

	ctx := context.Background()
	rc, err := config.Setup(ctx, config.Options{
		Addr:    *addr,
		Expire:  time.Minute,
		Handler: mode,
	})
	if err != nil {
		log.Fatalf("redimux setup: %v", err)
	}
	defer rc.StopWatcher(true)

	var violations atomic.Int64
	var completed atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			m, err := redimux.New(rc, []string{*key})
			if err != nil {
				log.Printf("worker %d: New: %v", worker, err)
				return
			}
			workerCtx := ownerid.WithTask(ctx, fmt.Sprintf("chaos-worker-%d", worker))
			for r := 0; r < *rounds; r++ {
				block := 5 * time.Second
				err := m.Synchronize(workerCtx, &block, func(ctx context.Context) error {
					token := fmt.Sprintf("%d:%d", worker, r)
					if err := rc.Client().Set(ctx, "redimux-chaos:K", token, 0).Err(); err != nil {
						return err
					}
					time.Sleep(*holdFor)
					got, err := rc.Client().Get(ctx, "redimux-chaos:K").Result()
					if err != nil {
						return err
					}
					if got != token {
						violations.Add(1)
						return fmt.Errorf("mutual exclusion violated: wrote %q, read %q", token, got)
					}
					return rc.Client().Del(ctx, "redimux-chaos:K").Err()
				})
				if err != nil {
					log.Printf("worker %d round %d: %v", worker, r, err)
					continue
				}
				completed.Add(1)
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	want := int64(*workers) * int64(*rounds)
	fmt.Printf("handler=%s workers=%d rounds=%d completed=%d/%d violations=%d elapsed=%s\n",
		rc.HandlerMode(), *workers, *rounds, completed.Load(), want, violations.Load(), elapsed)

	if violations.Load() > 0 {
		os.Exit(1)
	}
}
