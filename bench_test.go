package dataplane_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/baxromumarov/dataplane"
	"github.com/baxromumarov/dataplane/gstate"
)

func workerCountName(n int) string { return fmt.Sprintf("workers=%d", n) }

// BenchmarkStageRestart measures one full start, graceful shutdown, wait
// and reset round trip.
func BenchmarkStageRestart(b *testing.B) {
	for _, n := range []int{1, 4, 16} {
		b.Run(workerCountName(n), func(b *testing.B) {
			coord := gstate.New()
			_ = coord.Set(gstate.Started)
			s, err := dataplane.NewStage("bench", n, 8, 16,
				dataplane.Callbacks{Main: func(_ context.Context, _ *dataplane.Stage, _ int, _ []byte, k int) (int, error) {
					return k, nil
				}},
				dataplane.WithCoordinator(coord),
				dataplane.WithRegistry(dataplane.NewRegistry()),
			)
			if err != nil {
				b.Fatal(err)
			}
			defer s.Destroy()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Start(); err != nil {
					b.Fatal(err)
				}
				_ = s.Shutdown(gstate.Gracefully)
				if err := s.Wait(time.Second); err != nil {
					b.Fatal(err)
				}
				_ = s.Reset()
			}
		})
	}
}

// BenchmarkStageCycles reports how many fetch-main-throw cycles a stage
// completes per benchmark iteration budget.
func BenchmarkStageCycles(b *testing.B) {
	for _, n := range []int{1, 4} {
		b.Run(workerCountName(n), func(b *testing.B) {
			coord := gstate.New()
			_ = coord.Set(gstate.Started)

			done := make(chan struct{})
			var once sync.Once
			remaining := make(chan struct{}, b.N)
			for i := 0; i < b.N; i++ {
				remaining <- struct{}{}
			}
			batch := func(_ context.Context, _ *dataplane.Stage, _ int, _ []byte, k int) (int, error) {
				return k, nil
			}
			s, err := dataplane.NewStage("bench-cycles", n, 8, 16, dataplane.Callbacks{
				Fetch: func(_ context.Context, _ *dataplane.Stage, _ int, _ []byte, k int) (int, error) {
					select {
					case <-remaining:
						if len(remaining) == 0 {
							once.Do(func() { close(done) })
						}
						return k, nil
					default:
						return 0, nil
					}
				},
				Main:  batch,
				Throw: batch,
			}, dataplane.WithCoordinator(coord), dataplane.WithRegistry(dataplane.NewRegistry()))
			if err != nil {
				b.Fatal(err)
			}
			defer s.Destroy()

			b.ResetTimer()
			_ = s.Start()
			<-done
			b.StopTimer()
			_ = s.Shutdown(gstate.Gracefully)
			_ = s.Wait(time.Second)
		})
	}
}
