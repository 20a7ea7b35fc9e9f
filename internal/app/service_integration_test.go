package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	repository "github.com/okian/feedbackloop/internal/adapters/repository"
	service "github.com/okian/feedbackloop/internal/app"
	"github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/internal/domain/trigger"
	. "github.com/smartystreets/goconvey/convey"
)

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// consumedAccounting checks that every used_for_learning record belongs to
// exactly one reported cycle and that reports never share an id.
func consumedAccounting(ctx context.Context, svc *service.Service, ids []string) {
	stats, err := svc.GetStats(ctx)
	So(err, ShouldBeNil)

	reported := make(map[string]string)
	for _, rep := range stats.ImprovementHistory {
		So(rep.SampleCount, ShouldEqual, len(rep.AnalysisIDs))
		for _, id := range rep.AnalysisIDs {
			_, dup := reported[id]
			So(dup, ShouldBeFalse)
			reported[id] = rep.CycleID
		}
	}

	used := 0
	for _, id := range ids {
		rec, gerr := svc.GetPrediction(ctx, id)
		So(gerr, ShouldBeNil)
		if rec.Status == model.StatusUsedForLearning {
			used++
			So(reported[id], ShouldEqual, rec.LearningCycleID)
		}
	}
	So(used, ShouldEqual, len(reported))
	So(stats.TotalWithOutcomes-stats.PendingOutcomes, ShouldEqual, used)
}

func TestServiceConcurrency(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := startService(t, manualPolicy())
		ctx := context.Background()

		Convey("When the same prediction is submitted concurrently", func() {
			const n = 16
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				ok, dupes int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.RecordPrediction(ctx, prediction("race", 1))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, service.ErrDuplicateKey):
						dupes++
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one insert wins", func() {
				So(ok, ShouldEqual, 1)
				So(dupes, ShouldEqual, n-1)
			})
		})

		Convey("When the same outcome is submitted concurrently", func() {
			_, err := svc.RecordPrediction(ctx, prediction("race-o", 1))
			So(err, ShouldBeNil)

			const n = 16
			var (
				wg           sync.WaitGroup
				mu           sync.Mutex
				ok, rejected int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := svc.RecordOutcome(ctx, "race-o", outcome(i))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case errors.Is(err, service.ErrInvalidTransition):
						rejected++
					}
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one transition wins", func() {
				So(ok, ShouldEqual, 1)
				So(rejected, ShouldEqual, n-1)
				So(statusOf(ctx, svc, "race-o"), ShouldEqual, model.StatusOutcomeRecorded)
			})
		})

		Convey("When many cycles are requested over one pending set", func() {
			ids := seed(ctx, svc, "cc", 20)

			const n = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				reports []*model.CycleReport
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rep, err := svc.RunCycle(ctx)
					if err != nil {
						return
					}
					mu.Lock()
					reports = append(reports, rep)
					mu.Unlock()
				}()
			}
			wg.Wait()

			Convey("Then every record is consumed exactly once by a single cycle", func() {
				So(reports, ShouldNotBeEmpty)
				for _, rep := range reports {
					So(rep.CycleID, ShouldEqual, reports[0].CycleID)
				}
				stats, err := svc.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldEqual, 1)
				So(stats.ImprovementHistory[0].SampleCount, ShouldEqual, 20)
				consumedAccounting(ctx, svc, ids)
			})
		})
	})

	Convey("Given two services sharing one store", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		a := startService(t, manualPolicy(), service.WithStore(store))
		b := startService(t, manualPolicy(), service.WithStore(store))
		ids := seed(ctx, a, "shared", 15)

		var (
			wg   sync.WaitGroup
			errs = make([]error, 2)
		)
		for i, svc := range []*service.Service{a, b} {
			wg.Add(1)
			go func(i int, svc *service.Service) {
				defer wg.Done()
				_, errs[i] = svc.RunCycle(ctx)
			}(i, svc)
		}
		wg.Wait()

		Convey("Then one cycle commits and the other changes nothing", func() {
			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				So(errors.Is(err, service.ErrCycleSuperseded) || errors.Is(err, service.ErrInsufficientData), ShouldBeTrue)
			}
			So(wins, ShouldEqual, 1)

			stats, err := b.GetStats(ctx)
			So(err, ShouldBeNil)
			So(stats.CyclesCompleted, ShouldEqual, 1)
			consumedAccounting(ctx, b, ids)
		})
	})
}

func TestServiceAsync(t *testing.T) {
	Convey("Given a service running cycles on a worker pool", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore(ctx)
		svc := startService(t,
			service.WithStore(store),
			service.WithCycleMode(service.CycleModeAsync),
			service.WithWorkerCount(2),
			service.WithQueueSize(4),
		)

		Convey("When outcomes cross the trigger threshold", func() {
			var last model.OutcomeResult
			ids := make([]string, 10)
			for i := range ids {
				ids[i] = fmt.Sprintf("async-%02d", i)
				_, err := svc.RecordPrediction(ctx, prediction(ids[i], i))
				So(err, ShouldBeNil)
				last, err = svc.RecordOutcome(ctx, ids[i], outcome(i))
				So(err, ShouldBeNil)
			}

			Convey("Then the cycle is queued and completes in the background", func() {
				So(last.CycleTriggered, ShouldBeTrue)
				So(last.CycleQueued, ShouldBeTrue)
				So(last.CycleReport, ShouldBeNil)

				done := waitUntil(5*time.Second, func() bool {
					stats, err := svc.GetStats(ctx)
					return err == nil && stats.CyclesCompleted == 1
				})
				So(done, ShouldBeTrue)
				consumedAccounting(ctx, svc, ids)

				info := svc.Info()
				So(info["cycle_mode"], ShouldEqual, service.CycleModeAsync)
				So(info["workers"], ShouldEqual, 2)
			})
		})

		Convey("When outcomes arrive concurrently well past the threshold", func() {
			const n = 45
			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("burst-%02d", i)
				_, err := svc.RecordPrediction(ctx, prediction(ids[i], i))
				So(err, ShouldBeNil)
			}

			var wg sync.WaitGroup
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _ = svc.RecordOutcome(ctx, ids[i], outcome(i))
				}(i)
			}
			wg.Wait()

			Convey("Then draining the queue never double-consumes a record", func() {
				stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				So(svc.Stop(stopCtx), ShouldBeNil)

				observer := startService(t, manualPolicy(), service.WithStore(store))
				stats, err := observer.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldBeGreaterThanOrEqualTo, 1)
				So(stats.PendingOutcomes, ShouldBeLessThan, n)
				consumedAccounting(ctx, observer, ids)
			})
		})
	})
}

func TestServiceSQLite(t *testing.T) {
	Convey("Given two services over one SQLite file", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "loop.db")

		openStore := func() repository.Store {
			store, err := repository.NewSQLite(ctx, path)
			So(err, ShouldBeNil)
			return store
		}
		policy := service.WithTriggerPolicy(trigger.New(trigger.WithMinSamples(10), trigger.WithMinTotal(5)))
		a := startService(t, policy, service.WithStore(openStore()))
		b := startService(t, manualPolicy(), service.WithStore(openStore()))

		Convey("When predictions and outcomes flow through the first", func() {
			var last model.OutcomeResult
			ids := make([]string, 10)
			for i := range ids {
				ids[i] = fmt.Sprintf("sql-%02d", i)
				_, err := a.RecordPrediction(ctx, prediction(ids[i], i))
				So(err, ShouldBeNil)
				last, err = a.RecordOutcome(ctx, ids[i], outcome(i))
				So(err, ShouldBeNil)
			}

			Convey("Then the inline cycle is visible from the second", func() {
				So(last.CycleTriggered, ShouldBeTrue)
				So(last.CycleReport, ShouldNotBeNil)

				stats, err := b.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.TotalPredictions, ShouldEqual, 10)
				So(stats.TotalWithOutcomes, ShouldEqual, 10)
				So(stats.CyclesCompleted, ShouldEqual, 1)
				So(stats.ImprovementHistory[0].CycleID, ShouldEqual, last.CycleReport.CycleID)

				_, err = b.RecordPrediction(ctx, prediction(ids[0], 0))
				So(err, ShouldWrap, service.ErrDuplicateKey)
				consumedAccounting(ctx, b, ids)
			})
		})

		Convey("When both race to run a cycle over the same records", func() {
			ids := seed(ctx, b, "sqlrace", 12)

			var (
				wg   sync.WaitGroup
				errs = make([]error, 2)
			)
			for i, svc := range []*service.Service{a, b} {
				wg.Add(1)
				go func(i int, svc *service.Service) {
					defer wg.Done()
					_, errs[i] = svc.RunCycle(ctx)
				}(i, svc)
			}
			wg.Wait()

			Convey("Then exactly one commits", func() {
				wins := 0
				for _, err := range errs {
					if err == nil {
						wins++
					}
				}
				So(wins, ShouldEqual, 1)
				consumedAccounting(ctx, a, ids)
			})
		})
	})
}

// slowStore holds every cycle fetch for delay after reading, standing in for
// a long model fit.
type slowStore struct {
	repository.Store
	delay time.Duration
}

func (s *slowStore) ListUnconsumedWithOutcomes(ctx context.Context, limit int) ([]model.PredictionRecord, error) {
	recs, err := s.Store.ListUnconsumedWithOutcomes(ctx, limit)
	time.Sleep(s.delay)
	return recs, err
}

func newSlowStore(ctx context.Context) *slowStore {
	return &slowStore{Store: repository.NewMemoryStore(ctx), delay: 150 * time.Millisecond}
}

func TestServiceSharedCycle(t *testing.T) {
	Convey("Given a service whose cycles take a while", t, func() {
		ctx := context.Background()
		svc := startService(t, manualPolicy(), service.WithStore(newSlowStore(ctx)))
		ids := seed(ctx, svc, "detach", 12)

		Convey("When the caller that started a cycle goes away while another waits on it", func() {
			callerCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			var (
				wg         sync.WaitGroup
				errA, errB error
				reportB    *model.CycleReport
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, errA = svc.RunCycle(callerCtx)
			}()
			time.Sleep(30 * time.Millisecond)
			go func() {
				defer wg.Done()
				reportB, errB = svc.RunCycle(ctx)
			}()
			time.Sleep(30 * time.Millisecond)
			cancel()
			wg.Wait()

			Convey("Then the shared cycle still commits for both", func() {
				So(errA, ShouldBeNil)
				So(errB, ShouldBeNil)
				So(reportB, ShouldNotBeNil)
				So(reportB.SampleCount, ShouldEqual, 12)

				stats, err := svc.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldEqual, 1)
				So(stats.PendingOutcomes, ShouldEqual, 0)
				consumedAccounting(ctx, svc, ids)
			})
		})
	})
}

// outcomesDuringCycle records outcomes 0..8, then the triggering tenth and,
// while its cycle is still running, outcomes 10..n-1.
func outcomesDuringCycle(ctx context.Context, svc *service.Service, prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%02d", prefix, i)
		_, err := svc.RecordPrediction(ctx, prediction(ids[i], i))
		So(err, ShouldBeNil)
	}
	for i := 0; i < 9; i++ {
		_, err := svc.RecordOutcome(ctx, ids[i], outcome(i))
		So(err, ShouldBeNil)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	record := func(i int) {
		defer wg.Done()
		_, errs[i] = svc.RecordOutcome(ctx, ids[i], outcome(i))
	}
	wg.Add(1)
	go record(9)
	time.Sleep(30 * time.Millisecond)
	for i := 10; i < n; i++ {
		wg.Add(1)
		go record(i)
	}
	wg.Wait()
	for _, err := range errs {
		So(err, ShouldBeNil)
	}
	return ids
}

func TestServiceTriggerRecheck(t *testing.T) {
	Convey("Given an inline service whose cycles take a while", t, func() {
		ctx := context.Background()
		svc := startService(t, service.WithStore(newSlowStore(ctx)))

		Convey("When a full batch of outcomes arrives while a triggered cycle runs", func() {
			ids := outcomesDuringCycle(ctx, svc, "recheck", 20)

			Convey("Then a follow-up cycle consumes it before the calls return", func() {
				stats, err := svc.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldEqual, 2)
				So(stats.PendingOutcomes, ShouldEqual, 0)
				consumedAccounting(ctx, svc, ids)
			})
		})
	})

	Convey("Given an async service whose cycles take a while", t, func() {
		ctx := context.Background()
		svc := startService(t,
			service.WithStore(newSlowStore(ctx)),
			service.WithCycleMode(service.CycleModeAsync),
			service.WithWorkerCount(1),
		)

		Convey("When a full batch of outcomes arrives while a queued cycle runs", func() {
			ids := outcomesDuringCycle(ctx, svc, "requeue", 20)

			Convey("Then the worker queues a follow-up cycle for it", func() {
				done := waitUntil(5*time.Second, func() bool {
					stats, err := svc.GetStats(ctx)
					return err == nil && stats.CyclesCompleted == 2 && stats.PendingOutcomes == 0
				})
				So(done, ShouldBeTrue)
				consumedAccounting(ctx, svc, ids)
			})
		})
	})
}
