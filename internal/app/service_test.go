package service_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	service "github.com/okian/feedbackloop/internal/app"
	"github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/internal/domain/trigger"
	"github.com/okian/feedbackloop/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.InitWithWriter(io.Discard); err != nil {
		panic(err)
	}
}

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func startService(t *testing.T, opts ...service.Option) *service.Service {
	t.Helper()
	svc := service.New(opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

// manualPolicy never triggers on its own; cycles still need 10 samples.
func manualPolicy() service.Option {
	return service.WithTriggerPolicy(trigger.New(trigger.WithMinSamples(10), trigger.WithMinTotal(1_000_000)))
}

func prediction(id string, i int) model.PredictionRecord {
	return model.PredictionRecord{
		AnalysisID:       id,
		SubjectReference: "site-" + id,
		PredictedAt:      baseTime.Add(time.Duration(i) * time.Minute),
		Predictions: model.Predictions{
			SuccessProbability: model.Float(float64(40 + (i*7)%55)),
			RevenuePrediction:  model.RevenuePrediction{MonthlyBase: model.Float(float64(3000 + 250*(i%9)))},
			RiskAssessment:     model.RiskAssessment{RiskScore: model.Float(float64(10 + (i*13)%70))},
			Advantages:         make([]string, i%6),
			AlgorithmVersion:   []string{"1.0", "2.0"}[i%2],
		},
	}
}

func outcome(i int) model.Outcome {
	problems := make([]string, i%4)
	for j := range problems {
		problems[j] = fmt.Sprintf("problem-%d", j)
	}
	return model.Outcome{
		BusinessSuccessful:   i%3 != 0,
		ActualMonthlyRevenue: float64(2800 + 300*(i%7)),
		ProblemsEncountered:  problems,
		RecordedAt:           baseTime.Add(time.Hour + time.Duration(i)*time.Minute),
	}
}

// seed records n predictions and outcomes and returns their ids.
func seed(ctx context.Context, svc *service.Service, prefix string, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("%s-%02d", prefix, i)
		_, err := svc.RecordPrediction(ctx, prediction(ids[i], i))
		So(err, ShouldBeNil)
		_, err = svc.RecordOutcome(ctx, ids[i], outcome(i))
		So(err, ShouldBeNil)
	}
	return ids
}

func statusOf(ctx context.Context, svc *service.Service, id string) model.Status {
	rec, err := svc.GetPrediction(ctx, id)
	So(err, ShouldBeNil)
	return rec.Status
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a service that has not been started", t, func() {
		svc := service.New()
		ctx := context.Background()

		Convey("Then every write and cycle reports ErrNotStarted", func() {
			_, err := svc.RecordPrediction(ctx, prediction("a", 0))
			So(err, ShouldEqual, service.ErrNotStarted)
			_, err = svc.RecordOutcome(ctx, "a", outcome(0))
			So(err, ShouldEqual, service.ErrNotStarted)
			_, err = svc.RunCycle(ctx)
			So(err, ShouldEqual, service.ErrNotStarted)
			So(svc.Info()["started"], ShouldEqual, false)
		})

		Convey("Then stats are served zeroed", func() {
			stats, err := svc.GetStats(ctx)
			So(err, ShouldBeNil)
			So(stats.CyclesCompleted, ShouldEqual, 0)
			So(stats.ImprovementHistory, ShouldNotBeNil)
			So(stats.ModelPerformance.ByMetric, ShouldNotBeNil)
			So(stats.Strength, ShouldEqual, "initial")
		})

		Convey("When started and stopped", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Info()["started"], ShouldEqual, true)
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it reports stopped and a second Stop is harmless", func() {
				So(svc.Info()["started"], ShouldEqual, false)
				So(svc.Stop(ctx), ShouldBeNil)
			})
		})
	})
}

func TestService_RecordPrediction(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := startService(t)
		ctx := context.Background()

		Convey("When a prediction is recorded", func() {
			receipt, err := svc.RecordPrediction(ctx, prediction("p-1", 1))

			Convey("Then it is accepted and awaits its outcome", func() {
				So(err, ShouldBeNil)
				So(receipt.Accepted, ShouldBeTrue)
				So(receipt.AnalysisID, ShouldEqual, "p-1")
				So(receipt.OutcomesUntilNextCycle, ShouldEqual, 10)
				So(receipt.ExpectedAccuracy, ShouldBeNil)
				So(statusOf(ctx, svc, "p-1"), ShouldEqual, model.StatusAwaitingOutcome)

				stats, err := svc.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.TotalPredictions, ShouldEqual, 1)
			})

			Convey("And the same id is recorded again", func() {
				_, err := svc.RecordPrediction(ctx, prediction("p-1", 2))

				Convey("Then it fails with ErrDuplicateKey", func() {
					So(err, ShouldWrap, service.ErrDuplicateKey)
				})
			})
		})

		Convey("When a prediction carries a submission id", func() {
			rec := prediction("p-2", 2)
			rec.SubmissionID = "sub-1"
			_, err := svc.RecordPrediction(ctx, rec)
			So(err, ShouldBeNil)

			Convey("Then a retry with the same submission id is a replay", func() {
				receipt, err := svc.RecordPrediction(ctx, rec)
				So(err, ShouldBeNil)
				So(receipt.Replayed, ShouldBeTrue)
			})

			Convey("Then a different submission id is still a duplicate", func() {
				rec.SubmissionID = "sub-2"
				_, err := svc.RecordPrediction(ctx, rec)
				So(err, ShouldWrap, service.ErrDuplicateKey)
			})
		})

		Convey("When the prediction is invalid", func() {
			missing := prediction("  ", 0)
			_, errMissing := svc.RecordPrediction(ctx, missing)

			outOfRange := prediction("p-3", 0)
			outOfRange.Predictions.SuccessProbability = model.Float(150)
			_, errRange := svc.RecordPrediction(ctx, outOfRange)

			Convey("Then it is rejected as invalid input", func() {
				So(errMissing, ShouldWrap, service.ErrInvalidInput)
				So(errMissing, ShouldWrap, model.ErrMissingAnalysisID)
				So(errRange, ShouldWrap, service.ErrInvalidInput)
				So(errRange, ShouldWrap, model.ErrOutOfRange)
			})
		})
	})
}

func TestService_RecordOutcome(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := startService(t)
		ctx := context.Background()

		Convey("Scenario A: a prediction with every metric computable", func() {
			_, err := svc.RecordPrediction(ctx, model.PredictionRecord{
				AnalysisID: "scenario-a",
				Predictions: model.Predictions{
					SuccessProbability: model.Float(72),
					RevenuePrediction:  model.RevenuePrediction{MonthlyBase: model.Float(5000)},
					RiskAssessment:     model.RiskAssessment{RiskScore: model.Float(40)},
				},
			})
			So(err, ShouldBeNil)

			res, err := svc.RecordOutcome(ctx, "scenario-a", model.Outcome{
				BusinessSuccessful:   true,
				ActualMonthlyRevenue: 5400,
				ProblemsEncountered:  []string{"permit_delay"},
			})

			Convey("Then the accuracy matches the scoring rules", func() {
				So(err, ShouldBeNil)
				So(res.Accepted, ShouldBeTrue)
				So(res.CycleTriggered, ShouldBeFalse)
				So(*res.Accuracy.SuccessProbability, ShouldAlmostEqual, 0.72, 1e-9)
				So(*res.Accuracy.RevenuePrediction, ShouldAlmostEqual, 0.9259, 1e-4)
				So(*res.Accuracy.RiskAssessment, ShouldAlmostEqual, 0.8, 1e-9)
				So(res.Accuracy.Overall, ShouldAlmostEqual, 0.8153, 1e-4)

				rec, err := svc.GetPrediction(ctx, "scenario-a")
				So(err, ShouldBeNil)
				So(rec.Status, ShouldEqual, model.StatusOutcomeRecorded)
				So(rec.Outcome, ShouldNotBeNil)
				So(rec.Outcome.RecordedAt.IsZero(), ShouldBeFalse)
				So(*rec.Accuracy, ShouldResemble, res.Accuracy)
			})
		})

		Convey("Scenario B: an outcome for an id never predicted", func() {
			_, err := svc.RecordOutcome(ctx, "ghost", outcome(1))

			Convey("Then it fails with ErrNotFound and nothing changes", func() {
				So(err, ShouldWrap, service.ErrNotFound)
				stats, err := svc.GetStats(ctx)
				So(err, ShouldBeNil)
				So(stats.TotalPredictions, ShouldEqual, 0)
				So(stats.TotalWithOutcomes, ShouldEqual, 0)
			})
		})

		Convey("Scenario C: the same outcome submitted twice", func() {
			_, err := svc.RecordPrediction(ctx, prediction("twice", 3))
			So(err, ShouldBeNil)
			first, err := svc.RecordOutcome(ctx, "twice", outcome(3))
			So(err, ShouldBeNil)

			_, err = svc.RecordOutcome(ctx, "twice", outcome(4))

			Convey("Then the second fails and the first accuracy stands", func() {
				So(err, ShouldWrap, service.ErrInvalidTransition)
				rec, gerr := svc.GetPrediction(ctx, "twice")
				So(gerr, ShouldBeNil)
				So(*rec.Accuracy, ShouldResemble, first.Accuracy)
				So(rec.Status, ShouldEqual, model.StatusOutcomeRecorded)

				stats, serr := svc.GetStats(ctx)
				So(serr, ShouldBeNil)
				So(stats.TotalWithOutcomes, ShouldEqual, 1)
			})
		})

		Convey("When a retried outcome carries the original submission id", func() {
			_, err := svc.RecordPrediction(ctx, prediction("retry", 5))
			So(err, ShouldBeNil)
			o := outcome(5)
			o.SubmissionID = "sub-9"
			first, err := svc.RecordOutcome(ctx, "retry", o)
			So(err, ShouldBeNil)

			again, err := svc.RecordOutcome(ctx, "retry", o)

			Convey("Then it succeeds as a replay with the stored accuracy", func() {
				So(err, ShouldBeNil)
				So(again.Replayed, ShouldBeTrue)
				So(again.Accuracy, ShouldResemble, first.Accuracy)

				stats, serr := svc.GetStats(ctx)
				So(serr, ShouldBeNil)
				So(stats.TotalWithOutcomes, ShouldEqual, 1)
			})
		})

		Convey("When the outcome is invalid", func() {
			_, errID := svc.RecordOutcome(ctx, " ", outcome(0))
			bad := outcome(0)
			bad.ActualMonthlyRevenue = -1
			_, errRange := svc.RecordOutcome(ctx, "whatever", bad)

			Convey("Then it is rejected as invalid input", func() {
				So(errID, ShouldWrap, service.ErrInvalidInput)
				So(errRange, ShouldWrap, service.ErrInvalidInput)
			})
		})
	})
}

func TestService_RunCycle(t *testing.T) {
	Convey("Given a service whose trigger never fires on its own", t, func() {
		svc := startService(t, manualPolicy())
		ctx := context.Background()

		Convey("Scenario D: four outcome-recorded records pending", func() {
			ids := seed(ctx, svc, "d", 4)

			_, err := svc.RunCycle(ctx)

			Convey("Then the cycle fails with ErrInsufficientData and nothing changes", func() {
				So(err, ShouldWrap, service.ErrInsufficientData)
				for _, id := range ids {
					So(statusOf(ctx, svc, id), ShouldEqual, model.StatusOutcomeRecorded)
				}
				stats, serr := svc.GetStats(ctx)
				So(serr, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldEqual, 0)
				So(stats.ImprovementHistory, ShouldBeEmpty)
				So(stats.Strength, ShouldEqual, "initial")
			})
		})

		Convey("Scenario E: twelve outcome-recorded records pending", func() {
			ids := seed(ctx, svc, "e", 12)

			report, err := svc.RunCycle(ctx)

			Convey("Then all twelve are consumed by one cycle", func() {
				So(err, ShouldBeNil)
				So(report, ShouldNotBeNil)
				So(report.CycleID, ShouldNotBeEmpty)
				So(report.SampleCount, ShouldEqual, 12)
				So(report.AnalysisIDs, ShouldHaveLength, 12)
				So(report.Metrics, ShouldHaveLength, len(model.TrackedMetrics))

				for _, id := range ids {
					rec, gerr := svc.GetPrediction(ctx, id)
					So(gerr, ShouldBeNil)
					So(rec.Status, ShouldEqual, model.StatusUsedForLearning)
					So(rec.LearningCycleID, ShouldEqual, report.CycleID)
				}

				stats, serr := svc.GetStats(ctx)
				So(serr, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldEqual, 1)
				So(stats.ImprovementHistory, ShouldHaveLength, 1)
				So(stats.ImprovementHistory[0].CycleID, ShouldEqual, report.CycleID)
				So(stats.PendingOutcomes, ShouldEqual, 0)
				So(stats.ModelPerformance.LastUpdate, ShouldNotBeNil)
				So(stats.ModelPerformance.ByMetric, ShouldHaveLength, len(model.TrackedMetrics))
				So(stats.Strength, ShouldEqual, "developing")
			})

			Convey("Then a consumed record cannot take another outcome", func() {
				_, oerr := svc.RecordOutcome(ctx, ids[0], outcome(0))
				So(oerr, ShouldWrap, service.ErrInvalidTransition)
				So(statusOf(ctx, svc, ids[0]), ShouldEqual, model.StatusUsedForLearning)
			})

			Convey("Then new receipts carry expected accuracy", func() {
				receipt, rerr := svc.RecordPrediction(ctx, prediction("after", 3))
				So(rerr, ShouldBeNil)
				So(receipt.ExpectedAccuracy, ShouldNotBeEmpty)
				for _, v := range receipt.ExpectedAccuracy {
					So(v, ShouldBeBetweenOrEqual, 0, 1)
				}
			})

			Convey("Then an immediate second cycle has no data", func() {
				_, rerr := svc.RunCycle(ctx)
				So(rerr, ShouldWrap, service.ErrInsufficientData)
			})
		})
	})

	Convey("Given a service with a cycle batch size", t, func() {
		svc := startService(t, manualPolicy(), service.WithCycleBatchSize(10))
		ctx := context.Background()
		ids := seed(ctx, svc, "b", 12)

		report, err := svc.RunCycle(ctx)

		Convey("Then only the ten oldest records are consumed", func() {
			So(err, ShouldBeNil)
			So(report.SampleCount, ShouldEqual, 10)
			So(report.AnalysisIDs, ShouldResemble, ids[:10])
			So(statusOf(ctx, svc, ids[10]), ShouldEqual, model.StatusOutcomeRecorded)
			So(statusOf(ctx, svc, ids[11]), ShouldEqual, model.StatusOutcomeRecorded)
		})
	})
}

func TestService_InlineTrigger(t *testing.T) {
	Convey("Given a service with the default trigger policy", t, func() {
		svc := startService(t)
		ctx := context.Background()

		for i := 0; i < 9; i++ {
			id := fmt.Sprintf("t-%02d", i)
			_, err := svc.RecordPrediction(ctx, prediction(id, i))
			So(err, ShouldBeNil)
			res, err := svc.RecordOutcome(ctx, id, outcome(i))
			So(err, ShouldBeNil)
			So(res.CycleTriggered, ShouldBeFalse)
		}

		Convey("When the tenth outcome arrives", func() {
			receipt, err := svc.RecordPrediction(ctx, prediction("t-09", 9))
			So(err, ShouldBeNil)
			So(receipt.OutcomesUntilNextCycle, ShouldEqual, 1)

			res, err := svc.RecordOutcome(ctx, "t-09", outcome(9))

			Convey("Then a cycle runs inline and its report comes back", func() {
				So(err, ShouldBeNil)
				So(res.CycleTriggered, ShouldBeTrue)
				So(res.CycleQueued, ShouldBeFalse)
				So(res.CycleReport, ShouldNotBeNil)
				So(res.CycleReport.SampleCount, ShouldEqual, 10)

				stats, serr := svc.GetStats(ctx)
				So(serr, ShouldBeNil)
				So(stats.CyclesCompleted, ShouldEqual, 1)
				So(stats.TotalWithOutcomes, ShouldEqual, 10)
				So(stats.PendingOutcomes, ShouldEqual, 0)
			})
		})
	})
}

func TestService_HistoryLimit(t *testing.T) {
	Convey("Given a service that returns only the latest cycle", t, func() {
		svc := startService(t, manualPolicy(), service.WithHistoryLimit(1))
		ctx := context.Background()

		seed(ctx, svc, "h1", 10)
		_, err := svc.RunCycle(ctx)
		So(err, ShouldBeNil)
		seed(ctx, svc, "h2", 10)
		second, err := svc.RunCycle(ctx)
		So(err, ShouldBeNil)

		Convey("Then stats keep the count but trim the history", func() {
			stats, serr := svc.GetStats(ctx)
			So(serr, ShouldBeNil)
			So(stats.CyclesCompleted, ShouldEqual, 2)
			So(stats.ImprovementHistory, ShouldHaveLength, 1)
			So(stats.ImprovementHistory[0].CycleID, ShouldEqual, second.CycleID)
		})
	})
}

func TestService_ZeroStats(t *testing.T) {
	Convey("Given a fresh service", t, func() {
		svc := startService(t)

		Convey("Then stats are zeroed but well formed", func() {
			stats, err := svc.GetStats(context.Background())
			So(err, ShouldBeNil)
			So(stats.TotalPredictions, ShouldEqual, 0)
			So(stats.CyclesCompleted, ShouldEqual, 0)
			So(stats.ImprovementHistory, ShouldNotBeNil)
			So(stats.ImprovementHistory, ShouldBeEmpty)
			So(stats.ModelPerformance.ByMetric, ShouldNotBeNil)
			So(stats.ModelPerformance.LastUpdate, ShouldBeNil)
			So(stats.Strength, ShouldEqual, "initial")
		})
	})
}
