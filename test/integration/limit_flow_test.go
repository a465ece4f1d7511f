//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
	"github.com/quietscreen/usaged/internal/infra"
	"github.com/quietscreen/usaged/internal/usecase"
)

// stubForeground reports a fixed current foreground package.
type stubForeground struct {
	mu      sync.Mutex
	current string
}

func (s *stubForeground) Events() <-chan domain.ForegroundEvent { return nil }

func (s *stubForeground) CurrentForegroundPackage(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *stubForeground) set(pkg string) {
	s.mu.Lock()
	s.current = pkg
	s.mu.Unlock()
}

// debounceWindow must elapse between evaluations of the same package
// for the second one to be judged on its merits.
const debounceWait = 600 * time.Millisecond

var _ = Describe("Daily limit flow", func() {
	var (
		ctx        context.Context
		store      *infra.EncryptedStore
		journal    *infra.EventJournal
		estimator  *usecase.UsageEstimator
		engine     *usecase.DecisionEngine
		foreground *stubForeground
		today      string
	)

	intPtr := func(v int) *int { return &v }

	BeforeEach(func() {
		ctx = context.Background()
		dataDir := GinkgoT().TempDir()

		key, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewEncryptedStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())

		journal = infra.NewEventJournal(filepath.Join(dataDir, "events.jsonl"))
		foreground = &stubForeground{}
		logger := zap.NewNop()

		estimator = usecase.NewUsageEstimator(store, store, journal, logger)
		engine = usecase.NewDecisionEngine(store, store, store, estimator, foreground, logger)
		today = domain.DayKey(time.Now())
	})

	AfterEach(func() {
		journal.Close()
		store.Close()
	})

	Describe("a soft daily limit", func() {
		BeforeEach(func() {
			Expect(store.UpsertMonitoredApp(ctx, domain.MonitoredApp{
				PackageName:       "com.example.video",
				AppName:           "Video",
				InterventionType:  domain.InterventionBreathing,
				Enabled:           true,
				DailyLimitMinutes: intPtr(60),
				LimitMode:         domain.LimitModeSoft,
			})).To(Succeed())
			foreground.set("com.example.video")
		})

		It("stays quiet below the warning threshold", func() {
			Expect(store.SetUsageMinutes(ctx, "com.example.video", today, 47)).To(Succeed())

			decision, err := engine.Evaluate(ctx, "com.example.video")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionNone))
		})

		It("reminds at 80% and then respects the cooldown", func() {
			Expect(store.SetUsageMinutes(ctx, "com.example.video", today, 48)).To(Succeed())

			decision, err := engine.Evaluate(ctx, "com.example.video")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionSoftReminder))
			Expect(decision.InterventionType).To(Equal(domain.InterventionBreathing))
			Expect(decision.CountdownSeconds).To(Equal(10), "global default countdown")

			// Past the debounce window but well inside the cooldown.
			time.Sleep(debounceWait)
			decision, err = engine.Evaluate(ctx, "com.example.video")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionNone))
		})

		It("marks the first limit-reached of the day and gates repeats", func() {
			Expect(store.SetUsageMinutes(ctx, "com.example.video", today, 60)).To(Succeed())

			decision, err := engine.Evaluate(ctx, "com.example.video")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionLimitReachedSoft))
			Expect(decision.FirstOfDay).To(BeTrue())
			Expect(decision.UsedMinutes).To(Equal(60))
			Expect(decision.LimitMinutes).To(Equal(60))

			time.Sleep(debounceWait)
			decision, err = engine.Evaluate(ctx, "com.example.video")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionNone))
		})

		It("records the outcome in the audit log", func() {
			Expect(store.SetUsageMinutes(ctx, "com.example.video", today, 60)).To(Succeed())

			decision, err := engine.Evaluate(ctx, "com.example.video")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionLimitReachedSoft))

			Expect(engine.RecordOutcome(ctx, decision, domain.InterventionResult{
				Choice:            domain.ChoiceContinued,
				ActualWaitSeconds: 12,
			})).To(Succeed())

			stats, err := store.GetInterventionStats(ctx, time.Now().Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(1))
			Expect(stats.Continued).To(Equal(1))
		})
	})

	Describe("a strict daily limit", func() {
		BeforeEach(func() {
			Expect(store.UpsertMonitoredApp(ctx, domain.MonitoredApp{
				PackageName:       "com.example.game",
				AppName:           "Game",
				Enabled:           true,
				DailyLimitMinutes: intPtr(30),
				LimitMode:         domain.LimitModeStrict,
			})).To(Succeed())
			foreground.set("com.example.game")
		})

		It("blocks at the limit and keeps blocking", func() {
			Expect(store.SetUsageMinutes(ctx, "com.example.game", today, 30)).To(Succeed())

			decision, err := engine.Evaluate(ctx, "com.example.game")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionLimitReachedStrict))

			// No cooldown for hard blocks: re-opening hits the wall again.
			time.Sleep(debounceWait)
			decision, err = engine.Evaluate(ctx, "com.example.game")
			Expect(err).NotTo(HaveOccurred())
			Expect(decision.Kind).To(Equal(domain.DecisionLimitReachedStrict))
		})
	})

	Describe("usage derived from the event journal", func() {
		BeforeEach(func() {
			Expect(store.UpsertMonitoredApp(ctx, domain.MonitoredApp{
				PackageName:       "com.example.video",
				AppName:           "Video",
				Enabled:           true,
				DailyLimitMinutes: intPtr(60),
				LimitMode:         domain.LimitModeSoft,
			})).To(Succeed())
		})

		It("replays journaled sessions into day totals", func() {
			now := time.Now()
			Expect(journal.Append(domain.AppEvent{
				PackageName: "com.example.video",
				Type:        domain.EventEnterForeground,
				Timestamp:   now.Add(-10 * time.Minute),
			})).To(Succeed())
			Expect(journal.Append(domain.AppEvent{
				PackageName: "com.example.video",
				Type:        domain.EventEnterBackground,
				Timestamp:   now.Add(-5 * time.Minute),
			})).To(Succeed())

			changed, err := estimator.SyncFromSystem(ctx, now, []string{"com.example.video"})
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(HaveKey("com.example.video"))

			rec, err := store.GetUsageRecord(ctx, "com.example.video", today)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
			Expect(rec.UsageMinutes).To(Equal(5))
		})

		It("counts a still-open session up to now", func() {
			now := time.Now()
			Expect(journal.Append(domain.AppEvent{
				PackageName: "com.example.video",
				Type:        domain.EventEnterForeground,
				Timestamp:   now.Add(-3 * time.Minute),
			})).To(Succeed())

			_, err := estimator.SyncFromSystem(ctx, now, []string{"com.example.video"})
			Expect(err).NotTo(HaveOccurred())

			rec, err := store.GetUsageRecord(ctx, "com.example.video", today)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
			Expect(rec.UsageMinutes).To(Equal(3))
		})
	})
})
