package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
	"serotonyl.ru/wellness-ledger/internal/features/referral"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

type fixture struct {
	sched    *Scheduler
	wallets  *wallet.Service
	attempts *purchase.MemoryRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wallets := wallet.NewService(wallet.NewMemoryRepository(), nil, "RUB")
	pointsSvc := points.NewService(points.NewMemoryRepository(), wallets)
	profileRepo := profiles.NewMemoryRepository()
	referrals := referral.NewService(referral.NewMemoryRepository(profileRepo), profiles.NewService(profileRepo), pointsSvc, referral.Thresholds{})
	attempts := purchase.NewMemoryRepository()
	saga := purchase.NewCoordinator(attempts, wallets,
		purchase.NewLessonFulfiller(purchase.NewMemoryLessonRepository()), nil, purchase.Options{})

	return &fixture{
		sched:    NewScheduler(wallets, pointsSvc, saga, referrals, time.Minute),
		wallets:  wallets,
		attempts: attempts,
	}
}

func TestScheduler_RegistersAllJobs(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.Start(context.Background()))
	defer f.sched.Stop()

	assert.Len(t, f.sched.cron.Entries(), 5)
}

func TestScheduler_RecoverAbortsStalePendingAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: процесс упал сразу после создания попытки, списания не было
	a := &purchase.Attempt{
		ID:          "stale-1",
		UserID:      7,
		ProductRef:  purchase.LessonRef{CourseID: 1, LessonID: 2}.String(),
		AmountCents: 300,
		State:       purchase.StatePending,
	}
	require.NoError(t, f.attempts.Create(ctx, a))
	f.attempts.Age(a.ID, 10*time.Minute)

	// WHEN
	f.sched.recoverSagas(ctx)

	// THEN
	got, err := f.attempts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StateAborted, got.State)
}

func TestScheduler_ReconcileLeavesHealthyWalletsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wallets.TopUp(ctx, 1, 500, "pay-1")
	require.NoError(t, err)
	_, err = f.wallets.Debit(ctx, 1, 200, common.Metadata{common.MetaReason: "purchase"})
	require.NoError(t, err)

	f.sched.reconcile(ctx)

	rec, err := f.wallets.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, rec.OK)
	assert.Equal(t, int64(300), rec.LedgerSumCents)
}

func TestScheduler_JobsTolerateEmptyState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		f.sched.refreshRules(ctx)
		f.sched.remindFailures(ctx)
		f.sched.processMilestones(ctx)
	})
}
