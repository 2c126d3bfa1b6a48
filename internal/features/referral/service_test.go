package referral_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
	"serotonyl.ru/wellness-ledger/internal/features/referral"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

type fixture struct {
	svc      *referral.Service
	repo     *referral.MemoryRepository
	profiles *profiles.Service
	points   *points.Service
	wallets  *wallet.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	wallets := wallet.NewService(wallet.NewMemoryRepository(), nil, "RUB")
	pointsRepo := points.NewMemoryRepository()
	_, err := pointsRepo.SeedRules(ctx, []points.Rule{
		{Action: points.ActionReferral5Day, Points: 50, IsActive: true},
		{Action: points.ActionReferral10Day, Points: 100, IsActive: true},
	})
	require.NoError(t, err)
	pointsSvc := points.NewService(pointsRepo, wallets)
	require.NoError(t, pointsSvc.Refresh(ctx))

	profileRepo := profiles.NewMemoryRepository()
	profilesSvc := profiles.NewService(profileRepo)
	repo := referral.NewMemoryRepository(profileRepo)

	return &fixture{
		svc:      referral.NewService(repo, profilesSvc, pointsSvc, referral.DefaultThresholds),
		repo:     repo,
		profiles: profilesSvc,
		points:   pointsSvc,
		wallets:  wallets,
	}
}

func (f *fixture) codeOf(t *testing.T, userID int64) string {
	t.Helper()
	p, err := f.profiles.EnsureProfile(context.Background(), userID)
	require.NoError(t, err)
	return p.ReferralCode
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	w, err := f.wallets.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return w.BalanceCents
}

// day возвращает n-й день после сегодняшнего в часовом поясе приложения.
func day(n int) time.Time {
	return common.DateOf(common.Now()).AddDate(0, 0, n)
}

func TestClaimReferralCode_Success(t *testing.T) {
	// GIVEN: у пользователя 1 есть код
	f := newFixture(t)
	ctx := context.Background()
	code := f.codeOf(t, 1)

	// WHEN: пользователь 2 активирует код
	ref, err := f.svc.ClaimReferralCode(ctx, 2, code)

	// THEN: создан реферал, профиль привязан
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.ReferrerUserID)
	assert.Equal(t, int64(2), ref.InviteeUserID)
	assert.Equal(t, 0, ref.InviteeDayCount)

	p, err := f.profiles.GetProfile(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, p.ReferredBy)
	assert.Equal(t, int64(1), *p.ReferredBy)
}

func TestClaimReferralCode_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.codeOf(t, 1)

	first, err := f.svc.ClaimReferralCode(ctx, 2, code)
	require.NoError(t, err)
	second, err := f.svc.ClaimReferralCode(ctx, 2, code)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	stats, err := f.svc.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Invited)
}

func TestClaimReferralCode_ConcurrentClaimsCreateOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.codeOf(t, 1)

	var wg sync.WaitGroup
	ids := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := f.svc.ClaimReferralCode(ctx, 2, code)
			if err == nil {
				ids <- ref.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestClaimReferralCode_AlreadyReferredByAnother(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	codeA := f.codeOf(t, 1)
	codeB := f.codeOf(t, 3)

	first, err := f.svc.ClaimReferralCode(ctx, 2, codeA)
	require.NoError(t, err)

	existing, err := f.svc.ClaimReferralCode(ctx, 2, codeB)
	assert.ErrorIs(t, err, common.ErrAlreadyReferred)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
	assert.Equal(t, int64(1), existing.ReferrerUserID)
}

func TestClaimReferralCode_InputErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.codeOf(t, 1)

	_, err := f.svc.ClaimReferralCode(ctx, 1, code)
	assert.ErrorIs(t, err, common.ErrSelfReferralNotAllowed)

	_, err = f.svc.ClaimReferralCode(ctx, 2, "ZZZZ9999")
	assert.ErrorIs(t, err, common.ErrCodeNotFound)

	_, err = f.svc.GetReferral(ctx, 2)
	assert.ErrorIs(t, err, common.ErrReferralNotFound)
}

func TestRecordReferralDiaryDay_FiveDayMilestoneAwardsOnce(t *testing.T) {
	// GIVEN: пользователь 2 приглашён пользователем 1
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ClaimReferralCode(ctx, 2, f.codeOf(t, 1))
	require.NoError(t, err)

	// WHEN: четыре дня активности
	for i := 0; i < 4; i++ {
		res, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(i))
		require.NoError(t, err)
		assert.True(t, res.Counted)
		assert.Empty(t, res.Awarded)
	}
	assert.Equal(t, int64(0), f.balance(t, 1))

	// WHEN: пятый день
	res, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(4))

	// THEN: одна награда за 5 дней
	require.NoError(t, err)
	assert.Equal(t, []string{points.ActionReferral5Day}, res.Awarded)
	assert.True(t, res.Referral.Reward5DayAwarded)
	assert.Equal(t, 5, res.Referral.InviteeDayCount)
	assert.Equal(t, int64(50), f.balance(t, 1))

	// WHEN: ещё один сигнал, где счётчик снова >= 5
	res, err = f.svc.RecordReferralDiaryDay(ctx, 2, day(4))

	// THEN: второй награды нет
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Empty(t, res.Awarded)
	assert.Equal(t, int64(50), f.balance(t, 1))

	events, err := f.points.ListPointEvents(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordReferralDiaryDay_SameDayCountedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ClaimReferralCode(ctx, 2, f.codeOf(t, 1))
	require.NoError(t, err)

	morning := day(1).Add(8 * time.Hour)
	evening := day(1).Add(21 * time.Hour)

	res, err := f.svc.RecordReferralDiaryDay(ctx, 2, morning)
	require.NoError(t, err)
	assert.True(t, res.Counted)

	res, err = f.svc.RecordReferralDiaryDay(ctx, 2, evening)
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Equal(t, 1, res.Referral.InviteeDayCount)
}

func TestRecordReferralDiaryDay_IgnoresDaysBeforeJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ClaimReferralCode(ctx, 2, f.codeOf(t, 1))
	require.NoError(t, err)

	res, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(-3))
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Equal(t, 0, res.Referral.InviteeDayCount)
}

func TestRecordReferralDiaryDay_TenDayMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ClaimReferralCode(ctx, 2, f.codeOf(t, 1))
	require.NoError(t, err)

	var awarded []string
	for i := 0; i < 10; i++ {
		res, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(i))
		require.NoError(t, err)
		awarded = append(awarded, res.Awarded...)
	}

	assert.Equal(t, []string{points.ActionReferral5Day, points.ActionReferral10Day}, awarded)
	assert.Equal(t, int64(150), f.balance(t, 1))

	stats, err := f.svc.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ReachedFirst)
	assert.Equal(t, 1, stats.ReachedSecond)
}

func TestRecordReferralDiaryDay_NoReferral(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecordReferralDiaryDay(context.Background(), 42, day(0))
	assert.ErrorIs(t, err, common.ErrReferralNotFound)
}

func TestRecordReferralDiaryDay_LockedReferrerKeepsFlagUnset(t *testing.T) {
	// GIVEN: кошелёк пригласившего заблокирован
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.ClaimReferralCode(ctx, 2, f.codeOf(t, 1))
	require.NoError(t, err)
	_, err = f.wallets.SetStatus(ctx, 1, wallet.StatusLocked)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(i))
		require.NoError(t, err)
	}

	// WHEN: пятый день
	_, err = f.svc.RecordReferralDiaryDay(ctx, 2, day(4))

	// THEN: ошибка, флаг не поставлен, день учтён
	assert.ErrorIs(t, err, common.ErrWalletLocked)
	got, err := f.svc.GetReferral(ctx, 2)
	require.NoError(t, err)
	assert.False(t, got.Reward5DayAwarded)
	assert.Equal(t, 5, got.InviteeDayCount)

	// WHEN: кошелёк разблокирован, фоновая проверка догоняет награду
	_, err = f.wallets.SetStatus(ctx, 1, wallet.StatusActive)
	require.NoError(t, err)
	n, err := f.svc.ProcessPendingMilestones(ctx)

	// THEN: награда выдана ровно один раз
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(50), f.balance(t, 1))

	n, err = f.svc.ProcessPendingMilestones(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err = f.svc.GetReferral(ctx, 2)
	require.NoError(t, err)
	assert.True(t, got.Reward5DayAwarded)
	assert.Equal(t, ref.ID, got.ID)
}

func TestRecordReferralDiaryDay_FlagSetAfterEarlierAward(t *testing.T) {
	// GIVEN: баллы уже начислены, а флаг не поставлен (сбой между шагами)
	f := newFixture(t)
	ctx := context.Background()
	ref, err := f.svc.ClaimReferralCode(ctx, 2, f.codeOf(t, 1))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(i))
		require.NoError(t, err)
	}
	_, err = f.points.AwardPoints(ctx, 1, points.ActionReferral5Day, "1", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), ref.ID)

	// WHEN: пятый день
	res, err := f.svc.RecordReferralDiaryDay(ctx, 2, day(4))

	// THEN: флаг поставлен, второй выдачи нет
	require.NoError(t, err)
	assert.True(t, res.Referral.Reward5DayAwarded)
	assert.Empty(t, res.Awarded)
	assert.Equal(t, int64(50), f.balance(t, 1))
}
