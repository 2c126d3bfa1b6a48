package points_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

func newTestEngine(t *testing.T, rules ...points.Rule) (*points.Service, *wallet.Service) {
	t.Helper()
	ctx := context.Background()
	wallets := wallet.NewService(wallet.NewMemoryRepository(), nil, "RUB")
	repo := points.NewMemoryRepository()
	_, err := repo.SeedRules(ctx, rules)
	require.NoError(t, err)

	svc := points.NewService(repo, wallets)
	require.NoError(t, svc.Refresh(ctx))
	return svc, wallets
}

func balance(t *testing.T, wallets *wallet.Service, userID int64) int64 {
	t.Helper()
	w, err := wallets.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return w.BalanceCents
}

func ptr(v int64) *int64 { return &v }

func TestAwardPoints_CreditsWalletAndRecordsEvent(t *testing.T) {
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: 10, IsActive: true})
	ctx := context.Background()

	ev, err := svc.AwardPoints(ctx, 1, points.ActionDiaryPost, "diary-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ev.PointsAwarded)
	require.NotNil(t, ev.TransactionID)
	assert.Equal(t, int64(10), balance(t, wallets, 1))

	txs, err := wallets.ListTransactions(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	action, _ := txs[0].Metadata.String(common.MetaAction)
	assert.Equal(t, points.ActionDiaryPost, action)
	ref, _ := txs[0].Metadata.String(common.MetaReferenceID)
	assert.Equal(t, "diary-1", ref)
}

func TestAwardPoints_InactiveOrUnknownRuleRecordsZero(t *testing.T) {
	// GIVEN: an inactive rule and an action with no rule at all
	// WHEN: awarding both
	// THEN: two zero-point events are recorded and the wallet log stays empty

	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionFeedShareX, Points: 5, IsActive: false})
	ctx := context.Background()

	ev, err := svc.AwardPoints(ctx, 1, points.ActionFeedShareX, "share-1", nil)
	require.NoError(t, err)
	assert.Zero(t, ev.PointsAwarded)
	assert.Nil(t, ev.TransactionID)

	ev, err = svc.AwardPoints(ctx, 1, "unknown_action", "", nil)
	require.NoError(t, err)
	assert.Zero(t, ev.PointsAwarded)

	events, err := svc.ListPointEvents(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Zero(t, balance(t, wallets, 1))
}

func TestAwardPoints_DuplicateReferenceIsIdempotent(t *testing.T) {
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: 10, IsActive: true})
	ctx := context.Background()

	first, err := svc.AwardPoints(ctx, 1, points.ActionDiaryPost, "2025-03-10", nil)
	require.NoError(t, err)

	again, err := svc.AwardPoints(ctx, 1, points.ActionDiaryPost, "2025-03-10", nil)
	require.ErrorIs(t, err, common.ErrAlreadyAwarded)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(10), balance(t, wallets, 1))

	// Другая дата: новое начисление
	_, err = svc.AwardPoints(ctx, 1, points.ActionDiaryPost, "2025-03-11", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance(t, wallets, 1))
}

func TestAwardPoints_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: 10, IsActive: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AwardPoints(ctx, 1, points.ActionDiaryPost, "diary-7", nil)
			if err != nil && !errors.Is(err, common.ErrAlreadyAwarded) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), balance(t, wallets, 1))
	events, err := svc.ListPointEvents(ctx, 1, 50)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAwardPoints_LockedWalletRecordsNothing(t *testing.T) {
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: 10, IsActive: true})
	ctx := context.Background()

	_, err := wallets.SetStatus(ctx, 1, wallet.StatusLocked)
	require.NoError(t, err)

	_, err = svc.AwardPoints(ctx, 1, points.ActionDiaryPost, "diary-1", nil)
	require.ErrorIs(t, err, common.ErrWalletLocked)

	events, err := svc.ListPointEvents(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAwardPoints_AdminAdjustmentUsesOverride(t *testing.T) {
	// admin_adjustment ignores the rule table even if someone configured it
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionAdminAdjustment, Points: 1, IsActive: true})
	ctx := context.Background()

	ev, err := svc.AwardPoints(ctx, 1, points.ActionAdminAdjustment, "ticket-1", ptr(250))
	require.NoError(t, err)
	assert.Equal(t, int64(250), ev.PointsAwarded)

	ev, err = svc.AwardPoints(ctx, 1, points.ActionAdminAdjustment, "ticket-2", ptr(-50))
	require.NoError(t, err)
	assert.Equal(t, int64(-50), ev.PointsAwarded)
	assert.Equal(t, int64(200), balance(t, wallets, 1))

	_, err = svc.AwardPoints(ctx, 1, points.ActionAdminAdjustment, "ticket-3", ptr(-1000))
	assert.ErrorIs(t, err, common.ErrInsufficientFunds)

	_, err = svc.AwardPoints(ctx, 1, points.ActionAdminAdjustment, "ticket-4", nil)
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
}

func TestAwardPoints_EmptyAction(t *testing.T) {
	svc, _ := newTestEngine(t)
	_, err := svc.AwardPoints(context.Background(), 1, "  ", "", nil)
	assert.ErrorIs(t, err, common.ErrUnknownAction)
}

func TestUpsertRule_BumpsVersionAndAppliesToNextAward(t *testing.T) {
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryComment, Points: 2, IsActive: true})
	ctx := context.Background()

	before := svc.RuleBook().Version()

	saved, err := svc.UpsertRule(ctx, points.Rule{Action: points.ActionDiaryComment, Points: 3, IsActive: true}, 99)
	require.NoError(t, err)
	assert.Greater(t, saved.Version, before)
	require.NotNil(t, saved.UpdatedBy)
	assert.Equal(t, int64(99), *saved.UpdatedBy)
	assert.Equal(t, saved.Version, svc.RuleBook().Version())

	ev, err := svc.AwardPoints(ctx, 1, points.ActionDiaryComment, "c-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.PointsAwarded)
	assert.Equal(t, saved.Version, ev.RuleVersion)
	assert.Equal(t, int64(3), balance(t, wallets, 1))
}

func TestUpsertRule_RejectsNegativePoints(t *testing.T) {
	// GIVEN: правило за запись в дневнике и 100 на балансе
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: 10, IsActive: true})
	ctx := context.Background()
	_, err := wallets.Credit(ctx, 7, 100, common.Metadata{common.MetaReason: "seed"})
	require.NoError(t, err)

	// WHEN: администратор пытается сделать правило отрицательным
	_, err = svc.UpsertRule(ctx, points.Rule{Action: points.ActionDiaryPost, Points: -40, IsActive: true}, 1)

	// THEN: правило не изменено, начисление по-прежнему плюсовое
	assert.ErrorIs(t, err, common.ErrNegativeRulePoints)
	assert.True(t, common.IsClientError(err))

	ev, err := svc.AwardPoints(ctx, 7, points.ActionDiaryPost, "d1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ev.PointsAwarded)
	assert.Equal(t, int64(110), balance(t, wallets, 7))
}

func TestAwardPoints_NegativeRuleNeverDebits(t *testing.T) {
	// GIVEN: отрицательное правило попало в таблицу в обход сервиса
	svc, wallets := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: -40, IsActive: true})
	ctx := context.Background()
	_, err := wallets.Credit(ctx, 7, 100, common.Metadata{common.MetaReason: "seed"})
	require.NoError(t, err)

	// WHEN
	ev, err := svc.AwardPoints(ctx, 7, points.ActionDiaryPost, "d1", nil)

	// THEN: событие с нулём баллов, баланс не тронут
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.PointsAwarded)
	assert.Nil(t, ev.TransactionID)
	assert.Equal(t, int64(100), balance(t, wallets, 7))
}

func TestSeed_LoadsYAMLOnlyIntoEmptyTable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - action: diary_post
    points: 10
    description: Запись в дневнике
  - action: feed_share_x
    points: 5
    active: false
`), 0o600))

	repo := points.NewMemoryRepository()
	svc := points.NewService(repo, wallet.NewService(wallet.NewMemoryRepository(), nil, "RUB"))
	require.NoError(t, svc.Seed(ctx, path))

	book := svc.RuleBook()
	rule, ok := book.Lookup(points.ActionDiaryPost)
	require.True(t, ok)
	assert.True(t, rule.IsActive)
	assert.Equal(t, int64(10), rule.Points)

	got, _ := book.PointsFor(points.ActionFeedShareX)
	assert.Zero(t, got, "inactive rule awards nothing")

	// Повторный seed не трогает уже заполненную таблицу
	_, err := svc.UpsertRule(ctx, points.Rule{Action: points.ActionDiaryPost, Points: 1, IsActive: true}, 1)
	require.NoError(t, err)
	require.NoError(t, svc.Seed(ctx, path))
	rule, _ = svc.RuleBook().Lookup(points.ActionDiaryPost)
	assert.Equal(t, int64(1), rule.Points)
}

func TestSeed_RejectsDuplicateActions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - action: diary_post
    points: 10
  - action: diary_post
    points: 5
`), 0o600))

	_, err := points.LoadSeedFile(path)
	assert.Error(t, err)
}

func TestSeed_RejectsNegativePoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - action: diary_post
    points: -10
`), 0o600))

	_, err := points.LoadSeedFile(path)
	assert.ErrorIs(t, err, common.ErrNegativeRulePoints)
}

func TestRuleBook_SnapshotIsImmutable(t *testing.T) {
	svc, _ := newTestEngine(t, points.Rule{Action: points.ActionDiaryPost, Points: 10, IsActive: true})
	ctx := context.Background()

	old := svc.RuleBook()
	_, err := svc.UpsertRule(ctx, points.Rule{Action: points.ActionDiaryPost, Points: 99, IsActive: true}, 1)
	require.NoError(t, err)

	got, _ := old.PointsFor(points.ActionDiaryPost)
	assert.Equal(t, int64(10), got, "a taken snapshot never changes")
	got, _ = svc.RuleBook().PointsFor(points.ActionDiaryPost)
	assert.Equal(t, int64(99), got)
}

func TestDefaultRuleFileParses(t *testing.T) {
	rules, err := points.LoadSeedFile(filepath.Join("..", "..", "..", "config", "point_rules.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}
