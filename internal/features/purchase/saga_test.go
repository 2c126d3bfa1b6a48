package purchase_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// flakyFulfiller падает failures раз, потом передаёт вызов дальше.
type flakyFulfiller struct {
	next     purchase.Fulfiller
	failures int
	calls    int
}

func (f *flakyFulfiller) Fulfill(ctx context.Context, a *purchase.Attempt) (any, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("временная ошибка хранилища")
	}
	return f.next.Fulfill(ctx, a)
}

func (f *flakyFulfiller) IsFulfilled(ctx context.Context, a *purchase.Attempt) (any, bool, error) {
	return f.next.IsFulfilled(ctx, a)
}

// lockingFulfiller блокирует кошелёк покупателя и сообщает о конфликте, так что возврат не проходит.
type lockingFulfiller struct {
	wallets *wallet.Service
}

func (f *lockingFulfiller) Fulfill(ctx context.Context, a *purchase.Attempt) (any, error) {
	if _, err := f.wallets.SetStatus(ctx, a.UserID, wallet.StatusLocked); err != nil {
		return nil, err
	}
	return nil, common.ErrFulfillmentConflict
}

func (f *lockingFulfiller) IsFulfilled(context.Context, *purchase.Attempt) (any, bool, error) {
	return nil, false, nil
}

type fixture struct {
	wallets  *wallet.Service
	attempts *purchase.MemoryRepository
	lessons  *purchase.MemoryLessonRepository
	alerter  *recordingAlerter
	saga     *purchase.Coordinator
	svc      *purchase.Service
}

func newFixture(t *testing.T, fulfiller func(*fixture) purchase.Fulfiller, opts purchase.Options) *fixture {
	t.Helper()
	f := &fixture{
		wallets:  wallet.NewService(wallet.NewMemoryRepository(), nil, "RUB"),
		attempts: purchase.NewMemoryRepository(),
		lessons:  purchase.NewMemoryLessonRepository(),
		alerter:  &recordingAlerter{},
	}
	var ff purchase.Fulfiller = purchase.NewLessonFulfiller(f.lessons)
	if fulfiller != nil {
		ff = fulfiller(f)
	}
	f.saga = purchase.NewCoordinator(f.attempts, f.wallets, ff, f.alerter, opts)
	f.svc = purchase.NewService(f.saga, f.lessons)
	return f
}

func (f *fixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := f.wallets.Credit(context.Background(), userID, amount, common.Metadata{common.MetaReason: "seed"})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	w, err := f.wallets.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return w.BalanceCents
}

func TestPurchaseLesson_Fulfilled(t *testing.T) {
	// GIVEN: на балансе 1000
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	// WHEN: покупка урока за 300
	out, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)

	// THEN: урок открыт, списано 300
	require.NoError(t, err)
	assert.Equal(t, purchase.OutcomeFulfilled, out.Kind)
	assert.Equal(t, purchase.StateFulfilled, out.Attempt.State)
	require.NotNil(t, out.Attempt.DebitTxID)
	assert.Equal(t, int64(700), f.balance(t, 1))

	unlock, ok := out.Fulfillment.(*purchase.LessonUnlock)
	require.True(t, ok)
	assert.Equal(t, int64(70), unlock.LessonID)
	assert.Equal(t, int64(300), unlock.AmountCents)

	unlocks, err := f.svc.ListUnlocks(ctx, 1, 7)
	require.NoError(t, err)
	assert.Len(t, unlocks, 1)

	debit, err := f.wallets.FindByKey(ctx, purchase.DebitKey(out.Attempt.ID))
	require.NoError(t, err)
	lessonID, _ := debit.Metadata.Int64(common.MetaLessonID)
	assert.Equal(t, int64(70), lessonID)
}

func TestRun_ConflictIsCompensated(t *testing.T) {
	// GIVEN: урок уже открыт параллельным запросом
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)
	require.NoError(t, f.lessons.InsertUnlock(ctx, &purchase.LessonUnlock{UserID: 1, CourseID: 7, LessonID: 70, AmountCents: 300}))
	before := f.balance(t, 1)

	// WHEN: сага пытается выдать тот же урок
	ref := purchase.LessonRef{CourseID: 7, LessonID: 70}.String()
	out, err := f.saga.Run(ctx, 1, ref, 300, nil)

	// THEN: деньги возвращены, баланс как до попытки
	assert.ErrorIs(t, err, common.ErrPurchaseFailed)
	assert.False(t, common.IsFatal(err))
	require.NotNil(t, out)
	assert.Equal(t, purchase.OutcomeCompensated, out.Kind)
	assert.Equal(t, purchase.StateReversed, out.Attempt.State)
	require.NotNil(t, out.Attempt.RefundTxID)
	assert.Equal(t, before, f.balance(t, 1))

	txs, err := f.wallets.ListTransactions(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "refund", txs[0].Metadata.Reason())
	refundOf, _ := txs[0].Metadata.String(common.MetaRefundOf)
	assert.Equal(t, *out.Attempt.DebitTxID, refundOf)
}

func TestRun_InsufficientFundsAborts(t *testing.T) {
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 100)

	out, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)

	assert.ErrorIs(t, err, common.ErrInsufficientFunds)
	require.NotNil(t, out)
	assert.Equal(t, purchase.OutcomeAborted, out.Kind)
	assert.Equal(t, purchase.StateAborted, out.Attempt.State)
	assert.Nil(t, out.Attempt.DebitTxID)
	assert.Equal(t, int64(100), f.balance(t, 1))

	unlocks, err := f.svc.ListUnlocks(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}

func TestPurchaseLesson_AlreadyUnlockedSkipsDebit(t *testing.T) {
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	_, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)
	require.NoError(t, err)

	_, err = f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)
	assert.ErrorIs(t, err, common.ErrLessonAlreadyUnlocked)
	assert.Equal(t, int64(700), f.balance(t, 1))
}

func TestPurchaseNextLesson(t *testing.T) {
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)
	course := []int64{10, 11, 12}

	out, err := f.svc.PurchaseNextLesson(ctx, 1, 3, course, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.Fulfillment.(*purchase.LessonUnlock).LessonID)

	out, err = f.svc.PurchaseNextLesson(ctx, 1, 3, course, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(11), out.Fulfillment.(*purchase.LessonUnlock).LessonID)

	_, err = f.svc.PurchaseNextLesson(ctx, 1, 3, course, 100)
	require.NoError(t, err)
	_, err = f.svc.PurchaseNextLesson(ctx, 1, 3, course, 100)
	assert.ErrorIs(t, err, common.ErrLessonAlreadyUnlocked)
	assert.Equal(t, int64(700), f.balance(t, 1))
}

func TestPurchaseLesson_ConcurrentDuplicatesChargeOnce(t *testing.T) {
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fulfilled := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 100)
			if err == nil && out.Kind == purchase.OutcomeFulfilled {
				mu.Lock()
				fulfilled++
				mu.Unlock()
				return
			}
			assert.False(t, common.IsFatal(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fulfilled)
	assert.Equal(t, int64(900), f.balance(t, 1))
	unlocks, err := f.svc.ListUnlocks(ctx, 1, 7)
	require.NoError(t, err)
	assert.Len(t, unlocks, 1)
}

func TestRun_TransientFulfillmentErrorsAreRetried(t *testing.T) {
	var flaky *flakyFulfiller
	f := newFixture(t, func(f *fixture) purchase.Fulfiller {
		flaky = &flakyFulfiller{next: purchase.NewLessonFulfiller(f.lessons), failures: 2}
		return flaky
	}, purchase.Options{FulfillmentRetries: 2})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	out, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)

	require.NoError(t, err)
	assert.Equal(t, purchase.OutcomeFulfilled, out.Kind)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, int64(700), f.balance(t, 1))
}

func TestRun_TransientErrorsExhaustedAreCompensated(t *testing.T) {
	f := newFixture(t, func(f *fixture) purchase.Fulfiller {
		return &flakyFulfiller{next: purchase.NewLessonFulfiller(f.lessons), failures: 5}
	}, purchase.Options{FulfillmentRetries: 1})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	out, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)

	assert.ErrorIs(t, err, common.ErrPurchaseFailed)
	assert.Equal(t, purchase.OutcomeCompensated, out.Kind)
	assert.Equal(t, int64(1000), f.balance(t, 1))
}

func TestRun_CompensationFailureIsSurfaced(t *testing.T) {
	// GIVEN: выдача падает, а возврат упирается в заблокированный кошелёк
	f := newFixture(t, func(f *fixture) purchase.Fulfiller {
		return &lockingFulfiller{wallets: f.wallets}
	}, purchase.Options{CompensationRetries: 1})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	// WHEN
	out, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)

	// THEN: фатальная ошибка, отметка записана, алерт отправлен
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.ErrorIs(t, err, common.ErrWalletLocked)
	var cfe *common.CompensationFailedError
	require.ErrorAs(t, err, &cfe)
	assert.Equal(t, int64(300), cfe.AmountCents)

	assert.Equal(t, purchase.OutcomeFatallyInconsistent, out.Kind)
	assert.Equal(t, purchase.StateStuck, out.Attempt.State)
	assert.Equal(t, int64(700), f.balance(t, 1))
	assert.Equal(t, 1, f.alerter.count())

	failures, err := f.saga.ListCompensationFailures(ctx, true)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, out.Attempt.ID, failures[0].AttemptID)

	// WHEN: кошелёк разблокирован, администратор повторяет возврат
	_, err = f.wallets.SetStatus(ctx, 1, wallet.StatusActive)
	require.NoError(t, err)
	retry, err := f.saga.RetryCompensation(ctx, out.Attempt.ID, 99)

	// THEN: деньги вернулись, отметка закрыта
	require.NoError(t, err)
	assert.Equal(t, purchase.OutcomeCompensated, retry.Kind)
	assert.Equal(t, int64(1000), f.balance(t, 1))

	open, err := f.saga.ListCompensationFailures(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveCompensationFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) purchase.Fulfiller {
		return &lockingFulfiller{wallets: f.wallets}
	}, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	_, err := f.svc.PurchaseLesson(ctx, 1, 7, 70, 300)
	require.True(t, common.IsFatal(err))

	n, err := f.saga.RemindUnresolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.alerter.count())

	failures, err := f.saga.ListCompensationFailures(ctx, true)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	resolved, err := f.saga.ResolveCompensationFailure(ctx, failures[0].ID, 99, "вернули вручную")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, int64(99), *resolved.ResolvedBy)

	n, err = f.saga.RemindUnresolved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, f.alerter.count())

	_, err = f.saga.ResolveCompensationFailure(ctx, 12345, 99, "")
	assert.ErrorIs(t, err, common.ErrFailureNotFound)
}

func TestRecover_DrivesStaleAttemptsToTerminalState(t *testing.T) {
	f := newFixture(t, nil, purchase.Options{})
	ctx := context.Background()
	f.fund(t, 1, 1000)

	// Упали сразу после списания: попытка PENDING, деньги списаны.
	debitedID := "00000000-0000-0000-0000-000000000001"
	require.NoError(t, f.attempts.Create(ctx, &purchase.Attempt{
		ID: debitedID, UserID: 1, ProductRef: "lesson:7:70", AmountCents: 300, State: purchase.StatePending,
	}))
	_, err := f.wallets.DebitWithKey(ctx, 1, 300, common.Metadata{common.MetaReason: "purchase"}, purchase.DebitKey(debitedID))
	require.NoError(t, err)

	// Упали до списания.
	abortedID := "00000000-0000-0000-0000-000000000002"
	require.NoError(t, f.attempts.Create(ctx, &purchase.Attempt{
		ID: abortedID, UserID: 1, ProductRef: "lesson:7:71", AmountCents: 300, State: purchase.StatePending,
	}))

	// Упали после выдачи, но до записи FULFILLED.
	fulfilledID := "00000000-0000-0000-0000-000000000003"
	require.NoError(t, f.attempts.Create(ctx, &purchase.Attempt{
		ID: fulfilledID, UserID: 1, ProductRef: "lesson:7:72", AmountCents: 200, State: purchase.StatePending,
	}))
	tx, err := f.wallets.DebitWithKey(ctx, 1, 200, common.Metadata{common.MetaReason: "purchase"}, purchase.DebitKey(fulfilledID))
	require.NoError(t, err)
	_, err = f.attempts.Transition(ctx, fulfilledID, []purchase.State{purchase.StatePending}, purchase.StateDebited,
		purchase.Update{DebitTxID: &tx.ID})
	require.NoError(t, err)
	owner := fulfilledID
	require.NoError(t, f.lessons.InsertUnlock(ctx, &purchase.LessonUnlock{
		UserID: 1, CourseID: 7, LessonID: 72, AmountCents: 200, AttemptID: &owner,
	}))

	// Свежая попытка не трогается.
	freshID := "00000000-0000-0000-0000-000000000004"
	require.NoError(t, f.attempts.Create(ctx, &purchase.Attempt{
		ID: freshID, UserID: 1, ProductRef: "lesson:7:73", AmountCents: 100, State: purchase.StatePending,
	}))

	for _, id := range []string{debitedID, abortedID, fulfilledID} {
		f.attempts.Age(id, time.Hour)
	}

	report, err := f.saga.Recover(ctx, 10*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Compensated)
	assert.Equal(t, 1, report.Aborted)
	assert.Equal(t, 1, report.Fulfilled)
	assert.Equal(t, int64(800), f.balance(t, 1))

	states := map[string]purchase.State{
		debitedID:   purchase.StateReversed,
		abortedID:   purchase.StateAborted,
		fulfilledID: purchase.StateFulfilled,
		freshID:     purchase.StatePending,
	}
	for id, want := range states {
		a, err := f.saga.GetAttempt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, a.State, id)
	}

	// Повторный проход ничего не меняет.
	report, err = f.saga.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, int64(800), f.balance(t, 1))
}

func TestParseLessonRef(t *testing.T) {
	ref, err := purchase.ParseLessonRef("lesson:3:14")
	require.NoError(t, err)
	assert.Equal(t, purchase.LessonRef{CourseID: 3, LessonID: 14}, ref)

	for _, bad := range []string{"", "lesson:", "lesson:3", "course:3:14", "lesson:a:1", "lesson:0:1"} {
		_, err := purchase.ParseLessonRef(bad)
		assert.ErrorIs(t, err, common.ErrInvalidProduct, bad)
	}
}

// lostAckRepository проводит списание покупки, но теряет ответ, а первая проверка по ключу падает.
type lostAckRepository struct {
	*wallet.MemoryRepository
	mu           sync.Mutex
	failLookups  int
	lookupCalled int
}

func (r *lostAckRepository) Apply(ctx context.Context, e wallet.Entry) (*wallet.Transaction, error) {
	tx, err := r.MemoryRepository.Apply(ctx, e)
	if err == nil && strings.HasPrefix(e.IdempotencyKey, "purchase:") {
		return nil, errors.New("соединение разорвано после коммита")
	}
	return tx, err
}

func (r *lostAckRepository) FindByIdempotencyKey(ctx context.Context, key string) (*wallet.Transaction, error) {
	r.mu.Lock()
	r.lookupCalled++
	fail := r.lookupCalled <= r.failLookups
	r.mu.Unlock()
	if fail {
		return nil, errors.New("база недоступна")
	}
	return r.MemoryRepository.FindByIdempotencyKey(ctx, key)
}

func TestRun_UnknownDebitStateIsLeftForRecovery(t *testing.T) {
	// GIVEN: списание прошло, но ответ потерян и проверка по ключу не удалась
	ctx := context.Background()
	repo := &lostAckRepository{MemoryRepository: wallet.NewMemoryRepository(), failLookups: 1}
	wallets := wallet.NewService(repo, nil, "RUB")
	attempts := purchase.NewMemoryRepository()
	lessons := purchase.NewMemoryLessonRepository()
	saga := purchase.NewCoordinator(attempts, wallets, purchase.NewLessonFulfiller(lessons), nil, purchase.Options{})
	svc := purchase.NewService(saga, lessons)
	_, err := wallets.Credit(ctx, 1, 1000, common.Metadata{common.MetaReason: "seed"})
	require.NoError(t, err)

	// WHEN
	out, err := svc.PurchaseLesson(ctx, 1, 7, 70, 300)

	// THEN: попытка не закрыта как ABORTED, а оставлена в PENDING
	require.Error(t, err)
	assert.Nil(t, out)
	assert.False(t, common.IsClientError(err))

	list, err := saga.ListAttempts(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, purchase.StatePending, list[0].State)

	// WHEN: восстановление подбирает попытку
	attempts.Age(list[0].ID, time.Hour)
	report, err := saga.Recover(ctx, time.Minute)

	// THEN: списание найдено и возвращено, баланс как до покупки
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Compensated)

	a, err := saga.GetAttempt(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StateReversed, a.State)

	w, err := wallets.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.BalanceCents)

	unlocks, err := svc.ListUnlocks(ctx, 1, 7)
	require.NoError(t, err)
	assert.Empty(t, unlocks)
}
