package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/wellness-ledger/internal/app"
	"serotonyl.ru/wellness-ledger/internal/config"
	"serotonyl.ru/wellness-ledger/internal/features/admin"
	"serotonyl.ru/wellness-ledger/internal/features/points"
)

const (
	adminID       = int64(900)
	adminPassword = "correct horse battery staple"
)

type testAPI struct {
	t   *testing.T
	app *app.App
}

// newTestAPI собирает приложение целиком на хранилищах в памяти.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	hash, err := admin.HashPassword(adminPassword)
	require.NoError(t, err)

	cfg := &config.Config{
		StorageDriver:               config.StorageMemory,
		AppTimezone:                 "Europe/Moscow",
		WalletCurrency:              "RUB",
		ReferralFirstMilestoneDays:  5,
		ReferralSecondMilestoneDays: 10,
		RateLimitRequests:           1000,
		RateLimitWindow:             time.Minute,
		HTTPAllowedOrigins:          []string{"*"},
		AdminIDs:                    []int64{adminID},
		AdminPasswordHash:           hash,
	}
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Points.UpsertRule(context.Background(), points.Rule{
		Action: points.ActionDiaryPost, Points: 10, IsActive: true,
	}, adminID)
	require.NoError(t, err)

	return &testAPI{t: t, app: a}
}

// do выполняет запрос от имени пользователя (0: без X-User-ID) и, если задан out, разбирает ответ.
func (ta *testAPI) do(method, path string, user int64, token string, body, out any) int {
	ta.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ta.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(user, 10))
	}
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	ta.app.Router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(ta.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (ta *testAPI) login() string {
	ta.t.Helper()
	var s struct {
		Token string `json:"token"`
	}
	code := ta.do(http.MethodPost, "/api/v1/admin/login", adminID, "", map[string]string{"password": adminPassword}, &s)
	require.Equal(ta.t, http.StatusOK, code)
	require.NotEmpty(ta.t, s.Token)
	return s.Token
}

func (ta *testAPI) topUp(user, cents int64, ref string) int {
	return ta.do(http.MethodPost, "/api/v1/wallet/topup", user, "", map[string]any{
		"amountCents": cents, "externalRef": ref,
	}, nil)
}

func TestRequireUser_MissingHeader(t *testing.T) {
	ta := newTestAPI(t)

	assert.Equal(t, http.StatusUnauthorized, ta.do(http.MethodGet, "/api/v1/wallet", 0, "", nil, nil))
}

func TestWallet_TopUpIsIdempotentPerExternalRef(t *testing.T) {
	ta := newTestAPI(t)

	// GIVEN: платёж pay-1 зачислен
	require.Equal(t, http.StatusCreated, ta.topUp(1, 1500, "pay-1"))

	// WHEN: тот же платёж приходит повторно
	code := ta.topUp(1, 1500, "pay-1")

	// THEN: 409 и баланс не удвоился
	assert.Equal(t, http.StatusConflict, code)

	var w struct {
		BalanceCents int64  `json:"balanceCents"`
		Balance      string `json:"balance"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/wallet", 1, "", nil, &w))
	assert.Equal(t, int64(1500), w.BalanceCents)
	assert.Equal(t, "15.00 RUB", w.Balance)
}

func TestWallet_TopUpAcceptsDecimalAmount(t *testing.T) {
	ta := newTestAPI(t)

	code := ta.do(http.MethodPost, "/api/v1/wallet/topup", 2, "", map[string]any{
		"amount": "12.34", "externalRef": "pay-2",
	}, nil)
	require.Equal(t, http.StatusCreated, code)

	var txs []map[string]any
	require.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/wallet/transactions", 2, "", nil, &txs))
	require.Len(t, txs, 1)
	assert.EqualValues(t, 1234, txs[0]["amountCents"])
}

func TestWallet_TopUpRejectsNonPositiveAmount(t *testing.T) {
	ta := newTestAPI(t)

	assert.Equal(t, http.StatusBadRequest, ta.topUp(3, 0, "pay-3"))
}

func TestPoints_AwardIsIdempotentPerReference(t *testing.T) {
	ta := newTestAPI(t)
	body := map[string]string{"action": points.ActionDiaryPost, "referenceId": "post-1"}

	var first, second struct {
		Duplicate bool `json:"duplicate"`
	}
	assert.Equal(t, http.StatusCreated, ta.do(http.MethodPost, "/api/v1/points/award", 5, "", body, &first))
	assert.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/points/award", 5, "", body, &second))
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)

	wl, err := ta.app.Wallets.Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wl.BalanceCents)
}

func TestPoints_AdminAdjustmentForbiddenForUsers(t *testing.T) {
	ta := newTestAPI(t)

	code := ta.do(http.MethodPost, "/api/v1/points/award", 5, "", map[string]string{
		"action": points.ActionAdminAdjustment, "referenceId": "x",
	}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestPurchaseLesson_Flow(t *testing.T) {
	ta := newTestAPI(t)
	body := map[string]int64{"courseId": 1, "lessonId": 7, "priceCents": 500}

	// GIVEN: пустой кошелёк
	// WHEN/THEN: покупка отклонена без побочных эффектов
	assert.Equal(t, http.StatusPaymentRequired, ta.do(http.MethodPost, "/api/v1/lessons/purchase", 10, "", body, nil))

	// GIVEN: баланс пополнен
	require.Equal(t, http.StatusCreated, ta.topUp(10, 1000, "pay-10"))

	// WHEN: покупка
	var resp struct {
		Outcome struct {
			Kind string `json:"kind"`
		} `json:"outcome"`
	}
	require.Equal(t, http.StatusCreated, ta.do(http.MethodPost, "/api/v1/lessons/purchase", 10, "", body, &resp))
	assert.Equal(t, "fulfilled", resp.Outcome.Kind)

	// THEN: повторная покупка не списывает второй раз
	assert.Equal(t, http.StatusConflict, ta.do(http.MethodPost, "/api/v1/lessons/purchase", 10, "", body, nil))

	var unlocks []map[string]any
	require.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/lessons/unlocks?courseId=1", 10, "", nil, &unlocks))
	assert.Len(t, unlocks, 1)

	wl, err := ta.app.Wallets.Get(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(500), wl.BalanceCents)
}

func TestGetPurchase_OtherUsersAttemptIsHidden(t *testing.T) {
	ta := newTestAPI(t)
	require.Equal(t, http.StatusCreated, ta.topUp(11, 1000, "pay-11"))

	var resp struct {
		Outcome struct {
			Attempt struct {
				ID string `json:"id"`
			} `json:"attempt"`
		} `json:"outcome"`
	}
	require.Equal(t, http.StatusCreated, ta.do(http.MethodPost, "/api/v1/lessons/purchase", 11, "",
		map[string]int64{"courseId": 1, "lessonId": 1, "priceCents": 100}, &resp))
	id := resp.Outcome.Attempt.ID

	assert.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/purchases/"+id, 11, "", nil, nil))
	assert.Equal(t, http.StatusNotFound, ta.do(http.MethodGet, "/api/v1/purchases/"+id, 12, "", nil, nil))
}

func TestReferral_ClaimAndActivity(t *testing.T) {
	ta := newTestAPI(t)

	var profile struct {
		ReferralCode string `json:"referralCode"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/referral/profile", 20, "", nil, &profile))
	require.NotEmpty(t, profile.ReferralCode)
	claim := map[string]string{"code": profile.ReferralCode}

	// Свой код активировать нельзя
	assert.Equal(t, http.StatusBadRequest, ta.do(http.MethodPost, "/api/v1/referral/claim", 20, "", claim, nil))

	// Приглашённый активирует код дважды: одна и та же запись
	var ref1, ref2 struct {
		ID             int64 `json:"id"`
		ReferrerUserID int64 `json:"referrerUserId"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/referral/claim", 21, "", claim, &ref1))
	require.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/referral/claim", 21, "", claim, &ref2))
	assert.Equal(t, int64(20), ref1.ReferrerUserID)
	assert.Equal(t, ref1.ID, ref2.ID)

	var day struct {
		Counted bool `json:"counted"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/referral/activity", 21, "", nil, &day))
	assert.True(t, day.Counted)

	var stats struct {
		Invited int `json:"invited"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/referral/stats", 20, "", nil, &stats))
	assert.Equal(t, 1, stats.Invited)
}

func TestReferral_UnknownCode(t *testing.T) {
	ta := newTestAPI(t)

	code := ta.do(http.MethodPost, "/api/v1/referral/claim", 30, "", map[string]string{"code": "NOPE0000"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdmin_RequiresSession(t *testing.T) {
	ta := newTestAPI(t)

	assert.Equal(t, http.StatusUnauthorized, ta.do(http.MethodGet, "/api/v1/admin/rules", 0, "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, ta.do(http.MethodGet, "/api/v1/admin/rules", 0, "bogus", nil, nil))
	assert.Equal(t, http.StatusForbidden, ta.do(http.MethodPost, "/api/v1/admin/login", 1, "",
		map[string]string{"password": adminPassword}, nil))
	assert.Equal(t, http.StatusUnauthorized, ta.do(http.MethodPost, "/api/v1/admin/login", adminID, "",
		map[string]string{"password": "wrong"}, nil))
}

func TestAdmin_LockedWalletRejectsOperations(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.login()
	require.Equal(t, http.StatusCreated, ta.topUp(40, 1000, "pay-40"))

	// WHEN: администратор блокирует кошелёк
	require.Equal(t, http.StatusOK, ta.do(http.MethodPut, "/api/v1/admin/wallets/40/status", 0, token,
		map[string]string{"status": "locked"}, nil))

	// THEN: зачисление и покупка отклонены
	assert.Equal(t, http.StatusLocked, ta.topUp(40, 100, "pay-41"))
	assert.Equal(t, http.StatusLocked, ta.do(http.MethodPost, "/api/v1/lessons/purchase", 40, "",
		map[string]int64{"courseId": 1, "lessonId": 1, "priceCents": 100}, nil))

	// AND: после разблокировки операции снова проходят
	require.Equal(t, http.StatusOK, ta.do(http.MethodPut, "/api/v1/admin/wallets/40/status", 0, token,
		map[string]string{"status": "active"}, nil))
	assert.Equal(t, http.StatusCreated, ta.topUp(40, 100, "pay-41"))

	var rec struct {
		OK bool `json:"ok"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodGet, "/api/v1/admin/wallets/40/reconcile", 0, token, nil, &rec))
	assert.True(t, rec.OK)
}

func TestAdmin_RewardCatalogAndRedemption(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.login()

	var reward struct {
		ID int64 `json:"id"`
	}
	require.Equal(t, http.StatusCreated, ta.do(http.MethodPost, "/api/v1/admin/rewards", 0, token, map[string]any{
		"title": "Стикерпак", "costPoints": 5, "stock": 1, "isActive": true,
	}, &reward))
	redeemPath := "/api/v1/rewards/" + strconv.FormatInt(reward.ID, 10) + "/redeem"

	// GIVEN: у пользователя 10 баллов
	require.Equal(t, http.StatusCreated, ta.do(http.MethodPost, "/api/v1/points/award", 50, "",
		map[string]string{"action": points.ActionDiaryPost, "referenceId": "p-1"}, nil))

	// WHEN: первый обмен проходит, второй упирается в остаток
	assert.Equal(t, http.StatusCreated, ta.do(http.MethodPost, redeemPath, 50, "", nil, nil))
	assert.Equal(t, http.StatusConflict, ta.do(http.MethodPost, redeemPath, 50, "", nil, nil))

	// THEN: после пополнения остатка обмен снова возможен
	require.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/admin/rewards/"+strconv.FormatInt(reward.ID, 10)+"/restock",
		0, token, map[string]int{"delta": 1}, nil))
	assert.Equal(t, http.StatusCreated, ta.do(http.MethodPost, redeemPath, 50, "", nil, nil))

	wl, err := ta.app.Wallets.Get(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wl.BalanceCents)
}

func TestAdmin_AdjustPointsRequiresReference(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.login()

	assert.Equal(t, http.StatusBadRequest, ta.do(http.MethodPost, "/api/v1/admin/wallets/60/adjust", 0, token,
		map[string]any{"points": 25}, nil))

	body := map[string]any{"points": 25, "referenceId": "ticket-1"}
	assert.Equal(t, http.StatusCreated, ta.do(http.MethodPost, "/api/v1/admin/wallets/60/adjust", 0, token, body, nil))
	assert.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/admin/wallets/60/adjust", 0, token, body, nil))

	wl, err := ta.app.Wallets.Get(context.Background(), 60)
	require.NoError(t, err)
	assert.Equal(t, int64(25), wl.BalanceCents)
}

func TestAdmin_RecoverAndLogout(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.login()

	var report struct {
		Scanned int `json:"scanned"`
	}
	require.Equal(t, http.StatusOK, ta.do(http.MethodPost, "/api/v1/admin/saga/recover", 0, token,
		map[string]string{"olderThan": "1m"}, &report))
	assert.Equal(t, 0, report.Scanned)

	assert.Equal(t, http.StatusBadRequest, ta.do(http.MethodPost, "/api/v1/admin/saga/recover", 0, token,
		map[string]string{"olderThan": "soon"}, nil))

	require.Equal(t, http.StatusNoContent, ta.do(http.MethodPost, "/api/v1/admin/logout", 0, token, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, ta.do(http.MethodGet, "/api/v1/admin/rules", 0, token, nil, nil))
}
