/*
server.go: роутер chi и стек middleware внутреннего API леджера.

MIDDLEWARE:
 1. RequestID и RealIP
 2. Logger (logrus) и Recoverer (паника → 500)
 3. CORS
 4. Timeout на запрос
 5. RateLimiter: лимит на пользователя (X-User-ID), для анонимов на адрес

МАРШРУТЫ (/api/v1):
  Пользователь (X-User-ID обязателен):
    /wallet, /points, /rewards, /referral, /lessons, /purchases
  Админка:
    POST /admin/login       вход по паролю
    остальное под X-Admin-Token
*/
package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"serotonyl.ru/wellness-ledger/internal/api/middleware"
)

// RouterOptions: параметры HTTP-слоя из конфига.
type RouterOptions struct {
	AllowedOrigins []string
	Timeout        time.Duration
	Limiter        *middleware.RateLimiter // nil: без ограничения
}

// NewRouter собирает роутер со всеми маршрутами.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if opts.Timeout > 0 {
		r.Use(chimw.Timeout(opts.Timeout))
	}
	if opts.Limiter != nil {
		r.Use(opts.Limiter.Handler(rateLimitKey))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", h.GetWallet)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/topup", h.TopUp)
			})

			r.Route("/points", func(r chi.Router) {
				r.Get("/rules", h.ListRules)
				r.Get("/events", h.ListPointEvents)
				r.Post("/award", h.AwardPoints)
			})

			r.Route("/rewards", func(r chi.Router) {
				r.Get("/", h.ListRewards)
				r.Get("/redemptions", h.ListRedemptions)
				r.Get("/{id}", h.GetReward)
				r.Post("/{id}/redeem", h.RedeemReward)
			})

			r.Route("/referral", func(r chi.Router) {
				r.Get("/profile", h.GetReferralProfile)
				r.Post("/claim", h.ClaimReferral)
				r.Post("/activity", h.RecordActivity)
				r.Get("/stats", h.ReferralStats)
				r.Get("/invited", h.ListInvited)
			})

			r.Route("/lessons", func(r chi.Router) {
				r.Post("/purchase", h.PurchaseLesson)
				r.Post("/purchase-next", h.PurchaseNextLesson)
				r.Get("/unlocks", h.ListUnlocks)
			})

			r.Get("/purchases", h.ListPurchases)
			r.Get("/purchases/{id}", h.GetPurchase)
		})

		r.Route("/admin", func(r chi.Router) {
			r.With(requireUser).Post("/login", h.AdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(h.requireAdmin)

				r.Post("/logout", h.AdminLogout)

				r.Get("/rules", h.ListRules)
				r.Put("/rules/{action}", h.UpsertRule)

				r.Put("/wallets/{userID}/status", h.SetWalletStatus)
				r.Post("/wallets/{userID}/adjust", h.AdjustPoints)
				r.Get("/wallets/{userID}/reconcile", h.ReconcileWallet)

				r.Get("/rewards", h.ListAllRewards)
				r.Post("/rewards", h.CreateReward)
				r.Put("/rewards/{id}", h.UpdateReward)
				r.Post("/rewards/{id}/restock", h.RestockReward)

				r.Get("/compensation-failures", h.ListCompensationFailures)
				r.Post("/compensation-failures/{id}/resolve", h.ResolveCompensationFailure)
				r.Post("/purchases/{id}/retry-refund", h.RetryRefund)
				r.Post("/saga/recover", h.RecoverSaga)

				r.Post("/referrals/process-milestones", h.ProcessMilestones)
			})
		})
	})

	return r
}

// rateLimitKey: пользователь, если он известен, иначе адрес клиента.
func rateLimitKey(r *http.Request) string {
	if id := r.Header.Get(headerUserID); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
