// Package app инициализирует все компоненты приложения.
// app.go собирает приложение: выбирает хранилище, создаёт репозитории, сервисы,
// уведомления, HTTP-роутер и планировщик и собирает всё в один объект App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/wellness-ledger/internal/api"
	"serotonyl.ru/wellness-ledger/internal/api/middleware"
	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/config"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
	"serotonyl.ru/wellness-ledger/internal/features/admin"
	"serotonyl.ru/wellness-ledger/internal/features/points"
	"serotonyl.ru/wellness-ledger/internal/features/profiles"
	"serotonyl.ru/wellness-ledger/internal/features/purchase"
	"serotonyl.ru/wellness-ledger/internal/features/referral"
	"serotonyl.ru/wellness-ledger/internal/features/rewards"
	"serotonyl.ru/wellness-ledger/internal/features/wallet"
	"serotonyl.ru/wellness-ledger/internal/jobs"
	"serotonyl.ru/wellness-ledger/internal/notify"
)

const shutdownTimeout = 10 * time.Second

// App содержит все компоненты приложения.
type App struct {
	Config *config.Config
	DB     *pgxpool.Pool // nil при STORAGE_DRIVER=memory

	Wallets   *wallet.Service
	Points    *points.Service
	Rewards   *rewards.Service
	Profiles  *profiles.Service
	Referrals *referral.Service
	Purchases *purchase.Service
	Admins    *admin.Service

	Router    http.Handler
	Scheduler *jobs.Scheduler

	limiter  *middleware.RateLimiter
	telegram *notify.TelegramNotifier
}

// repositories: набор хранилищ одного драйвера.
type repositories struct {
	wallets   wallet.Repository
	points    points.Repository
	rewards   rewards.Repository
	profiles  profiles.Repository
	referrals referral.Repository
	attempts  purchase.Repository
	lessons   purchase.LessonRepository
	admins    admin.Repository
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен: компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := common.SetTimezone(cfg.AppTimezone); err != nil {
		log.WithError(err).Warn("Часовой пояс не загружен, используем UTC+3")
	}

	a := &App{Config: cfg}

	// === 1. Хранилище ===
	repos, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	// === 2. Уведомления ===
	txNotifier, alerter, err := a.setupNotifications()
	if err != nil {
		a.Close()
		return nil, err
	}

	// === 3. Сервисы ===
	a.Wallets = wallet.NewService(repos.wallets, txNotifier, cfg.WalletCurrency)
	a.Points = points.NewService(repos.points, a.Wallets)
	a.Profiles = profiles.NewService(repos.profiles)
	a.Referrals = referral.NewService(repos.referrals, a.Profiles, a.Points, referral.Thresholds{
		First:  cfg.ReferralFirstMilestoneDays,
		Second: cfg.ReferralSecondMilestoneDays,
	})
	saga := purchase.NewCoordinator(repos.attempts, a.Wallets, purchase.NewLessonFulfiller(repos.lessons), alerter, purchase.Options{
		FulfillmentRetries:  cfg.SagaFulfillmentRetries,
		CompensationRetries: cfg.SagaCompensationRetries,
		RetryDelay:          cfg.SagaRetryBackoff,
	})
	a.Purchases = purchase.NewService(saga, repos.lessons)
	a.Rewards = rewards.NewService(repos.rewards, a.Wallets, saga)
	a.Admins = admin.NewService(repos.admins, cfg)

	// === 4. Правила начисления ===
	if err := a.loadRules(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// === 5. HTTP ===
	a.limiter = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	handler := api.NewHandler(api.Services{
		Wallets:     a.Wallets,
		Points:      a.Points,
		Rewards:     a.Rewards,
		Profiles:    a.Profiles,
		Referrals:   a.Referrals,
		Purchases:   a.Purchases,
		Admins:      a.Admins,
		RecoveryAge: cfg.SagaRecoveryAge,
	})
	a.Router = api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTPAllowedOrigins,
		Timeout:        cfg.HTTPRequestTimeout,
		Limiter:        a.limiter,
	})

	// === 6. Планировщик задач ===
	a.Scheduler = jobs.NewScheduler(a.Wallets, a.Points, saga, a.Referrals, cfg.SagaRecoveryAge)

	return a, nil
}

// openStorage подключает Postgres (с миграциями) или создаёт хранилища в памяти.
func (a *App) openStorage(ctx context.Context) (*repositories, error) {
	if a.Config.StorageDriver == config.StorageMemory {
		log.Warn("STORAGE_DRIVER=memory: данные живут только до перезапуска")
		profileRepo := profiles.NewMemoryRepository()
		return &repositories{
			wallets:   wallet.NewMemoryRepository(),
			points:    points.NewMemoryRepository(),
			rewards:   rewards.NewMemoryRepository(),
			profiles:  profileRepo,
			referrals: referral.NewMemoryRepository(profileRepo),
			attempts:  purchase.NewMemoryRepository(),
			lessons:   purchase.NewMemoryLessonRepository(),
			admins:    admin.NewMemoryRepository(),
		}, nil
	}

	pool, err := postgres.NewPool(ctx, a.Config)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	if err := postgres.RunMigrations(ctx, pool, postgres.Migrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}
	a.DB = pool

	return &repositories{
		wallets:   wallet.NewPostgresRepository(pool),
		points:    points.NewPostgresRepository(pool),
		rewards:   rewards.NewPostgresRepository(pool),
		profiles:  profiles.NewPostgresRepository(pool),
		referrals: referral.NewPostgresRepository(pool),
		attempts:  purchase.NewPostgresRepository(pool),
		lessons:   purchase.NewPostgresLessonRepository(pool),
		admins:    admin.NewPostgresRepository(pool),
	}, nil
}

// setupNotifications выбирает канал: Telegram, если задан токен, иначе лог.
// Алерты о застрявших деньгах уходят всегда, даже при выключенных уведомлениях.
func (a *App) setupNotifications() (wallet.Notifier, purchase.Alerter, error) {
	cfg := a.Config
	if cfg.TelegramBotToken == "" {
		var txNotifier wallet.Notifier
		if cfg.FeatureNotificationsEnabled {
			txNotifier = notify.LogNotifier{}
		}
		return txNotifier, notify.LogNotifier{}, nil
	}

	bot, err := notify.NewBot(cfg.TelegramBotToken)
	if err != nil {
		return nil, nil, err
	}
	a.telegram = notify.NewTelegramNotifier(bot, cfg.AdminIDs, cfg.NotifyQueueSize)
	log.WithField("admins", len(cfg.AdminIDs)).Info("Уведомления через Telegram включены")

	if !cfg.FeatureNotificationsEnabled {
		return nil, a.telegram, nil
	}
	return a.telegram, a.telegram, nil
}

// loadRules заполняет пустую таблицу правил из YAML и читает снимок.
func (a *App) loadRules(ctx context.Context) error {
	path := a.Config.PointRulesFile
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := a.Points.Seed(ctx, path); err != nil {
				return fmt.Errorf("ошибка загрузки правил из %s: %w", path, err)
			}
			return nil
		}
		log.WithField("path", path).Warn("Файл правил начисления не найден, таблица не заполнена")
	}
	return a.Points.Refresh(ctx)
}

// Run запускает планировщик и HTTP-сервер и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	if a.Config.FeatureSchedulerEnabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer a.Scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("HTTP-сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка остановки HTTP-сервера: %w", err)
	}
	log.Info("HTTP-сервер остановлен")
	return nil
}

// Close освобождает ресурсы: очередь уведомлений, лимитер, пул БД.
func (a *App) Close() {
	if a.telegram != nil {
		a.telegram.Close()
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
