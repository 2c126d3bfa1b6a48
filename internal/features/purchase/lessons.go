// Package purchase: lessons.go выдаёт уроки, купленные в рассрочку.
package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/wellness-ledger/internal/common"
	"serotonyl.ru/wellness-ledger/internal/db/postgres"
)

// LessonRepository: хранилище открытых уроков.
type LessonRepository interface {
	// InsertUnlock пишет выдачу. Повтор (user_id, lesson_id) даёт ErrFulfillmentConflict.
	InsertUnlock(ctx context.Context, u *LessonUnlock) error
	// GetUnlock возвращает nil, nil, если урок не открыт.
	GetUnlock(ctx context.Context, userID, lessonID int64) (*LessonUnlock, error)
	// ListUnlocks: courseID = 0 означает все курсы.
	ListUnlocks(ctx context.Context, userID, courseID int64) ([]*LessonUnlock, error)
}

const unlockColumns = `id, user_id, course_id, lesson_id, amount_cents, attempt_id, created_at`

// PostgresLessonRepository хранит уроки в PostgreSQL.
type PostgresLessonRepository struct {
	db *pgxpool.Pool
}

// NewPostgresLessonRepository создаёт репозиторий уроков.
func NewPostgresLessonRepository(db *pgxpool.Pool) *PostgresLessonRepository {
	return &PostgresLessonRepository{db: db}
}

func (r *PostgresLessonRepository) InsertUnlock(ctx context.Context, u *LessonUnlock) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO lesson_unlocks (user_id, course_id, lesson_id, amount_cents, attempt_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, u.UserID, u.CourseID, u.LessonID, u.AmountCents, u.AttemptID).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "lesson_unlocks_user_lesson_key") {
			return common.ErrFulfillmentConflict
		}
		return fmt.Errorf("ошибка записи открытия урока: %w", err)
	}
	return nil
}

func (r *PostgresLessonRepository) GetUnlock(ctx context.Context, userID, lessonID int64) (*LessonUnlock, error) {
	u, err := scanUnlock(r.db.QueryRow(ctx, `
		SELECT `+unlockColumns+` FROM lesson_unlocks WHERE user_id = $1 AND lesson_id = $2
	`, userID, lessonID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения открытого урока: %w", err)
	}
	return u, nil
}

func (r *PostgresLessonRepository) ListUnlocks(ctx context.Context, userID, courseID int64) ([]*LessonUnlock, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+unlockColumns+`
		FROM lesson_unlocks
		WHERE user_id = $1 AND ($2 = 0 OR course_id = $2)
		ORDER BY course_id, lesson_id
	`, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения открытых уроков: %w", err)
	}
	defer rows.Close()

	var out []*LessonUnlock
	for rows.Next() {
		u, err := scanUnlock(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования урока: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUnlock(row pgx.Row) (*LessonUnlock, error) {
	var u LessonUnlock
	if err := row.Scan(&u.ID, &u.UserID, &u.CourseID, &u.LessonID, &u.AmountCents, &u.AttemptID, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// LessonFulfiller выдаёт урок по product_ref попытки.
type LessonFulfiller struct {
	repo LessonRepository
}

// NewLessonFulfiller создаёт выдачу уроков.
func NewLessonFulfiller(repo LessonRepository) *LessonFulfiller {
	return &LessonFulfiller{repo: repo}
}

// Fulfill открывает урок. Если урок уже открыт этой же попыткой (повтор после обрыва связи),
// это успех. Если другой попыткой, это ErrFulfillmentConflict.
func (f *LessonFulfiller) Fulfill(ctx context.Context, a *Attempt) (any, error) {
	ref, err := ParseLessonRef(a.ProductRef)
	if err != nil {
		return nil, err
	}

	attemptID := a.ID
	u := &LessonUnlock{
		UserID:      a.UserID,
		CourseID:    ref.CourseID,
		LessonID:    ref.LessonID,
		AmountCents: a.AmountCents,
		AttemptID:   &attemptID,
	}
	err = f.repo.InsertUnlock(ctx, u)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, common.ErrFulfillmentConflict) {
		return nil, err
	}

	existing, getErr := f.repo.GetUnlock(ctx, a.UserID, ref.LessonID)
	if getErr != nil {
		return nil, getErr
	}
	if ownedBy(existing, a.ID) {
		return existing, nil
	}
	return nil, err
}

// IsFulfilled сообщает, что урок открыт именно этой попыткой.
func (f *LessonFulfiller) IsFulfilled(ctx context.Context, a *Attempt) (any, bool, error) {
	ref, err := ParseLessonRef(a.ProductRef)
	if err != nil {
		return nil, false, err
	}
	existing, err := f.repo.GetUnlock(ctx, a.UserID, ref.LessonID)
	if err != nil {
		return nil, false, err
	}
	if ownedBy(existing, a.ID) {
		return existing, true, nil
	}
	return nil, false, nil
}

func ownedBy(u *LessonUnlock, attemptID string) bool {
	return u != nil && u.AttemptID != nil && *u.AttemptID == attemptID
}
