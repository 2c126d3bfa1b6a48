// Package purchase: service.go продаёт уроки поштучно.
package purchase

import (
	"context"
	"fmt"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// Service: покупка уроков через сагу.
type Service struct {
	saga    *Coordinator
	lessons LessonRepository
}

// NewService создаёт сервис покупки уроков.
func NewService(saga *Coordinator, lessons LessonRepository) *Service {
	return &Service{saga: saga, lessons: lessons}
}

// Saga возвращает координатор для админских операций и фоновых задач.
func (s *Service) Saga() *Coordinator {
	return s.saga
}

// PurchaseLesson покупает один урок. Цену передаёт вызывающий: каталог курсов живёт отдельно.
// Уже открытый урок не покупается повторно (ErrLessonAlreadyUnlocked, без списания).
// Параллельный дубль, прошедший эту проверку, отсекается уникальным индексом и получает возврат.
func (s *Service) PurchaseLesson(ctx context.Context, userID, courseID, lessonID, priceCents int64) (*Outcome, error) {
	ref := LessonRef{CourseID: courseID, LessonID: lessonID}
	if courseID <= 0 || lessonID <= 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrInvalidProduct, ref)
	}

	existing, err := s.lessons.GetUnlock(ctx, userID, lessonID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, common.ErrLessonAlreadyUnlocked
	}

	meta := common.Metadata{
		common.MetaCourseID: courseID,
		common.MetaLessonID: lessonID,
	}
	return s.saga.Run(ctx, userID, ref.String(), priceCents, meta)
}

// PurchaseNextLesson покупает первый ещё не открытый урок из lessonIDs (порядок курса).
func (s *Service) PurchaseNextLesson(ctx context.Context, userID, courseID int64, lessonIDs []int64, priceCents int64) (*Outcome, error) {
	next, err := s.NextLockedLesson(ctx, userID, courseID, lessonIDs)
	if err != nil {
		return nil, err
	}
	return s.PurchaseLesson(ctx, userID, courseID, next, priceCents)
}

// NextLockedLesson возвращает первый урок из lessonIDs, который пользователь ещё не открыл.
func (s *Service) NextLockedLesson(ctx context.Context, userID, courseID int64, lessonIDs []int64) (int64, error) {
	unlocked, err := s.lessons.ListUnlocks(ctx, userID, courseID)
	if err != nil {
		return 0, err
	}
	open := make(map[int64]bool, len(unlocked))
	for _, u := range unlocked {
		open[u.LessonID] = true
	}
	for _, id := range lessonIDs {
		if !open[id] {
			return id, nil
		}
	}
	return 0, common.ErrLessonAlreadyUnlocked
}

// ListUnlocks возвращает открытые уроки. courseID = 0: все курсы.
func (s *Service) ListUnlocks(ctx context.Context, userID, courseID int64) ([]*LessonUnlock, error) {
	return s.lessons.ListUnlocks(ctx, userID, courseID)
}
