package postgres

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yourusername/clinic-portal/internal/domain/entity"
	apperrors "github.com/yourusername/clinic-portal/internal/pkg/errors"
)

// VerificationSessionRepo реализует repository.VerificationSessionRepository
type VerificationSessionRepo struct {
	db *gorm.DB
}

func NewVerificationSessionRepo(db *gorm.DB) *VerificationSessionRepo {
	return &VerificationSessionRepo{db: db}
}

func (r *VerificationSessionRepo) Create(session *entity.VerificationSession) error {
	return r.db.Create(session).Error
}

// GetActive возвращает последнюю неперекрытую сессию субъекта для данного flow.
// Consumed-сессии сюда не попадают: после успешной верификации активного кода нет.
func (r *VerificationSessionRepo) GetActive(subjectID uint, flow string) (*entity.VerificationSession, error) {
	var session entity.VerificationSession
	err := r.db.
		Where("subject_id = ? AND flow = ? AND superseded_at IS NULL AND consumed_at IS NULL", subjectID, flow).
		Order("created_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active verification session: %w", err)
	}
	return &session, nil
}

// GetVerifiedUnfinalized возвращает подтвержденную, но еще не завершенную
// финализатором сессию. Именно она дает право на complete-registration.
func (r *VerificationSessionRepo) GetVerifiedUnfinalized(subjectID uint) (*entity.VerificationSession, error) {
	var session entity.VerificationSession
	err := r.db.
		Where("subject_id = ? AND state = ? AND consumed_at IS NOT NULL AND finalized_at IS NULL AND superseded_at IS NULL",
			subjectID, entity.SessionStateVerified).
		Order("consumed_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get verified session: %w", err)
	}
	return &session, nil
}

// UpdateState применяет изменения условно: только если версия не изменилась.
// Проигранный CAS означает параллельное обновление и возвращает ErrConflict.
func (r *VerificationSessionRepo) UpdateState(id uint, version int, updates map[string]interface{}) error {
	updates["version"] = version + 1
	updates["updated_at"] = time.Now()

	result := r.db.Model(&entity.VerificationSession{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update verification session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *VerificationSessionRepo) IncrementAttempts(id uint) error {
	return r.db.Model(&entity.VerificationSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"version":       gorm.Expr("version + 1"),
		}).Error
}

func (r *VerificationSessionRepo) MarkConsumed(id uint, at time.Time) error {
	return r.db.Model(&entity.VerificationSession{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Updates(map[string]interface{}{
			"consumed_at": at,
			"state":       entity.SessionStateVerified,
			"version":     gorm.Expr("version + 1"),
		}).Error
}

func (r *VerificationSessionRepo) MarkFinalized(id uint, at time.Time) error {
	result := r.db.Model(&entity.VerificationSession{}).
		Where("id = ? AND finalized_at IS NULL", id).
		Update("finalized_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

// SupersedeActive перекрывает все живые сессии субъекта в данном flow.
// Вызывается перед созданием новой сессии: старые коды перестают действовать.
func (r *VerificationSessionRepo) SupersedeActive(subjectID uint, flow string, at time.Time) error {
	return r.db.Model(&entity.VerificationSession{}).
		Where("subject_id = ? AND flow = ? AND superseded_at IS NULL AND finalized_at IS NULL", subjectID, flow).
		Updates(map[string]interface{}{
			"superseded_at": at,
			"version":       gorm.Expr("version + 1"),
		}).Error
}

// Delete физически удаляет сессию. Используется для отката,
// когда письмо с кодом не удалось отправить.
func (r *VerificationSessionRepo) Delete(id uint) error {
	return r.db.Delete(&entity.VerificationSession{}, id).Error
}
