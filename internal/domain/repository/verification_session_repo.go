package repository

import (
	"time"

	"github.com/yourusername/clinic-portal/internal/domain/entity"
)

// VerificationSessionRepository persists verification protocol state.
//
// UpdateState is a conditional write: it applies updates only when the stored
// version still matches, bumps the version, and returns apperrors.ErrConflict
// when a concurrent writer got there first.
type VerificationSessionRepository interface {
	Create(session *entity.VerificationSession) error
	GetActive(subjectID uint, flow string) (*entity.VerificationSession, error)
	GetVerifiedUnfinalized(subjectID uint) (*entity.VerificationSession, error)
	UpdateState(id uint, version int, updates map[string]interface{}) error
	IncrementAttempts(id uint) error
	MarkConsumed(id uint, at time.Time) error
	MarkFinalized(id uint, at time.Time) error
	SupersedeActive(subjectID uint, flow string, at time.Time) error
	Delete(id uint) error
}
