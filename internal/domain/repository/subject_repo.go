package repository

import "github.com/yourusername/clinic-portal/internal/domain/entity"

// SubjectRepository is the account directory for staff and patients.
type SubjectRepository interface {
	Create(subject *entity.Subject) error
	GetByID(id uint) (*entity.Subject, error)
	GetByEmployeeID(employeeID string) (*entity.Subject, error)
	GetByEmail(email string) (*entity.Subject, error)
	UpdateStatus(id uint, status string) error
	UpdateProfile(id uint, updates map[string]interface{}) error
	UpdatePassword(id uint, newPassword string) error
}
