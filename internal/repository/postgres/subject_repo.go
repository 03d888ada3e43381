package postgres

import (
	"errors"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/yourusername/clinic-portal/internal/domain/entity"
	apperrors "github.com/yourusername/clinic-portal/internal/pkg/errors"
)

// SubjectRepo реализует repository.SubjectRepository
type SubjectRepo struct {
	db *gorm.DB
}

// NewSubjectRepo создает новый репозиторий субъектов
func NewSubjectRepo(db *gorm.DB) *SubjectRepo {
	return &SubjectRepo{db: db}
}

// Create создает нового субъекта
func (r *SubjectRepo) Create(subject *entity.Subject) error {
	return r.db.Create(subject).Error
}

// GetByID возвращает субъекта по ID
func (r *SubjectRepo) GetByID(id uint) (*entity.Subject, error) {
	var subject entity.Subject
	err := r.db.First(&subject, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &subject, nil
}

// GetByEmployeeID возвращает субъекта по табельному номеру (EMP-.../PAT-...)
func (r *SubjectRepo) GetByEmployeeID(employeeID string) (*entity.Subject, error) {
	var subject entity.Subject
	err := r.db.Where("employee_id = ?", employeeID).First(&subject).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &subject, nil
}

// GetByEmail возвращает субъекта по email
func (r *SubjectRepo) GetByEmail(email string) (*entity.Subject, error) {
	var subject entity.Subject
	err := r.db.Where("email = ?", email).First(&subject).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return &subject, nil
}

// UpdateStatus обновляет статус учетной записи
func (r *SubjectRepo) UpdateStatus(id uint, status string) error {
	return r.db.Model(&entity.Subject{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

// UpdateProfile обновляет профиль субъекта без изменения пароля
func (r *SubjectRepo) UpdateProfile(id uint, updates map[string]interface{}) error {
	// Пароль через этот метод не обновляется
	delete(updates, "password")

	updates["updated_at"] = time.Now()

	return r.db.Model(&entity.Subject{}).Where("id = ?", id).Updates(updates).Error
}

// UpdatePassword безопасно обновляет пароль субъекта.
// Хеширует здесь и пишет напрямую, чтобы обойти хук BeforeSave
// и предотвратить двойное хеширование.
func (r *SubjectRepo) UpdatePassword(id uint, newPassword string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[SubjectRepo.UpdatePassword] Ошибка при хешировании пароля: %v", err)
		return err
	}

	result := r.db.Exec(
		"UPDATE subjects SET password = ?, updated_at = ? WHERE id = ?",
		string(hashedPassword),
		time.Now(),
		id,
	)
	if result.Error != nil {
		log.Printf("[SubjectRepo.UpdatePassword] Ошибка при обновлении пароля ID=%d: %v", id, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
