package entity

import (
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Статусы учетной записи. Статус движется только вперед:
// invited -> validated -> email_verified -> registered.
// Откат к invited возможен только повторной выдачей приглашения (админское действие).
const (
	StatusInvited       = "invited"
	StatusValidated     = "validated"
	StatusEmailVerified = "email_verified"
	StatusRegistered    = "registered"
)

// Виды субъектов портала
const (
	SubjectKindStaff   = "staff"
	SubjectKindPatient = "patient"
)

var statusOrder = map[string]int{
	StatusInvited:       0,
	StatusValidated:     1,
	StatusEmailVerified: 2,
	StatusRegistered:    3,
}

// Subject представляет сотрудника или пациента, проходящего онбординг
type Subject struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	EmployeeID string `gorm:"size:20;not null;uniqueIndex" json:"employee_id"` // "EMP-000123" или "PAT-000123"
	Kind       string `gorm:"size:10;not null;default:'staff'" json:"kind"`    // staff или patient
	Email      string `gorm:"size:100;not null;index" json:"email"`
	Password   string `gorm:"size:100;not null;default:''" json:"-"`
	FirstName  string `gorm:"size:100;not null;default:''" json:"first_name"`
	LastName   string `gorm:"size:100;not null;default:''" json:"last_name"`
	Phone      string `gorm:"size:20;not null;default:''" json:"phone"`
	Status     string `gorm:"size:20;not null;default:'invited';index" json:"status"`

	// Секрет приглашения для первичной проверки личности (validate-identity).
	// Хранится только хеш, по той же схеме, что и OTP-коды.
	InviteCodeHash string `gorm:"size:64;not null;default:''" json:"-"`
	InviteCodeSalt string `gorm:"size:64;not null;default:''" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName определяет имя таблицы для GORM
func (Subject) TableName() string {
	return "subjects"
}

// BeforeSave хеширует пароль перед сохранением, только если он не является bcrypt-хешем
func (s *Subject) BeforeSave(tx *gorm.DB) error {
	if len(s.Password) > 0 && !strings.HasPrefix(s.Password, "$2a$") &&
		!strings.HasPrefix(s.Password, "$2b$") && !strings.HasPrefix(s.Password, "$2y$") {
		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(s.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[Subject.BeforeSave] Ошибка при хешировании пароля для employee_id=%s: %v", s.EmployeeID, err)
			return err
		}
		s.Password = string(hashedPassword)
	}
	return nil
}

// CheckPassword проверяет, соответствует ли переданный пароль хешу
func (s *Subject) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(s.Password), []byte(password))
	return err == nil
}

// IsRegistered возвращает true, если субъект завершил регистрацию
func (s *Subject) IsRegistered() bool {
	return s.Status == StatusRegistered
}

// CanAdvanceTo проверяет, что переход статуса идет строго вперед
func (s *Subject) CanAdvanceTo(status string) bool {
	current, ok := statusOrder[s.Status]
	if !ok {
		return false
	}
	next, ok := statusOrder[status]
	if !ok {
		return false
	}
	return next > current
}
