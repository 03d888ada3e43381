package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/yourusername/clinic-portal/internal/domain/entity"
	"github.com/yourusername/clinic-portal/internal/domain/repository"
	apperrors "github.com/yourusername/clinic-portal/internal/pkg/errors"
	"github.com/yourusername/clinic-portal/pkg/otp"
)

const minPasswordLength = 8

// CompleteRegistrationInput carries the credential and profile fields a
// verified subject submits to finish onboarding.
type CompleteRegistrationInput struct {
	Password        string
	PasswordConfirm string
	FirstName       string
	LastName        string
	Phone           string
}

// RegistrationService is the finalizer: it validates the invitation secret at
// the start of onboarding and converts a verified session into a registered,
// credentialed account at the end. It never reads verification codes itself.
type RegistrationService struct {
	subjectRepo repository.SubjectRepository
	sessionRepo repository.VerificationSessionRepository
	codec       *otp.Codec
	now         func() time.Time
}

func NewRegistrationService(
	subjectRepo repository.SubjectRepository,
	sessionRepo repository.VerificationSessionRepository,
	codec *otp.Codec,
) (*RegistrationService, error) {
	if subjectRepo == nil {
		return nil, fmt.Errorf("subject repository is required")
	}
	if sessionRepo == nil {
		return nil, fmt.Errorf("verification session repository is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("otp codec is required")
	}
	return &RegistrationService{
		subjectRepo: subjectRepo,
		sessionRepo: sessionRepo,
		codec:       codec,
		now:         time.Now,
	}, nil
}

// WithClock подменяет источник времени, используется в тестах.
func (s *RegistrationService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// ValidateIdentity проверяет секрет приглашения и переводит субъекта
// invited -> validated. Ответ не различает "нет такого субъекта" и
// "неверный секрет", чтобы не раскрывать существование приглашения.
func (s *RegistrationService) ValidateIdentity(ctx context.Context, employeeID, secretCode string) (*entity.Subject, error) {
	employeeID = strings.TrimSpace(employeeID)
	secretCode = strings.TrimSpace(secretCode)
	if employeeID == "" || secretCode == "" {
		return nil, fmt.Errorf("%w: identifier and secret code are required", apperrors.ErrValidation)
	}

	subject, err := s.subjectRepo.GetByEmployeeID(employeeID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, ErrIdentityValidationFailed
		}
		return nil, err
	}

	if subject.InviteCodeHash == "" || !s.codec.Matches(secretCode, subject.InviteCodeSalt, subject.InviteCodeHash) {
		return nil, ErrIdentityValidationFailed
	}

	// Повторная проверка уже провалидированного приглашения допустима
	// (пользователь мог перезапустить flow), статус при этом не откатывается.
	if subject.Status == entity.StatusInvited {
		if err := s.subjectRepo.UpdateStatus(subject.ID, entity.StatusValidated); err != nil {
			return nil, fmt.Errorf("failed to advance subject status: %w", err)
		}
		subject.Status = entity.StatusValidated
	}

	log.Printf("[RegistrationService] Identity validated for %s (subject ID=%d)", employeeID, subject.ID)
	return subject, nil
}

// CompleteRegistration завершает онбординг: требует подтвержденную и еще не
// использованную финализатором сессию, проверяет парольную политику,
// применяет профиль и переводит субъекта в registered.
// Сессия после этого закрыта и второй раз не финализируется.
func (s *RegistrationService) CompleteRegistration(ctx context.Context, subjectID uint, input CompleteRegistrationInput) (*entity.Subject, error) {
	if err := validatePasswordPolicy(input.Password); err != nil {
		return nil, err
	}
	// Побайтовое сравнение, без нормализации
	if input.Password != input.PasswordConfirm {
		return nil, fmt.Errorf("%w: password confirmation does not match", apperrors.ErrValidation)
	}

	subject, err := s.subjectRepo.GetByID(subjectID)
	if err != nil {
		return nil, err
	}
	if subject.IsRegistered() {
		return nil, fmt.Errorf("%w: subject is already registered", apperrors.ErrConflict)
	}

	session, err := s.sessionRepo.GetVerifiedUnfinalized(subjectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, ErrNoVerifiedSession
		}
		return nil, err
	}
	// Регистрацию завершает только onboarding-сессия; подтвержденная сессия
	// сброса пароля права на регистрацию не дает.
	if session.Flow != entity.FlowEmployeeValidation && session.Flow != entity.FlowPatientRegistration {
		return nil, ErrNoVerifiedSession
	}

	// Финализация первой — повторный запрос не сможет зарегистрироваться
	// по той же сессии.
	if err := s.sessionRepo.MarkFinalized(session.ID, s.now()); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, ErrNoVerifiedSession
		}
		return nil, fmt.Errorf("failed to finalize verification session: %w", err)
	}

	updates := map[string]interface{}{
		"email":  session.TargetContact,
		"status": entity.StatusRegistered,
	}
	if v := strings.TrimSpace(input.FirstName); v != "" {
		updates["first_name"] = v
	}
	if v := strings.TrimSpace(input.LastName); v != "" {
		updates["last_name"] = v
	}
	if v := strings.TrimSpace(input.Phone); v != "" {
		updates["phone"] = v
	}
	if err := s.subjectRepo.UpdateProfile(subjectID, updates); err != nil {
		return nil, fmt.Errorf("failed to update subject profile: %w", err)
	}
	if err := s.subjectRepo.UpdatePassword(subjectID, input.Password); err != nil {
		return nil, fmt.Errorf("failed to set credential: %w", err)
	}

	subject, err = s.subjectRepo.GetByID(subjectID)
	if err != nil {
		return nil, err
	}

	log.Printf("[RegistrationService] Subject ID=%d (%s) registered", subject.ID, subject.EmployeeID)
	return subject, nil
}

// CompletePasswordReset завершает flow восстановления пароля: требует
// подтвержденную сессию password_reset и ставит новый пароль.
func (s *RegistrationService) CompletePasswordReset(ctx context.Context, subjectID uint, password, passwordConfirm string) error {
	if err := validatePasswordPolicy(password); err != nil {
		return err
	}
	if password != passwordConfirm {
		return fmt.Errorf("%w: password confirmation does not match", apperrors.ErrValidation)
	}

	session, err := s.sessionRepo.GetVerifiedUnfinalized(subjectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return ErrNoVerifiedSession
		}
		return err
	}
	if session.Flow != entity.FlowPasswordReset {
		return ErrNoVerifiedSession
	}

	if err := s.sessionRepo.MarkFinalized(session.ID, s.now()); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return ErrNoVerifiedSession
		}
		return fmt.Errorf("failed to finalize verification session: %w", err)
	}

	if err := s.subjectRepo.UpdatePassword(subjectID, password); err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}

	log.Printf("[RegistrationService] Password reset completed for subject ID=%d", subjectID)
	return nil
}

// validatePasswordPolicy проверяет парольную политику портала:
// минимум 8 символов, заглавная буква, цифра и спецсимвол.
// Каждый провал дает отдельное сообщение.
func validatePasswordPolicy(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", apperrors.ErrValidation, minPasswordLength)
	}

	var hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			hasSymbol = true
		}
	}
	if !hasUpper {
		return fmt.Errorf("%w: password must contain an uppercase letter", apperrors.ErrValidation)
	}
	if !hasDigit {
		return fmt.Errorf("%w: password must contain a digit", apperrors.ErrValidation)
	}
	if !hasSymbol {
		return fmt.Errorf("%w: password must contain a symbol", apperrors.ErrValidation)
	}
	return nil
}
