package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/clinic-portal/internal/domain/entity"
	"github.com/yourusername/clinic-portal/internal/domain/repository"
	apperrors "github.com/yourusername/clinic-portal/internal/pkg/errors"
	"github.com/yourusername/clinic-portal/pkg/otp"
)

// Исходы intent'ов, сохраняемые в idempotency-кеше.
// Ретрай с тем же ключом получает тот же исход без повторного применения.
const (
	outcomeVerified = "verified"
	outcomeInvalid  = "invalid_code"
	outcomeExpired  = "expired"
	outcomeLocked   = "locked"
	outcomeCooldown = "cooldown"
	outcomeResent   = "resent"
)

const sessionLockStripes = 64

var emailRegexp = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)

// VerificationStatus описывает текущее состояние сессии для клиентского
// countdown'а. Только отображение: авторитетные проверки всегда на сервере.
type VerificationStatus struct {
	Flow                 string     `json:"flow"`
	TargetContact        string     `json:"target_contact,omitempty"`
	State                string     `json:"state"`
	CanResend            bool       `json:"can_resend"`
	CooldownRemainingSec int        `json:"cooldown_remaining_sec"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	AttemptsLeft         int        `json:"attempts_left"`
}

// VerificationService — движок протокола верификации: принимает intent'ы
// (claim-contact, resend, verify-code, change-contact), проверяет инварианты
// и двигает состояние сессии. Один движок обслуживает все flow,
// различающиеся только политикой (FlowPolicy).
type VerificationService struct {
	subjectRepo     repository.SubjectRepository
	sessionRepo     repository.VerificationSessionRepository
	idempotencyRepo repository.IdempotencyRepository
	emailService    EmailService
	codec           *otp.Codec
	policies        map[string]FlowPolicy
	deliveryTimeout time.Duration
	idempotencyTTL  time.Duration

	// Интенты по одной и той же сессии сериализуются: два параллельных
	// Resend не должны выдать два "текущих" кода.
	locks [sessionLockStripes]sync.Mutex

	now func() time.Time
}

func NewVerificationService(
	subjectRepo repository.SubjectRepository,
	sessionRepo repository.VerificationSessionRepository,
	idempotencyRepo repository.IdempotencyRepository,
	emailService EmailService,
	codec *otp.Codec,
	policies map[string]FlowPolicy,
	deliveryTimeout time.Duration,
	idempotencyTTL time.Duration,
) (*VerificationService, error) {
	if subjectRepo == nil {
		return nil, fmt.Errorf("subject repository is required")
	}
	if sessionRepo == nil {
		return nil, fmt.Errorf("verification session repository is required")
	}
	if emailService == nil {
		return nil, fmt.Errorf("email service is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("otp codec is required")
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one flow policy is required")
	}
	if deliveryTimeout <= 0 {
		deliveryTimeout = 10 * time.Second
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = 10 * time.Minute
	}

	return &VerificationService{
		subjectRepo:     subjectRepo,
		sessionRepo:     sessionRepo,
		idempotencyRepo: idempotencyRepo,
		emailService:    emailService,
		codec:           codec,
		policies:        policies,
		deliveryTimeout: deliveryTimeout,
		idempotencyTTL:  idempotencyTTL,
		now:             time.Now,
	}, nil
}

// WithClock подменяет источник времени, используется в тестах.
func (s *VerificationService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

func (s *VerificationService) policyFor(flow string) (FlowPolicy, error) {
	policy, ok := s.policies[flow]
	if !ok {
		return FlowPolicy{}, fmt.Errorf("%w: %s", ErrVerificationFlowNotSupported, flow)
	}
	return policy, nil
}

func (s *VerificationService) lockFor(subjectID uint, flow string) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%s", subjectID, flow)
	return &s.locks[h.Sum32()%sessionLockStripes]
}

// ClaimContact начинает верификацию: создает сессию для (субъект, контакт),
// выдает код и отправляет его на контакт. Прежние живые сессии этого flow
// перекрываются — их коды перестают действовать.
func (s *VerificationService) ClaimContact(ctx context.Context, flow string, subjectID uint, contact string) (*entity.VerificationSession, error) {
	policy, err := s.policyFor(flow)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(subjectID, flow)
	mu.Lock()
	defer mu.Unlock()

	return s.claimContact(ctx, flow, subjectID, contact, policy)
}

// claimContact — тело ClaimContact без захвата блокировки,
// переиспользуется из ChangeContact.
func (s *VerificationService) claimContact(ctx context.Context, flow string, subjectID uint, contact string, policy FlowPolicy) (*entity.VerificationSession, error) {
	contact = strings.TrimSpace(strings.ToLower(contact))
	if !emailRegexp.MatchString(contact) {
		return nil, fmt.Errorf("%w: invalid email address", apperrors.ErrValidation)
	}

	if _, err := s.subjectRepo.GetByID(subjectID); err != nil {
		return nil, err
	}

	// Контакт, уже закрепленный за другим зарегистрированным субъектом,
	// занять нельзя.
	other, err := s.subjectRepo.GetByEmail(contact)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if err == nil && other.ID != subjectID && other.IsRegistered() {
		return nil, fmt.Errorf("%w: contact already belongs to a registered account", ErrContactConflict)
	}

	now := s.now()
	if err := s.sessionRepo.SupersedeActive(subjectID, flow, now); err != nil {
		return nil, fmt.Errorf("failed to supersede prior sessions: %w", err)
	}

	code, salt, hash, err := s.codec.Issue()
	if err != nil {
		return nil, fmt.Errorf("failed to issue verification code: %w", err)
	}

	session := &entity.VerificationSession{
		SubjectID:     subjectID,
		Flow:          flow,
		TargetContact: contact,
		CodeHash:      hash,
		CodeSalt:      salt,
		State:         entity.SessionStateCodeIssued,
		LastSentAt:    now,
		ExpiresAt:     now.Add(policy.CodeTTL),
		CooldownUntil: now.Add(policy.ResendCooldown),
		MaxAttempts:   policy.MaxAttempts,
	}
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, fmt.Errorf("failed to create verification session: %w", err)
	}

	if err := s.deliver(ctx, contact, code, fmt.Sprintf("claim:%s:%d:%d", flow, subjectID, session.ID), policy.CodeTTL); err != nil {
		// Сессия без доставленного кода бесполезна — откатываем целиком,
		// чтобы клиент мог повторить без искусственного cooldown.
		if delErr := s.sessionRepo.Delete(session.ID); delErr != nil {
			return nil, fmt.Errorf("%w: rollback also failed: %v", ErrDeliveryFailed, delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	return session, nil
}

// Resend выдает новый код взамен текущего. Пока действует cooldown —
// отказ без побочных эффектов; для истекшей сессии cooldown не применяется.
func (s *VerificationService) Resend(ctx context.Context, flow string, subjectID uint, idempotencyKey string) error {
	policy, err := s.policyFor(flow)
	if err != nil {
		return err
	}

	mu := s.lockFor(subjectID, flow)
	mu.Lock()
	defer mu.Unlock()

	replayed, prior, err := s.claimIdempotency("resend", flow, subjectID, idempotencyKey)
	if err != nil {
		return err
	}
	if replayed {
		return outcomeToError(prior)
	}

	// Intent без зафиксированного исхода снимает pending-заявку: ретрай
	// с тем же ключом должен примениться заново, а не упереться в conflict
	// до истечения TTL ключа.
	committed := false
	defer func() {
		if !committed {
			s.releaseClaim("resend", flow, subjectID, idempotencyKey)
		}
	}()
	commit := func(outcome string) {
		s.storeOutcome("resend", flow, subjectID, idempotencyKey, outcome)
		committed = true
	}

	session, err := s.sessionRepo.GetActive(subjectID, flow)
	if err != nil {
		return err
	}

	now := s.now()
	if session.IsLocked() {
		commit(outcomeLocked)
		return fmt.Errorf("%w: restart verification with a new claim", ErrVerificationLocked)
	}

	expired := session.IsExpired(now)
	if !expired && session.InCooldown(now) {
		commit(outcomeCooldown)
		remaining := int(session.CooldownUntil.Sub(now).Seconds())
		return fmt.Errorf("%w: retry in %d seconds", ErrVerificationResendCooldown, remaining)
	}

	code, salt, hash, err := s.codec.Issue()
	if err != nil {
		return fmt.Errorf("failed to issue verification code: %w", err)
	}

	// Сначала доставка, затем фиксация: при неудачной отправке состояние
	// сессии не меняется и клиент может повторить сразу.
	if err := s.deliver(ctx, session.TargetContact, code, fmt.Sprintf("resend:%s:%d:%d:%d", flow, subjectID, session.ID, session.ResendCount+1), policy.CodeTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	updates := map[string]interface{}{
		"code_hash":      hash,
		"code_salt":      salt,
		"state":          entity.SessionStateCodeIssued,
		"last_sent_at":   now,
		"expires_at":     now.Add(policy.CodeTTL),
		"cooldown_until": now.Add(policy.ResendCooldown),
		"attempt_count":  0,
		"resend_count":   session.ResendCount + 1,
	}
	if err := s.sessionRepo.UpdateState(session.ID, session.Version, updates); err != nil {
		return err
	}

	commit(outcomeResent)
	return nil
}

// VerifyCode проверяет код кандидата против активной сессии.
// Несовпадение тратит попытку; пересечение порога блокирует сессию.
func (s *VerificationService) VerifyCode(ctx context.Context, flow string, subjectID uint, code, idempotencyKey string) error {
	if _, err := s.policyFor(flow); err != nil {
		return err
	}

	code = strings.TrimSpace(code)
	if len(code) != s.codec.Length() || !isDigits(code) {
		return fmt.Errorf("%w: code must be %d digits", apperrors.ErrValidation, s.codec.Length())
	}

	mu := s.lockFor(subjectID, flow)
	mu.Lock()
	defer mu.Unlock()

	replayed, prior, err := s.claimIdempotency("verify", flow, subjectID, idempotencyKey)
	if err != nil {
		return err
	}
	if replayed {
		return outcomeToError(prior)
	}

	// Intent без зафиксированного исхода снимает pending-заявку,
	// см. комментарий в Resend.
	committed := false
	defer func() {
		if !committed {
			s.releaseClaim("verify", flow, subjectID, idempotencyKey)
		}
	}()
	commit := func(outcome string) {
		s.storeOutcome("verify", flow, subjectID, idempotencyKey, outcome)
		committed = true
	}

	session, err := s.sessionRepo.GetActive(subjectID, flow)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			commit(outcomeInvalid)
			return ErrInvalidVerificationCode
		}
		return err
	}

	now := s.now()
	if session.IsLocked() {
		commit(outcomeLocked)
		return fmt.Errorf("%w: restart verification with a new claim", ErrVerificationLocked)
	}

	if session.IsExpired(now) {
		// Ленивая фиксация истечения; проигранный CAS здесь не важен —
		// сессия в любом случае непригодна.
		_ = s.sessionRepo.UpdateState(session.ID, session.Version, map[string]interface{}{
			"state": entity.SessionStateExpired,
		})
		commit(outcomeExpired)
		return ErrVerificationExpired
	}

	if !s.codec.Matches(code, session.CodeSalt, session.CodeHash) {
		attempts := session.AttemptCount + 1
		if attempts >= session.MaxAttempts {
			if err := s.sessionRepo.UpdateState(session.ID, session.Version, map[string]interface{}{
				"attempt_count": attempts,
				"state":         entity.SessionStateLocked,
			}); err != nil {
				return err
			}
			commit(outcomeLocked)
			return fmt.Errorf("%w: attempt limit reached", ErrVerificationLocked)
		}
		if err := s.sessionRepo.IncrementAttempts(session.ID); err != nil {
			return err
		}
		commit(outcomeInvalid)
		return ErrInvalidVerificationCode
	}

	if err := s.sessionRepo.MarkConsumed(session.ID, now); err != nil {
		return fmt.Errorf("failed to mark session consumed: %w", err)
	}

	if err := s.applyVerifiedContact(flow, subjectID, session.TargetContact); err != nil {
		return err
	}

	commit(outcomeVerified)
	return nil
}

// applyVerifiedContact обновляет субъекта после подтверждения контакта.
// Для смены email новый адрес применяется сразу; в onboarding-flow
// email-of-record выставит финализатор, здесь двигается только статус.
func (s *VerificationService) applyVerifiedContact(flow string, subjectID uint, contact string) error {
	subject, err := s.subjectRepo.GetByID(subjectID)
	if err != nil {
		return err
	}

	if flow == entity.FlowEmailChange {
		if err := s.subjectRepo.UpdateProfile(subjectID, map[string]interface{}{"email": contact}); err != nil {
			return fmt.Errorf("failed to apply verified contact: %w", err)
		}
	}

	if subject.CanAdvanceTo(entity.StatusEmailVerified) {
		if err := s.subjectRepo.UpdateStatus(subjectID, entity.StatusEmailVerified); err != nil {
			return fmt.Errorf("failed to advance subject status: %w", err)
		}
	}
	return nil
}

// ChangeContact меняет подтверждаемый адрес посреди flow: прежняя сессия
// перекрывается (старый код и счетчики аннулируются), для нового контакта
// создается свежая сессия через обычный claim.
func (s *VerificationService) ChangeContact(ctx context.Context, flow string, subjectID uint, newContact string) (*entity.VerificationSession, error) {
	policy, err := s.policyFor(flow)
	if err != nil {
		return nil, err
	}
	if !policy.AllowContactChange {
		return nil, fmt.Errorf("%w: %s", ErrContactChangeNotAllowed, flow)
	}

	mu := s.lockFor(subjectID, flow)
	mu.Lock()
	defer mu.Unlock()

	newContact = strings.TrimSpace(strings.ToLower(newContact))
	session, err := s.sessionRepo.GetActive(subjectID, flow)
	if err == nil && session.TargetContact == newContact {
		return nil, fmt.Errorf("%w: contact is unchanged", apperrors.ErrValidation)
	}
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	return s.claimContact(ctx, flow, subjectID, newContact, policy)
}

// Status возвращает состояние сессии для отрисовки шага и таймеров.
func (s *VerificationService) Status(ctx context.Context, flow string, subjectID uint) (*VerificationStatus, error) {
	if _, err := s.policyFor(flow); err != nil {
		return nil, err
	}

	status := &VerificationStatus{
		Flow:  flow,
		State: entity.SessionStatePending,
	}

	session, err := s.sessionRepo.GetActive(subjectID, flow)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			status.CanResend = false
			return status, nil
		}
		return nil, err
	}

	now := s.now()
	status.TargetContact = session.TargetContact
	status.State = session.State
	status.AttemptsLeft = session.AttemptsLeft()

	switch {
	case session.IsLocked():
		status.State = entity.SessionStateLocked
		status.AttemptsLeft = 0
	case session.IsExpired(now):
		status.State = entity.SessionStateExpired
		status.CanResend = true // для истекшей сессии cooldown не действует
	default:
		exp := session.ExpiresAt
		status.ExpiresAt = &exp
		if session.InCooldown(now) {
			status.CooldownRemainingSec = int(session.CooldownUntil.Sub(now).Seconds())
		} else {
			status.CanResend = true
		}
	}

	return status, nil
}

// deliver отправляет код с ограниченным по времени контекстом.
// Зависший шлюз доставки не должен держать запрос дольше таймаута.
func (s *VerificationService) deliver(ctx context.Context, contact, code, idempotencyKey string, ttl time.Duration) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()
	return s.emailService.SendVerificationCode(sendCtx, contact, code, idempotencyKey, ttl)
}

// claimIdempotency регистрирует ключ intent'а. Без ключа дедупликация
// не выполняется: сгенерированный на сервере ключ никогда не совпадет
// с ключом ретрая.
func (s *VerificationService) claimIdempotency(intent, flow string, subjectID uint, key string) (replayed bool, outcome string, err error) {
	if key == "" || s.idempotencyRepo == nil {
		return false, "", nil
	}
	fullKey := fmt.Sprintf("%s:%s:%d:%s", intent, flow, subjectID, key)
	outcome, replay, err := s.idempotencyRepo.Claim(fullKey, s.idempotencyTTL)
	if err != nil {
		return false, "", err
	}
	return replay, outcome, nil
}

func (s *VerificationService) storeOutcome(intent, flow string, subjectID uint, key, outcome string) {
	if key == "" || s.idempotencyRepo == nil {
		return
	}
	fullKey := fmt.Sprintf("%s:%s:%d:%s", intent, flow, subjectID, key)
	_ = s.idempotencyRepo.StoreOutcome(fullKey, outcome, s.idempotencyTTL)
}

// releaseClaim снимает pending-заявку intent'а, который завершился без
// зафиксированного исхода (транзиентная ошибка хранилища или доставки).
func (s *VerificationService) releaseClaim(intent, flow string, subjectID uint, key string) {
	if key == "" || s.idempotencyRepo == nil {
		return
	}
	fullKey := fmt.Sprintf("%s:%s:%d:%s", intent, flow, subjectID, key)
	_ = s.idempotencyRepo.Release(fullKey)
}

// outcomeToError переводит сохраненный исход в тот же результат,
// что получил первый запрос.
func outcomeToError(outcome string) error {
	switch outcome {
	case outcomeVerified, outcomeResent:
		return nil
	case outcomeInvalid:
		return ErrInvalidVerificationCode
	case outcomeExpired:
		return ErrVerificationExpired
	case outcomeLocked:
		return fmt.Errorf("%w: attempt limit reached", ErrVerificationLocked)
	case outcomeCooldown:
		return fmt.Errorf("%w: duplicate request", ErrVerificationResendCooldown)
	default:
		// Первое применение еще выполняется параллельным запросом
		return apperrors.ErrConflict
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
