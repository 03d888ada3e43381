package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/clinic-portal/internal/domain/entity"
	"github.com/yourusername/clinic-portal/internal/domain/repository"
	apperrors "github.com/yourusername/clinic-portal/internal/pkg/errors"
	"github.com/yourusername/clinic-portal/internal/service"
	"github.com/yourusername/clinic-portal/pkg/auth"
)

// VerificationHandler — тонкий оркестратор flow верификации: каждый endpoint
// отправляет ровно один intent в движок и транслирует результат клиенту.
// Таймеры cooldown/expiry на клиенте — только отображение; авторитетная
// проверка всегда здесь, на сервере.
type VerificationHandler struct {
	verificationService *service.VerificationService
	registrationService *service.RegistrationService
	subjectRepo         repository.SubjectRepository
	tokenService        *auth.FlowTokenService
}

func NewVerificationHandler(
	verificationService *service.VerificationService,
	registrationService *service.RegistrationService,
	subjectRepo repository.SubjectRepository,
	tokenService *auth.FlowTokenService,
) *VerificationHandler {
	return &VerificationHandler{
		verificationService: verificationService,
		registrationService: registrationService,
		subjectRepo:         subjectRepo,
		tokenService:        tokenService,
	}
}

// Структуры запросов

// ValidateIdentityRequest — вход в onboarding: табельный номер + секрет приглашения
type ValidateIdentityRequest struct {
	Identifier string `json:"identifier" binding:"required,min=3,max=20"`
	SecretCode string `json:"secret_code" binding:"required"`
}

// StartEmailChangeRequest — вход во flow смены email для зарегистрированного субъекта
type StartEmailChangeRequest struct {
	Identifier string `json:"identifier" binding:"required,min=3,max=20"`
	Password   string `json:"password" binding:"required"`
}

// RequestPasswordResetRequest — вход во flow восстановления пароля
type RequestPasswordResetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ClaimContactRequest представляет заявку контакта на подтверждение
type ClaimContactRequest struct {
	Contact string `json:"contact" binding:"required,email"`
}

// VerifyCodeRequest представляет проверку кода
type VerifyCodeRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

// CompleteRegistrationRequest представляет завершение регистрации
type CompleteRegistrationRequest struct {
	Password        string `json:"password" binding:"required,min=8,max=72"`
	PasswordConfirm string `json:"password_confirm" binding:"required"`
	FirstName       string `json:"first_name" binding:"omitempty,max=100"`
	LastName        string `json:"last_name" binding:"omitempty,max=100"`
	Phone           string `json:"phone" binding:"omitempty,max=20"`
}

// CompletePasswordResetRequest представляет завершение сброса пароля
type CompletePasswordResetRequest struct {
	Password        string `json:"password" binding:"required,min=8,max=72"`
	PasswordConfirm string `json:"password_confirm" binding:"required"`
}

// ValidateIdentity проверяет приглашение и выдает flow-токен.
// Flow выбирается по виду субъекта: staff -> employee_validation,
// patient -> patient_registration.
func (h *VerificationHandler) ValidateIdentity(c *gin.Context) {
	var req ValidateIdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	subject, err := h.registrationService.ValidateIdentity(c.Request.Context(), req.Identifier, req.SecretCode)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	flow := entity.FlowEmployeeValidation
	if subject.Kind == entity.SubjectKindPatient {
		flow = entity.FlowPatientRegistration
	}

	token, err := h.tokenService.Issue(subject.ID, flow)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flow":      flow,
		"flowToken": token,
		"subject": gin.H{
			"employee_id": subject.EmployeeID,
			"status":      subject.Status,
		},
	})
}

// StartEmailChange открывает flow смены email: субъект подтверждает пароль
// и получает flow-токен для claim/verify нового адреса.
func (h *VerificationHandler) StartEmailChange(c *gin.Context) {
	var req StartEmailChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	subject, err := h.subjectRepo.GetByEmployeeID(req.Identifier)
	if err != nil || !subject.IsRegistered() || !subject.CheckPassword(req.Password) {
		// Не раскрываем, что именно не совпало
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Неверные учетные данные", "error_type": "invalid_credentials"})
		return
	}

	token, err := h.tokenService.Issue(subject.ID, entity.FlowEmailChange)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"flow":      entity.FlowEmailChange,
		"flowToken": token,
	})
}

// Единый ответ на запрос сброса пароля: он не должен отличаться
// для существующих и несуществующих учетных записей.
const passwordResetAcceptedMessage = "Если учетная запись существует, код отправлен на указанный адрес"

// RequestPasswordReset открывает flow восстановления пароля: код сразу
// уходит на email-of-record, смена контакта в этом flow запрещена.
func (h *VerificationHandler) RequestPasswordReset(c *gin.Context) {
	var req RequestPasswordResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	subject, err := h.subjectRepo.GetByEmail(req.Email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Существование учетной записи не раскрываем
			c.JSON(http.StatusOK, gin.H{"message": passwordResetAcceptedMessage})
			return
		}
		h.handleVerificationError(c, err)
		return
	}

	if _, err := h.verificationService.ClaimContact(c.Request.Context(), entity.FlowPasswordReset, subject.ID, req.Email); err != nil {
		// Ожидаемые отказы протокола (сбой доставки, cooldown, конфликт
		// контакта) тоже не должны выдавать существование учетной записи:
		// ответ совпадает с ответом для неизвестного адреса.
		if errors.Is(err, service.ErrDeliveryFailed) ||
			errors.Is(err, service.ErrVerificationResendCooldown) ||
			errors.Is(err, service.ErrContactConflict) ||
			errors.Is(err, apperrors.ErrValidation) {
			log.Printf("[VerificationHandler] Password reset claim failed: %v", err)
			c.JSON(http.StatusOK, gin.H{"message": passwordResetAcceptedMessage})
			return
		}
		h.handleVerificationError(c, err)
		return
	}

	token, err := h.tokenService.Issue(subject.ID, entity.FlowPasswordReset)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   passwordResetAcceptedMessage,
		"flow":      entity.FlowPasswordReset,
		"flowToken": token,
	})
}

// ClaimContact заявляет контакт на подтверждение и отправляет код
func (h *VerificationHandler) ClaimContact(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	var req ClaimContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	session, err := h.verificationService.ClaimContact(c.Request.Context(), flow, subjectID, req.Contact)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Код подтверждения отправлен",
		"state":      session.State,
		"expires_at": session.ExpiresAt,
	})
}

// ResendCode повторно отправляет код. Заголовок Idempotency-Key защищает
// от двойного применения при сетевых ретраях.
func (h *VerificationHandler) ResendCode(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	if err := h.verificationService.Resend(c.Request.Context(), flow, subjectID, c.GetHeader("Idempotency-Key")); err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Код подтверждения отправлен повторно"})
}

// VerifyCode проверяет введенный код
func (h *VerificationHandler) VerifyCode(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	var req VerifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	if err := h.verificationService.VerifyCode(c.Request.Context(), flow, subjectID, req.Code, c.GetHeader("Idempotency-Key")); err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Контакт подтвержден"})
}

// ChangeContact меняет подтверждаемый адрес посреди flow
func (h *VerificationHandler) ChangeContact(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	var req ClaimContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	session, err := h.verificationService.ChangeContact(c.Request.Context(), flow, subjectID, req.Contact)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Код подтверждения отправлен на новый адрес",
		"state":      session.State,
		"expires_at": session.ExpiresAt,
	})
}

// Status возвращает состояние сессии для клиентских таймеров
func (h *VerificationHandler) Status(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	status, err := h.verificationService.Status(c.Request.Context(), flow, subjectID)
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// CompleteRegistration завершает онбординг подтвержденного субъекта
func (h *VerificationHandler) CompleteRegistration(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	if flow != entity.FlowEmployeeValidation && flow != entity.FlowPatientRegistration {
		c.JSON(http.StatusForbidden, gin.H{"error": "Регистрация недоступна в этом flow", "error_type": "forbidden"})
		return
	}

	var req CompleteRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	subject, err := h.registrationService.CompleteRegistration(c.Request.Context(), subjectID, service.CompleteRegistrationInput{
		Password:        req.Password,
		PasswordConfirm: req.PasswordConfirm,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Phone:           req.Phone,
	})
	if err != nil {
		h.handleVerificationError(c, err)
		return
	}

	log.Printf("[VerificationHandler] Субъект ID=%d (%s) завершил регистрацию", subject.ID, subject.EmployeeID)

	c.JSON(http.StatusOK, gin.H{
		"message": "Регистрация завершена",
		"subject": gin.H{
			"employee_id": subject.EmployeeID,
			"email":       subject.Email,
			"status":      subject.Status,
		},
	})
}

// CompletePasswordReset завершает сброс пароля
func (h *VerificationHandler) CompletePasswordReset(c *gin.Context) {
	subjectID := c.MustGet("subject_id").(uint)
	flow := c.MustGet("flow").(string)

	if flow != entity.FlowPasswordReset {
		c.JSON(http.StatusForbidden, gin.H{"error": "Сброс пароля недоступен в этом flow", "error_type": "forbidden"})
		return
	}

	var req CompletePasswordResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "error_type": "validation_error"})
		return
	}

	if err := h.registrationService.CompletePasswordReset(c.Request.Context(), subjectID, req.Password, req.PasswordConfirm); err != nil {
		h.handleVerificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Пароль обновлен"})
}

// handleVerificationError переводит ошибки сервисов в HTTP-ответы.
// Каждому виду — свой error_type и отличимое сообщение: пользователь
// не должен перенабирать истекший код, считая его просто неверным.
func (h *VerificationHandler) handleVerificationError(c *gin.Context, err error) {
	log.Printf("[VerificationHandler] Verification error: %v", err)

	switch {
	case errors.Is(err, service.ErrIdentityValidationFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Идентификатор или код приглашения неверны", "error_type": "identity_validation_failed"})
	case errors.Is(err, service.ErrContactConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Адрес уже закреплен за другой учетной записью", "error_type": "contact_conflict"})
	case errors.Is(err, service.ErrVerificationExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Срок действия кода истек, запросите новый", "error_type": "code_expired"})
	case errors.Is(err, service.ErrInvalidVerificationCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный код подтверждения", "error_type": "invalid_code"})
	case errors.Is(err, service.ErrVerificationLocked):
		c.JSON(http.StatusLocked, gin.H{"error": "Превышен лимит попыток, начните проверку заново", "error_type": "locked"})
	case errors.Is(err, service.ErrVerificationResendCooldown):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Повторная отправка пока недоступна, подождите", "error_type": "resend_cooldown"})
	case errors.Is(err, service.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Не удалось отправить код, попробуйте еще раз", "error_type": "delivery_failed"})
	case errors.Is(err, service.ErrNoVerifiedSession):
		c.JSON(http.StatusConflict, gin.H{"error": "Нет подтвержденного адреса для завершения операции", "error_type": "no_verified_session"})
	case errors.Is(err, service.ErrContactChangeNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "Смена адреса в этом flow запрещена", "error_type": "contact_change_not_allowed"})
	case errors.Is(err, service.ErrVerificationFlowNotSupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Неизвестный flow верификации", "error_type": "flow_not_supported"})
	case errors.Is(err, apperrors.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ошибка валидации данных", "error_type": "validation_error"})
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Запрашиваемый ресурс не найден", "error_type": "not_found"})
	case errors.Is(err, apperrors.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Запрос уже обрабатывается, повторите позже", "error_type": "conflict"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Внутренняя ошибка сервера", "error_type": "internal_server_error"})
	}
}
