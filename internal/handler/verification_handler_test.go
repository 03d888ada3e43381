package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/clinic-portal/internal/domain/entity"
	apperrors "github.com/yourusername/clinic-portal/internal/pkg/errors"
	"github.com/yourusername/clinic-portal/internal/service"
	"github.com/yourusername/clinic-portal/pkg/auth"
	"github.com/yourusername/clinic-portal/pkg/otp"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestGinContext создает *gin.Context для тестов с JSON body
func newTestGinContext(method, path string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()

	var req *http.Request
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		req, _ = http.NewRequest(method, path, bytes.NewReader(bodyBytes))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}

	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c, w
}

// newFlowStepContext дополнительно кладет subject_id и flow, как это делает
// FlowTokenMiddleware после проверки токена
func newFlowStepContext(method, path string, body interface{}, flow string) (*gin.Context, *httptest.ResponseRecorder) {
	c, w := newTestGinContext(method, path, body)
	c.Set("subject_id", uint(1))
	c.Set("flow", flow)
	return c, w
}

// parseJSONResponse парсит JSON ответ из *httptest.ResponseRecorder
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err, "Response body should be valid JSON: %s", w.Body.String())
	return resp
}

// ============================================================================
// Request validation tests — binding отклоняет запрос до вызова сервисов,
// поэтому handler с nil-зависимостями безопасен
// ============================================================================

func TestValidateIdentity_ValidationErrors(t *testing.T) {
	handler := &VerificationHandler{}

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "empty body", body: nil},
		{name: "missing identifier", body: map[string]string{"secret_code": "483920"}},
		{name: "missing secret code", body: map[string]string{"identifier": "EMP-1001"}},
		{name: "identifier too short", body: map[string]string{"identifier": "ab", "secret_code": "483920"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestGinContext("POST", "/api/verification/validate-identity", tt.body)
			handler.ValidateIdentity(c)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, "validation_error", resp["error_type"])
		})
	}
}

func TestClaimContact_ValidationErrors(t *testing.T) {
	handler := &VerificationHandler{}

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "empty body", body: nil},
		{name: "missing contact", body: map[string]string{}},
		{name: "not an email", body: map[string]string{"contact": "not-an-email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newFlowStepContext("POST", "/api/verification/claim-contact", tt.body, entity.FlowEmployeeValidation)
			handler.ClaimContact(c)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, "validation_error", resp["error_type"])
		})
	}
}

func TestVerifyCode_ValidationErrors(t *testing.T) {
	handler := &VerificationHandler{}

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "empty body", body: nil},
		{name: "missing code", body: map[string]string{}},
		{name: "code too short", body: map[string]string{"code": "12345"}},
		{name: "code too long", body: map[string]string{"code": "1234567"}},
		{name: "code with letters", body: map[string]string{"code": "12a456"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newFlowStepContext("POST", "/api/verification/verify-code", tt.body, entity.FlowEmployeeValidation)
			handler.VerifyCode(c)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, "validation_error", resp["error_type"])
		})
	}
}

func TestCompleteRegistration_ValidationErrors(t *testing.T) {
	handler := &VerificationHandler{}

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "empty body", body: nil},
		{name: "password too short", body: map[string]string{"password": "Ab1!", "password_confirm": "Ab1!"}},
		{name: "missing confirm", body: map[string]string{"password": "Str0ng!Pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newFlowStepContext("POST", "/api/verification/complete-registration", tt.body, entity.FlowEmployeeValidation)
			handler.CompleteRegistration(c)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, "validation_error", resp["error_type"])
		})
	}
}

// ============================================================================
// Flow-гейты финализации: чужой flow отклоняется до чтения тела
// ============================================================================

func TestCompleteRegistration_WrongFlowForbidden(t *testing.T) {
	handler := &VerificationHandler{}

	for _, flow := range []string{entity.FlowEmailChange, entity.FlowPasswordReset} {
		t.Run(flow, func(t *testing.T) {
			c, w := newFlowStepContext("POST", "/api/verification/complete-registration", nil, flow)
			handler.CompleteRegistration(c)

			assert.Equal(t, http.StatusForbidden, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, "forbidden", resp["error_type"])
		})
	}
}

func TestCompletePasswordReset_WrongFlowForbidden(t *testing.T) {
	handler := &VerificationHandler{}

	for _, flow := range []string{entity.FlowEmployeeValidation, entity.FlowEmailChange, entity.FlowPatientRegistration} {
		t.Run(flow, func(t *testing.T) {
			c, w := newFlowStepContext("POST", "/api/verification/password-reset/complete", nil, flow)
			handler.CompletePasswordReset(c)

			assert.Equal(t, http.StatusForbidden, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, "forbidden", resp["error_type"])
		})
	}
}

// ============================================================================
// RequestPasswordReset: ответ не раскрывает существование учетной записи
// ============================================================================

// Стабы для сборки настоящего VerificationService в тестах handler'а

type stubSubjectRepo struct {
	subject *entity.Subject
}

func (s *stubSubjectRepo) Create(*entity.Subject) error { return nil }

func (s *stubSubjectRepo) GetByID(id uint) (*entity.Subject, error) {
	if s.subject != nil && s.subject.ID == id {
		return s.subject, nil
	}
	return nil, apperrors.ErrNotFound
}

func (s *stubSubjectRepo) GetByEmployeeID(string) (*entity.Subject, error) {
	return nil, apperrors.ErrNotFound
}

func (s *stubSubjectRepo) GetByEmail(email string) (*entity.Subject, error) {
	if s.subject != nil && s.subject.Email == email {
		return s.subject, nil
	}
	return nil, apperrors.ErrNotFound
}

func (s *stubSubjectRepo) UpdateStatus(uint, string) error                  { return nil }
func (s *stubSubjectRepo) UpdateProfile(uint, map[string]interface{}) error { return nil }
func (s *stubSubjectRepo) UpdatePassword(uint, string) error                { return nil }

type stubSessionRepo struct{}

func (stubSessionRepo) Create(session *entity.VerificationSession) error { session.ID = 1; return nil }
func (stubSessionRepo) GetActive(uint, string) (*entity.VerificationSession, error) {
	return nil, apperrors.ErrNotFound
}
func (stubSessionRepo) GetVerifiedUnfinalized(uint) (*entity.VerificationSession, error) {
	return nil, apperrors.ErrNotFound
}
func (stubSessionRepo) UpdateState(uint, int, map[string]interface{}) error { return nil }
func (stubSessionRepo) IncrementAttempts(uint) error                        { return nil }
func (stubSessionRepo) MarkConsumed(uint, time.Time) error                  { return nil }
func (stubSessionRepo) MarkFinalized(uint, time.Time) error                 { return nil }
func (stubSessionRepo) SupersedeActive(uint, string, time.Time) error       { return nil }
func (stubSessionRepo) Delete(uint) error                                   { return nil }

type failingEmailService struct{}

func (failingEmailService) SendVerificationCode(context.Context, string, string, string, time.Duration) error {
	return errors.New("gateway down")
}

func TestRequestPasswordReset_UniformResponseHidesAccountExistence(t *testing.T) {
	// Ответ для неизвестного адреса и для существующего адреса со сбоем
	// доставки должен совпадать байт в байт
	subjectRepo := &stubSubjectRepo{subject: &entity.Subject{
		ID:     1,
		Email:  "known@clinic.example",
		Status: entity.StatusRegistered,
	}}

	codec, err := otp.NewCodec(6, "test-pepper")
	require.NoError(t, err)

	policies := service.FlowPolicies(10*time.Minute, 2*time.Minute, 60*time.Second, 5)
	verificationService, err := service.NewVerificationService(
		subjectRepo, stubSessionRepo{}, nil, failingEmailService{}, codec, policies, time.Second, time.Minute)
	require.NoError(t, err)

	tokenService, err := auth.NewFlowTokenService("test-secret", time.Minute)
	require.NoError(t, err)

	handler := NewVerificationHandler(verificationService, nil, subjectRepo, tokenService)

	c, wUnknown := newTestGinContext("POST", "/api/verification/password-reset/request",
		map[string]string{"email": "ghost@clinic.example"})
	handler.RequestPasswordReset(c)

	c, wFailed := newTestGinContext("POST", "/api/verification/password-reset/request",
		map[string]string{"email": "known@clinic.example"})
	handler.RequestPasswordReset(c)

	assert.Equal(t, http.StatusOK, wUnknown.Code)
	assert.Equal(t, http.StatusOK, wFailed.Code)
	assert.JSONEq(t, wUnknown.Body.String(), wFailed.Body.String())

	resp := parseJSONResponse(t, wFailed)
	_, hasToken := resp["flowToken"]
	assert.False(t, hasToken, "Сбой доставки не должен выдавать flow-токен")
}

// ============================================================================
// Маппинг ошибок сервиса в HTTP-статусы и error_type
// ============================================================================

func TestHandleVerificationError_Mapping(t *testing.T) {
	handler := &VerificationHandler{}

	tests := []struct {
		err           error
		wantStatus    int
		wantErrorType string
	}{
		{service.ErrIdentityValidationFailed, http.StatusUnauthorized, "identity_validation_failed"},
		{service.ErrContactConflict, http.StatusConflict, "contact_conflict"},
		{service.ErrVerificationExpired, http.StatusGone, "code_expired"},
		{service.ErrInvalidVerificationCode, http.StatusBadRequest, "invalid_code"},
		{service.ErrVerificationLocked, http.StatusLocked, "locked"},
		{service.ErrVerificationResendCooldown, http.StatusTooManyRequests, "resend_cooldown"},
		{service.ErrDeliveryFailed, http.StatusBadGateway, "delivery_failed"},
		{service.ErrNoVerifiedSession, http.StatusConflict, "no_verified_session"},
		{service.ErrContactChangeNotAllowed, http.StatusForbidden, "contact_change_not_allowed"},
		{service.ErrVerificationFlowNotSupported, http.StatusBadRequest, "flow_not_supported"},
		{apperrors.ErrValidation, http.StatusBadRequest, "validation_error"},
		{apperrors.ErrNotFound, http.StatusNotFound, "not_found"},
		{apperrors.ErrConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("database exploded"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.wantErrorType, func(t *testing.T) {
			c, w := newTestGinContext("POST", "/api/verification/verify-code", nil)
			handler.handleVerificationError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := parseJSONResponse(t, w)
			assert.Equal(t, tt.wantErrorType, resp["error_type"])
		})
	}
}

// Обернутая ошибка должна попадать в ту же ветку, что и сама sentinel-ошибка
func TestHandleVerificationError_WrappedSentinel(t *testing.T) {
	handler := &VerificationHandler{}

	c, w := newTestGinContext("POST", "/api/verification/resend-code", nil)
	handler.handleVerificationError(c, fmt.Errorf("%w: retry in 42 seconds", service.ErrVerificationResendCooldown))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := parseJSONResponse(t, w)
	assert.Equal(t, "resend_cooldown", resp["error_type"])
}
