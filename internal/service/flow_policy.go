package service

import (
	"time"

	"github.com/yourusername/clinic-portal/internal/domain/entity"
)

// FlowPolicy задает тайминги и ограничения протокола верификации для одного flow.
// Все значения приходят из конфигурации — поэкранные константы запрещены.
type FlowPolicy struct {
	// CodeTTL — окно действия кода с момента выдачи
	CodeTTL time.Duration
	// ResendCooldown — минимальная пауза между повторными отправками
	ResendCooldown time.Duration
	// MaxAttempts — порог блокировки по неверным кодам
	MaxAttempts int
	// AllowContactChange — разрешен ли ChangeContact внутри flow
	AllowContactChange bool
}

// FlowPolicies returns the policy table for all supported flows.
//
// Code TTL is deliberately shorter for password reset: a reset code grants
// access to an existing credentialed account, while onboarding codes only
// prove a mailbox during registration. Cooldown and the lockout threshold
// are uniform across flows.
func FlowPolicies(defaultTTL, passwordResetTTL, cooldown time.Duration, maxAttempts int) map[string]FlowPolicy {
	return map[string]FlowPolicy{
		entity.FlowEmployeeValidation: {
			CodeTTL:            defaultTTL,
			ResendCooldown:     cooldown,
			MaxAttempts:        maxAttempts,
			AllowContactChange: true,
		},
		entity.FlowEmailChange: {
			CodeTTL:            defaultTTL,
			ResendCooldown:     cooldown,
			MaxAttempts:        maxAttempts,
			AllowContactChange: true,
		},
		entity.FlowPasswordReset: {
			CodeTTL:            passwordResetTTL,
			ResendCooldown:     cooldown,
			MaxAttempts:        maxAttempts,
			AllowContactChange: false, // код всегда уходит на email-of-record
		},
		entity.FlowPatientRegistration: {
			CodeTTL:            defaultTTL,
			ResendCooldown:     cooldown,
			MaxAttempts:        maxAttempts,
			AllowContactChange: true,
		},
	}
}
