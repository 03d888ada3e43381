package service

import "errors"

// Verification flow specific errors used by handlers for stable error_type mapping.
var (
	ErrInvalidVerificationCode      = errors.New("invalid_verification_code")
	ErrVerificationExpired          = errors.New("verification_expired")
	ErrVerificationLocked           = errors.New("verification_locked")
	ErrVerificationResendCooldown   = errors.New("verification_resend_cooldown")
	ErrContactConflict              = errors.New("contact_conflict")
	ErrDeliveryFailed               = errors.New("delivery_failed")
	ErrNoVerifiedSession            = errors.New("no_verified_session")
	ErrIdentityValidationFailed     = errors.New("identity_validation_failed")
	ErrContactChangeNotAllowed      = errors.New("contact_change_not_allowed")
	ErrVerificationFlowNotSupported = errors.New("verification_flow_not_supported")
)
