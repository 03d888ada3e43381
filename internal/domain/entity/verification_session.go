package entity

import "time"

// Flows supported by the verification engine. Each flow runs the same
// claim/resend/verify protocol with its own timing policy.
const (
	FlowEmployeeValidation  = "employee_validation"
	FlowEmailChange         = "email_change"
	FlowPasswordReset       = "password_reset"
	FlowPatientRegistration = "patient_registration"
)

// Verification session states.
const (
	SessionStatePending    = "pending"
	SessionStateCodeIssued = "code_issued"
	SessionStateVerified   = "verified"
	SessionStateExpired    = "expired"
	SessionStateLocked     = "locked"
)

// VerificationSession is the per-(subject, flow) unit of verification work.
// At most one non-superseded session holds an active code at any time;
// claiming a new contact supersedes the previous session entirely.
type VerificationSession struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	SubjectID     uint   `gorm:"not null;index:idx_sessions_subject_flow" json:"subject_id"`
	Flow          string `gorm:"size:30;not null;index:idx_sessions_subject_flow" json:"flow"`
	TargetContact string `gorm:"size:100;not null" json:"target_contact"`
	CodeHash      string `gorm:"size:64;not null" json:"-"`
	CodeSalt      string `gorm:"size:64;not null" json:"-"`
	State         string `gorm:"size:20;not null;default:'code_issued'" json:"state"`

	LastSentAt    time.Time `gorm:"not null" json:"last_sent_at"`
	ExpiresAt     time.Time `gorm:"not null;index" json:"expires_at"`
	CooldownUntil time.Time `gorm:"not null" json:"cooldown_until"`

	AttemptCount int `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts  int `gorm:"not null;default:5" json:"max_attempts"`
	ResendCount  int `gorm:"not null;default:0" json:"resend_count"`

	ConsumedAt   *time.Time `gorm:"index" json:"consumed_at,omitempty"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	SupersededAt *time.Time `gorm:"index" json:"superseded_at,omitempty"`

	// Version is the optimistic concurrency token: conditional updates
	// lose against a concurrent writer instead of double-applying.
	Version int `gorm:"not null;default:1" json:"-"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (VerificationSession) TableName() string {
	return "verification_sessions"
}

func (s *VerificationSession) IsConsumed() bool {
	return s.ConsumedAt != nil
}

func (s *VerificationSession) IsSuperseded() bool {
	return s.SupersededAt != nil
}

func (s *VerificationSession) IsFinalized() bool {
	return s.FinalizedAt != nil
}

// IsExpired reports whether the code issuance window has closed.
// The boundary instant itself still counts as expired.
func (s *VerificationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *VerificationSession) IsLocked() bool {
	return s.State == SessionStateLocked || s.AttemptCount >= s.MaxAttempts
}

// InCooldown reports whether a resend is still throttled at the given instant.
func (s *VerificationSession) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// AttemptsLeft returns the remaining verify attempts, never negative.
func (s *VerificationSession) AttemptsLeft() int {
	left := s.MaxAttempts - s.AttemptCount
	if left < 0 {
		return 0
	}
	return left
}
