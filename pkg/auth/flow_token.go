package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Ошибки разбора flow-токена
var (
	ErrFlowTokenExpired = errors.New("flow token expired")
	ErrFlowTokenInvalid = errors.New("flow token invalid")
)

// FlowClaims — claims короткоживущего токена, выдаваемого после
// validate-identity. Токен привязывает последующие intent'ы
// (claim/resend/verify/complete) к субъекту и конкретному flow.
type FlowClaims struct {
	SubjectID uint   `json:"subject_id"`
	Flow      string `json:"flow"`
	jwt.RegisteredClaims
}

// FlowTokenService выдает и проверяет flow-токены (HMAC-SHA256)
type FlowTokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewFlowTokenService создает сервис flow-токенов
func NewFlowTokenService(secret string, ttl time.Duration) (*FlowTokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("flow token secret is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &FlowTokenService{
		secret: []byte(secret),
		ttl:    ttl,
	}, nil
}

// Issue выдает токен для субъекта и flow
func (s *FlowTokenService) Issue(subjectID uint, flow string) (string, error) {
	now := time.Now()
	claims := FlowClaims{
		SubjectID: subjectID,
		Flow:      flow,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   fmt.Sprintf("%d", subjectID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign flow token: %w", err)
	}
	return signed, nil
}

// Parse проверяет подпись и срок действия токена
func (s *FlowTokenService) Parse(tokenString string) (*FlowClaims, error) {
	claims := &FlowClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrFlowTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrFlowTokenInvalid, err)
	}
	if !token.Valid || claims.SubjectID == 0 || claims.Flow == "" {
		return nil, ErrFlowTokenInvalid
	}
	return claims, nil
}
