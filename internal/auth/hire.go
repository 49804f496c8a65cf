package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/models"
)

// HireClaims are carried by the link emailed after a conversation closes.
type HireClaims struct {
	ChatID  string `json:"chat_id"`
	Email   string `json:"email"`
	Outcome string `json:"outcome"`
	jwt.RegisteredClaims
}

// HireTokens signs and verifies hire confirmation tokens.
type HireTokens struct {
	secret []byte
	now    func() time.Time
}

func NewHireTokens(secret string) *HireTokens {
	return &HireTokens{secret: []byte(secret), now: time.Now}
}

// Issue signs a token valid for ttl.
func (h *HireTokens) Issue(chatID, email, outcome string, ttl time.Duration) (string, error) {
	now := h.now()
	claims := HireClaims{
		ChatID:  chatID,
		Email:   email,
		Outcome: outcome,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
}

// Verify parses a token and checks its outcome value.
func (h *HireTokens) Verify(token string) (HireClaims, error) {
	var claims HireClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return h.secret, nil
	}, jwt.WithTimeFunc(h.now))
	if err != nil || !parsed.Valid {
		return HireClaims{}, apperr.Unauthorized("invalid_token", "invalid or expired confirmation link")
	}
	if claims.ChatID == "" || claims.Email == "" {
		return HireClaims{}, apperr.Unauthorized("invalid_token", "invalid or expired confirmation link")
	}
	if claims.Outcome != models.HireOutcomeHired && claims.Outcome != models.HireOutcomeNotHired {
		return HireClaims{}, apperr.Validation("invalid_outcome", "unknown hire outcome")
	}
	return claims, nil
}
