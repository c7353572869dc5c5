package broker

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/streetlift/meetd/internal/meet"
)

// RoleDirector is the role claim for the meet director's console.
// Judge tokens carry one of the three judge roles instead.
const RoleDirector = "DIRECTOR"

// Claims is the signed payload embedded in the login QR code. The server
// verifies signature and expiry before admitting the session.
type Claims struct {
	JudgeID string `json:"judge_id,omitempty"`
	MeetID  int64  `json:"meet_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// SignToken mints an HS256 session token.
func SignToken(secret []byte, judgeID string, meetID int64, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		JudgeID: judgeID,
		MeetID:  meetID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken checks signature and expiry and returns the claims.
// Only HS256 is accepted.
func VerifyToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, meet.Wrap(meet.KindBadInput, "broker.VerifyToken", err)
	}
	if !parsed.Valid {
		return nil, meet.E(meet.KindBadInput, "broker.VerifyToken", "invalid token")
	}
	return claims, nil
}

// judgeRole maps a token role claim to a judge role, or fails for
// non-judge claims.
func judgeRole(role string) (meet.JudgeRole, error) {
	r := meet.JudgeRole(role)
	if !r.Valid() {
		return "", meet.E(meet.KindBadInput, "broker.judgeRole", "token role %q is not a judge role", role)
	}
	return r, nil
}
