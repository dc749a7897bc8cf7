package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingUserID = errors.New("user id is required")
	ErrMissingToken  = errors.New("token is required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrUserMismatch  = errors.New("token does not belong to user")
	ErrTeamForbidden = errors.New("user is not a member of team")
)

// Claim is what a client presents in the authenticate handshake.
type Claim struct {
	UserID string
	TeamID string
	Token  string
}

// Identity is a verified claim.
type Identity struct {
	UserID string
	TeamID string
}

// Verifier checks an identity claim. It is the boundary to the external
// identity provider; implementations must be safe for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, claim Claim) (Identity, error)
}

// TokenClaims is the JWT payload issued by the identity provider.
type TokenClaims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id"`
	Teams  []string `json:"teams,omitempty"`
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(_ context.Context, claim Claim) (Identity, error) {
	if strings.TrimSpace(claim.UserID) == "" {
		return Identity{}, ErrMissingUserID
	}
	if claim.Token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	tc := &TokenClaims{}
	token, err := jwt.ParseWithClaims(claim.Token, tc, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := tc.UserID
	if subject == "" {
		subject = tc.Subject
	}
	if subject != claim.UserID {
		return Identity{}, ErrUserMismatch
	}
	if claim.TeamID != "" && len(tc.Teams) > 0 && !slices.Contains(tc.Teams, claim.TeamID) {
		return Identity{}, ErrTeamForbidden
	}

	return Identity{UserID: claim.UserID, TeamID: claim.TeamID}, nil
}

// GenerateToken signs a token the JWTVerifier accepts.
func GenerateToken(secret, issuer, userID string, teams []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Teams:  teams,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TrustingVerifier accepts the claimed identity as-is. Only for deployments
// where the connection is already authenticated upstream.
type TrustingVerifier struct{}

func (TrustingVerifier) Verify(_ context.Context, claim Claim) (Identity, error) {
	if strings.TrimSpace(claim.UserID) == "" {
		return Identity{}, ErrMissingUserID
	}
	return Identity{UserID: claim.UserID, TeamID: claim.TeamID}, nil
}
