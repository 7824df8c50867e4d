package services

import (
	"slices"
	"time"

	"xolo/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "xolo-server"

// AdminClaims identify the admin a bearer token was minted for.
type AdminClaims struct {
	Admin string `json:"admin"`
	jwt.RegisteredClaims
}

/**
 * Issues and verifies admin bearer tokens
 */
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	admins []string
	now    func() time.Time
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{secret: []byte(cfg.JWTSecret), ttl: ttl, admins: cfg.Admins, now: time.Now}
}

/**
 * Mint a token for an admin
 * @param {string} admin - Admin name recorded in change logs
 * @returns {string} Signed HS256 token
 * @throws
 * - ErrValidation for an empty or unlisted admin
 * - ErrFatal when no secret is configured
 */
func (a *Authenticator) GenerateToken(admin string) (string, error) {
	if admin == "" {
		return "", ErrValidation.New("admin name is required")
	}
	if len(a.secret) == 0 {
		return "", ErrFatal.New("auth.jwt_secret is not configured")
	}
	if len(a.admins) > 0 && !slices.Contains(a.admins, admin) {
		return "", ErrValidation.New("'%s' is not an allowed admin", admin)
	}
	now := a.now()
	claims := AdminClaims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   admin,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

/**
 * Verify a token and return its admin
 * @throws
 * - ErrValidation for malformed, expired or foreign tokens, and admins no longer allowed
 */
func (a *Authenticator) ParseToken(tokenString string) (*AdminClaims, error) {
	if len(a.secret) == 0 {
		return nil, ErrFatal.New("auth.jwt_secret is not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, ErrValidation.New("invalid token: %v", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid || claims.Admin == "" {
		return nil, ErrValidation.New("invalid token: %v", jwt.ErrTokenInvalidClaims)
	}
	if len(a.admins) > 0 && !slices.Contains(a.admins, claims.Admin) {
		return nil, ErrValidation.New("'%s' is no longer an allowed admin", claims.Admin)
	}
	return claims, nil
}
