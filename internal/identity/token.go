package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/acee-ventures/openpoi/pkg/credits"
)

// Principal is the authenticated caller carried through a request. The
// rate limits are issued with the credential and carried for the gateway
// to enforce.
type Principal struct {
	UserID        string
	Role          string
	AllowedModels []string
	RateLimitRPM  int
	RateLimitTPM  int
}

type sessionClaims struct {
	Role          string   `json:"role,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	RateLimitRPM  int      `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM  int      `json:"rate_limit_tpm,omitempty"`
	jwt.RegisteredClaims
}

// TokenParser validates HMAC-signed session tokens.
type TokenParser struct {
	signingKey []byte
	options    []jwt.ParserOption
}

// NewTokenParser requires the shared signing key; issuer is enforced when
// non-empty.
func NewTokenParser(signingKey []byte, issuer string) (*TokenParser, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token parser: signing key is required")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	return &TokenParser{signingKey: signingKey, options: options}, nil
}

// Parse validates the token and extracts the caller. The subject claim is
// the user id.
func (parser *TokenParser) Parse(rawToken string) (Principal, error) {
	token, err := jwt.ParseWithClaims(rawToken, &sessionClaims{}, func(*jwt.Token) (any, error) {
		return parser.signingKey, nil
	}, parser.options...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", credits.ErrAuthentication, err)
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid session claims", credits.ErrAuthentication)
	}
	userID, ok := credits.NormalizeUserID(claims.Subject)
	if !ok {
		return Principal{}, fmt.Errorf("%w: token missing subject", credits.ErrAuthentication)
	}
	return Principal{
		UserID:        userID,
		Role:          claims.Role,
		AllowedModels: claims.AllowedModels,
		RateLimitRPM:  claims.RateLimitRPM,
		RateLimitTPM:  claims.RateLimitTPM,
	}, nil
}

// MintToken signs a session token; used by tests and local tooling.
func MintToken(signingKey []byte, issuer string, claims Principal, registered jwt.RegisteredClaims) (string, error) {
	registered.Subject = claims.UserID
	if issuer != "" {
		registered.Issuer = issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		Role:             claims.Role,
		AllowedModels:    claims.AllowedModels,
		RateLimitRPM:     claims.RateLimitRPM,
		RateLimitTPM:     claims.RateLimitTPM,
		RegisteredClaims: registered,
	})
	return token.SignedString(signingKey)
}
