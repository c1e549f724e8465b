package identity

import (
	"context"
	"fmt"

	"google.golang.org/api/idtoken"
)

// IDTokenVerifier validates Google ID tokens against a fixed OAuth client
// id using Google's public keys.
type IDTokenVerifier struct {
	clientID string
}

// NewIDTokenVerifier requires the OAuth client id the tokens were minted
// for; audience mismatches fail verification.
func NewIDTokenVerifier(clientID string) (*IDTokenVerifier, error) {
	if clientID == "" {
		return nil, fmt.Errorf("google verifier: client id is required")
	}
	return &IDTokenVerifier{clientID: clientID}, nil
}

func (verifier *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (GoogleClaims, error) {
	payload, err := idtoken.Validate(ctx, rawToken, verifier.clientID)
	if err != nil {
		return GoogleClaims{}, err
	}
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	return GoogleClaims{
		Subject:       payload.Subject,
		Email:         email,
		EmailVerified: emailVerified,
	}, nil
}
