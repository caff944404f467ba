package wire

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// identityClaims binds an EndpointInfo's id to a signed token, the way
// auth_apple.go verifies Apple's signed ID token before trusting the
// claimed subject — here the subject is the claimed EndpointId instead
// of a user id.
type identityClaims struct {
	jwt.RegisteredClaims
	EndpointID string `json:"eid"`
}

// SignIdentity produces a token asserting id, signed with key (spec §6
// leaves the envelope's authentication as an implementer's choice). A
// Core verifies the token of an inbound PeerInit when one is present;
// the PeerInit and PeerOpen records peer.Manager sends carry an empty
// token.
func SignIdentity(id uuid.UUID, key []byte) (string, error) {
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		EndpointID: id.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// VerifyIdentity checks that token is validly signed by key and
// asserts wantID. A failure here must surface as peer_incompatible to
// the handshake state machine, never a protocol panic.
func VerifyIdentity(token string, wantID uuid.UUID, key []byte) error {
	parsed, err := jwt.ParseWithClaims(token, &identityClaims{}, func(*jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("wire: identity token: %w", err)
	}
	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("wire: identity token: invalid claims")
	}
	if claims.EndpointID != wantID.String() {
		return fmt.Errorf("wire: identity token asserts %s, handshake claims %s", claims.EndpointID, wantID)
	}
	return nil
}
