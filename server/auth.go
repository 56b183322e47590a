package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

const (
	adminTokenHeader = "X-Admin-Token"
	sessionTokenTTL  = time.Hour
	jwtIssuer        = "aviary"
)

// deriveSigningKey expands the admin token into a 32-byte JWT signing key so
// the raw token never doubles as key material.
func deriveSigningKey(adminToken string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(adminToken), nil, []byte("aviary-admin-session"))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf.Read over sha256 cannot fail for a 32-byte request.
		panic(err)
	}
	return key
}

// authenticateAdmin accepts the static admin token (Bearer or X-Admin-Token)
// or a session JWT minted by /admin/token.
func (s *Server) authenticateAdmin(r *http.Request) error {
	credential := r.Header.Get(adminTokenHeader)
	if credential == "" {
		header := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			credential = after
		}
	}
	if credential == "" {
		return aierrors.New(aierrors.AuthInvalidToken, "missing admin credential")
	}

	if subtle.ConstantTimeCompare([]byte(credential), []byte(s.profile.AdminToken)) == 1 {
		return nil
	}
	if err := s.verifySessionToken(credential); err != nil {
		return err
	}
	return nil
}

// mintSessionToken issues a short-lived HS256 session JWT.
func (s *Server) mintSessionToken(now time.Time) (token string, expiresAt time.Time, err error) {
	expiresAt = now.Add(sessionTokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    jwtIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, aierrors.Wrap(err, aierrors.SystemInternal, "sign session token")
	}
	return token, expiresAt, nil
}

func (s *Server) verifySessionToken(credential string) error {
	token, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return aierrors.Wrap(err, aierrors.AuthInvalidToken, "invalid admin credential")
	}
	if !token.Valid {
		return aierrors.New(aierrors.AuthInvalidToken, "invalid admin credential")
	}
	return nil
}
