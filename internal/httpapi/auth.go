package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	UserID string
}

type claimsKey struct{}

func withClaims(ctx context.Context, claims tokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFrom(r *http.Request) tokenClaims {
	claims, _ := r.Context().Value(claimsKey{}).(tokenClaims)
	return claims
}

// parseBearer verifies an HS256 token and extracts the user id from the
// userId claim, falling back to sub.
func parseBearer(authHeader, jwtSecret, audience string) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		message := "invalid token"
		if err != nil {
			message = "invalid token: " + err.Error()
		}
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	if audience != "" && !claims.VerifyAudience(audience, true) {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid aud claim"}
	}
	userID, _ := claims["userId"].(string)
	if strings.TrimSpace(userID) == "" {
		userID, _ = claims["sub"].(string)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing userId claim"}
	}
	return tokenClaims{UserID: userID}, nil
}
