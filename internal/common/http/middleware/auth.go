package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pkgerrors "judgecore/pkg/errors"
	"judgecore/pkg/utils/contextkey"
	"judgecore/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorAuthConfig configures verification of operator access tokens.
// Tokens are issued elsewhere; this service only verifies them.
type OperatorAuthConfig struct {
	Secret string   `yaml:"secret"`
	Issuer string   `yaml:"issuer"`
	Roles  []string `yaml:"roles"`
}

type operatorClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// OperatorAuth rejects requests without a valid HS256 access token whose role
// is in cfg.Roles. The subject becomes the request's user id.
func OperatorAuth(cfg OperatorAuthConfig) gin.HandlerFunc {
	secret := []byte(cfg.Secret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "operator auth not configured")
			return
		}
		raw := extractBearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "missing bearer token")
			return
		}
		claims, err := parseOperatorToken(raw, secret, cfg.Issuer)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if len(cfg.Roles) > 0 && !hasRole(claims.Role, cfg.Roles) {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "insufficient role")
			return
		}

		c.Set(userIDContextKey, claims.Subject)
		c.Set("user_role", claims.Role)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func parseOperatorToken(raw string, secret []byte, issuer string) (*operatorClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &operatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*operatorClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" || claims.Subject == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
