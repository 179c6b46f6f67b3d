package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// bearerAuth проверяет HS256 токен из заголовка Authorization.
// Для websocket токен также принимается в параметре token.
func bearerAuth(secret []byte) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := tokenFrom(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			}
			claims := &jwt.RegisteredClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: errors.Wrap(err, "invalid token").Error()})
			}
			c.Set("subject", claims.Subject)
			return next(c)
		}
	}
}

func tokenFrom(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return c.QueryParam("token")
}
