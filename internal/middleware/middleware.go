package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ContextSubject is the echo context key holding the authenticated caller.
const ContextSubject = "api_subject"

// APIAuth accepts either the static API key in the Token header or an HS256
// JWT in "Authorization: Bearer". Empty credentials disable that method.
func APIAuth(apiKey, jwtSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token := c.Request().Header.Get("Token"); token != "" {
				if apiKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) == 1 {
					c.Set(ContextSubject, "api-key")
					return next(c)
				}
				return unauthorized(c, "Invalid token")
			}

			authHeader := c.Request().Header.Get("Authorization")
			bearer := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || bearer == authHeader {
				return unauthorized(c, "Token is required")
			}
			if jwtSecret == "" {
				return unauthorized(c, "Invalid token")
			}
			sub, err := ParseToken(jwtSecret, bearer)
			if err != nil {
				return unauthorized(c, "Invalid token")
			}
			c.Set(ContextSubject, sub)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, map[string]interface{}{
		"status": false,
		"msg":    msg,
		"code":   "unauthorized",
		"obj":    nil,
	})
}

// IssueToken signs an admin token for subject valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 token and returns its subject.
func ParseToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			actions, _ := c.Get("api_actions").(string)
			subject, _ := c.Get(ContextSubject).(string)
			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("took", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			if actions != "" {
				fields = append(fields, zap.String("actions", actions))
			}
			if subject != "" {
				fields = append(fields, zap.String("subject", subject))
			}
			if c.Response().Status >= http.StatusInternalServerError {
				logger.Warn("API request", fields...)
			} else {
				logger.Info("API request", fields...)
			}
			return nil
		}
	}
}

// CORS configures CORS headers.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("Access-Control-Allow-Origin", "*")
			c.Response().Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type, Token, Authorization")
			if c.Request().Method == "OPTIONS" {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
