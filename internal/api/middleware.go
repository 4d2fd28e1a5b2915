package api

import (
	stderrors "errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/gmsas95/dosekeeper/internal/errors"
)

// authMiddleware checks the bearer token. Without a configured secret the
// API is open.
func (s *Server) authMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := s.config.Security.JWTSecret
		if secret == "" {
			return c.Next()
		}

		auth := c.Get("Authorization")
		if auth == "" {
			return c.Status(401).JSON(ErrorResponse{Error: "missing authorization header", Code: apperrors.ErrUnauthorized.Code})
		}

		tokenString := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || !token.Valid {
			return c.Status(401).JSON(ErrorResponse{Error: "invalid token", Code: apperrors.ErrUnauthorized.Code})
		}

		if sub, err := token.Claims.GetSubject(); err == nil {
			c.Locals("subject", sub)
		}
		return c.Next()
	}
}

// IssueToken signs a bearer token for subject
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", apperrors.Wrapf(apperrors.ErrConfigInvalid, "security.jwt_secret is not set")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func (s *Server) metricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if stderrors.As(err, &fe) {
			status = fe.Code
		}
		path := c.Route().Path
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Method(), path, status, time.Since(start))
		return err
	}
}

// errorHandler maps domain errors onto HTTP status codes
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error()}

	var fe *fiber.Error
	switch {
	case stderrors.As(err, &fe):
		status = fe.Code
		resp.Error = fe.Message
	case stderrors.Is(err, apperrors.ErrNotFound):
		status = fiber.StatusNotFound
	case stderrors.Is(err, apperrors.ErrMalformedInput), stderrors.Is(err, apperrors.ErrBadRequest):
		status = fiber.StatusBadRequest
	case stderrors.Is(err, apperrors.ErrOutOfStock):
		status = fiber.StatusConflict
	case stderrors.Is(err, apperrors.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	}
	if apperrors.IsAppError(err) {
		resp.Code = apperrors.GetCode(err)
	}
	if status == fiber.StatusInternalServerError && resp.Code == "" {
		resp.Error = "internal error"
		resp.Code = apperrors.ErrInternal.Code
	}
	return c.Status(status).JSON(resp)
}
