package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/farellandr/spoticket-gate/internal/helpers"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "role"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	UserID uuid.UUID
	Role   string
}

// ParseToken validates an HS256 token and returns the identity it carries.
func ParseToken(tokenString, secret string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}

	rawID, _ := claims["user_id"].(string)
	userID, err := uuid.Parse(rawID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: bad user_id claim", ErrUnauthenticated)
	}
	role, _ := claims["role"].(string)
	if role == "" {
		return Identity{}, fmt.Errorf("%w: missing role claim", ErrUnauthenticated)
	}

	return Identity{UserID: userID, Role: role}, nil
}

func JWTAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			helpers.RespondWithError(c, http.StatusUnauthorized, "Missing bearer token.")
			return
		}

		identity, err := ParseToken(tokenString, GetAuthConfig(c).Secret)
		if err != nil {
			helpers.RespondWithError(c, http.StatusUnauthorized, "Invalid or expired token.")
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(RoleKey, identity.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(RoleKey)
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		helpers.RespondWithError(c, http.StatusForbidden, "You don't have permission to perform this action.")
	}
}

// CurrentUser returns the identity set by JWTAuthMiddleware.
func CurrentUser(c *gin.Context) (Identity, bool) {
	value, exists := c.Get(UserIDKey)
	if !exists {
		return Identity{}, false
	}
	userID, ok := value.(uuid.UUID)
	if !ok {
		return Identity{}, false
	}
	return Identity{UserID: userID, Role: c.GetString(RoleKey)}, true
}
