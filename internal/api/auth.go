package api

import (
	"fmt"
	"net/http"
	"strings"

	"marketplace-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ctxUserIDKey = "userID"
	ctxRoleKey   = "userRole"
)

// Caller is the authenticated identity attached to every request
type Caller struct {
	ID   int64
	Role string
}

// AuthMiddleware reads the caller identity from a bearer token issued
// by the identity service. The token is already vouched for upstream;
// we verify the signature and lift out id and role, nothing more.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token claims"})
			return
		}

		userID, ok := claims["user_id"].(float64)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token missing user_id"})
			return
		}
		role, ok := claims["role"].(string)
		if !ok {
			role = models.RoleConsumer
		}

		c.Set(ctxUserIDKey, int64(userID))
		c.Set(ctxRoleKey, role)
		c.Next()
	}
}

// callerFrom returns the authenticated caller of a request
func callerFrom(c *gin.Context) (Caller, bool) {
	id, ok := c.Get(ctxUserIDKey)
	if !ok {
		return Caller{}, false
	}
	role, ok := c.Get(ctxRoleKey)
	if !ok {
		return Caller{}, false
	}
	return Caller{ID: id.(int64), Role: role.(string)}, true
}
