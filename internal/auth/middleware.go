package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// DoorKeyHeader carries the shared door camera key.
const DoorKeyHeader = "X-Door-Key"

// Authenticate enforces bearer JWT tokens signed with HS256. When doorKey is
// set, a request presenting it in DoorKeyHeader is accepted as the door role
// without a token.
func Authenticate(signingKey, issuer, doorKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if doorKey != "" {
			if presented := c.GetHeader(DoorKeyHeader); presented != "" {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(doorKey)) != 1 {
					abort(c, http.StatusUnauthorized, "invalid door key")
					return
				}
				c.Set(claimsKey, Claims{Subject: "door", Role: RoleDoor})
				c.Next()
				return
			}
		}

		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			abort(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole lets through only callers holding one of roles. It must run
// after Authenticate.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "missing credentials")
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "role "+claims.Role+" may not call this endpoint")
	}
}

// ClaimsFrom returns the claims stored by Authenticate.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": "unauthorized", "message": msg})
}
