package syncserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opensyftbox/syftbox/internal/api"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// JWTAuth validates the bearer token on every request and stores the
// authenticated email under gin.Context key "user".
func JWTAuth(auth *AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(authHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			api.AbortWithError(c, http.StatusUnauthorized, api.CodeAuthInvalidCredentials, fmt.Errorf("bearer token required"))
			return
		}

		email, err := auth.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			api.AbortWithError(c, http.StatusUnauthorized, api.CodeAuthInvalidCredentials, err)
			return
		}

		c.Set("user", email)
		c.Next()
	}
}

// MinClientVersion rejects requests from clients reporting a "client-version"
// header below minVersion with HTTP 426.
func MinClientVersion(minVersion string) gin.HandlerFunc {
	minParts := parseVersion(minVersion)
	return func(c *gin.Context) {
		clientVersion := c.GetHeader("client-version")
		if clientVersion == "" {
			c.Next()
			return
		}
		if compareVersions(parseVersion(clientVersion), minParts) < 0 {
			api.AbortWithError(c, http.StatusUpgradeRequired, api.CodeSyncUpgradeNeeded,
				fmt.Errorf("client version %s is below the minimum supported version %s", clientVersion, minVersion))
			return
		}
		c.Next()
	}
}

func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err == nil {
			out[i] = n
		}
	}
	return out
}

func compareVersions(a, b [3]int) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return 0
}
