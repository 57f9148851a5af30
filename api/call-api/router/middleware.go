// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package call_routers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/medicamovil/pkg/commons"
	"github.com/medicamovil/pkg/types"
	"github.com/medicamovil/pkg/utils"
)

// identityClaims is what the platform identity service signs into access
// tokens. Only the verified user id and role are consumed here.
type identityClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth verifies the bearer token and stores the principle on the
// context. Websocket upgrades carry the token as a query parameter because
// browsers cannot set headers on them.
func JWTAuth(secret string, logger commons.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &identityClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			logger.Warnw("token verification failed", "security", true, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(*identityClaims)
		if !ok || !token.Valid || claims.UserID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token claims"})
			return
		}

		types.SetAuthPrinciple(c, types.AuthPrinciple{UserID: claims.UserID, Role: claims.Role})
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader(utils.HEADER_AUTH_KEY)
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query(utils.QUERY_TOKEN_KEY)
}
