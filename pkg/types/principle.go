// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package types

import (
	"github.com/gin-gonic/gin"
)

// AuthPrincipleKey is the gin context key under which the authenticated
// principle is stored by the auth middleware.
const AuthPrincipleKey = "auth_principle"

// AuthPrinciple is the verified output of the identity provider. Token
// issuance and verification live outside this repository; by the time a
// request reaches any call component, the only identity fact consumed is
// the verified user id.
type AuthPrinciple struct {
	UserID string
	Role   string // "patient" | "doctor"
}

// SetAuthPrinciple stores the verified principle on the request context.
// Only the auth middleware should call this.
func SetAuthPrinciple(c *gin.Context, p AuthPrinciple) {
	c.Set(AuthPrincipleKey, p)
}

// GetAuthPrinciple returns the authenticated principle for the request,
// and false when the request never passed the auth middleware.
func GetAuthPrinciple(c *gin.Context) (AuthPrinciple, bool) {
	v, ok := c.Get(AuthPrincipleKey)
	if !ok {
		return AuthPrinciple{}, false
	}
	p, ok := v.(AuthPrinciple)
	return p, ok
}
