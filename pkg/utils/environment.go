// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package utils

import "strings"

// Environment is the deployment environment the service runs in.
type Environment string

const (
	PRODUCTION  Environment = "production"
	DEVELOPMENT Environment = "development"
)

// Get returns the environment as a plain string.
func (e Environment) Get() string {
	return string(e)
}

// FromEnvironmentStr parses an environment string, defaulting to development
// for anything unrecognised.
func FromEnvironmentStr(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production":
		return PRODUCTION
	default:
		return DEVELOPMENT
	}
}
