// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package utils

// HTTP header and query keys shared by every service surface.
const (
	HEADER_AUTH_KEY   = "Authorization"
	HEADER_SOURCE_KEY = "X-Source"
	HEADER_REGION_KEY = "X-Region"

	// QUERY_TOKEN_KEY carries the bearer token on websocket upgrades, where
	// browsers cannot set custom headers.
	QUERY_TOKEN_KEY = "token"
)
