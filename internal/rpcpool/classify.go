package rpcpool

import (
	"strings"
)

// retryableMarkers are case-insensitive substrings and codes seen in
// rate-limit and transport failures of public RPC providers. 1015 is a
// Cloudflare code some providers surface instead of 429.
var retryableMarkers = []string{
	"429",
	"rate limit",
	"over rate",
	"too many requests",
	"1015",
	"timeout",
	"connection",
	"refused",
	"unexpected end",
}

// IsRetryableTransport classifies an error as a transport-class failure that
// justifies rotating to another endpoint. Provider-specific patterns belong
// here and nowhere else, so the pool logic stays untouched when a new
// provider needs a new marker. An error without a message is assumed to be
// transport-level.
func IsRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if msg == "" {
		return true
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
