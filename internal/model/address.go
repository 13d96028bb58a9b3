package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress wraps every address validation failure.
var ErrInvalidAddress = errors.New("invalid address")

// NormalizeAddress validates an EVM address and returns its lower-case form.
// All lookups compare addresses case-insensitively, so every address is
// normalized once at the boundary.
func NormalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("%w: address is empty", ErrInvalidAddress)
	}
	if !strings.HasPrefix(addr, "0x") {
		return "", fmt.Errorf("%w: must start with 0x: %s", ErrInvalidAddress, addr)
	}
	hex := addr[2:]
	if len(hex) != 40 {
		return "", fmt.Errorf("%w: need 40 hex chars: %s", ErrInvalidAddress, addr)
	}
	for _, c := range hex {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return "", fmt.Errorf("%w: bad hex character: %s", ErrInvalidAddress, addr)
		}
	}
	return "0x" + strings.ToLower(hex), nil
}
