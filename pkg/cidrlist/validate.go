package cidrlist

import (
	"errors"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MinReasonLength is the minimum number of characters of a trimmed ban reason.
const MinReasonLength = 3

var (
	// ErrInvalidNetwork reports a network literal that is not an IPv4 A.B.C.D/N CIDR.
	ErrInvalidNetwork = errors.New("invalid CIDR format, expected A.B.C.D/N with octets 0-255 and N 0-32")
	// ErrInvalidReason reports a ban reason shorter than MinReasonLength once trimmed.
	ErrInvalidReason = errors.New("the reason must be at least 3 characters long")
)

var networkPattern = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})/(\d{1,2})$`)

// ValidNetwork reports whether candidate is exactly an IPv4 network literal A.B.C.D/N.
// Octets are decimal bytes, N is in [0,32]; whitespace and IPv6 forms are rejected.
func ValidNetwork(candidate string) bool {
	groups := networkPattern.FindStringSubmatch(candidate)
	if groups == nil {
		return false
	}
	for _, octet := range groups[1:5] {
		if !inRange(octet, 255) {
			return false
		}
	}
	return inRange(groups[5], 32)
}

// ValidReason reports whether reason is long enough once surrounding whitespace is removed.
func ValidReason(reason string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(reason)) >= MinReasonLength
}

// ValidateRequest checks a network and reason pair before it is sent anywhere.
func ValidateRequest(network, reason string) error {
	if !ValidNetwork(network) {
		return ErrInvalidNetwork
	}
	if !ValidReason(reason) {
		return ErrInvalidReason
	}
	return nil
}

// Canonical rewrites a valid network literal in plain decimal, so "010.0.0.0/08"
// becomes "10.0.0.0/8". Host bits are kept. ok is false when network is not valid.
func Canonical(network string) (string, bool) {
	groups := networkPattern.FindStringSubmatch(network)
	if groups == nil {
		return "", false
	}
	var octets [4]byte
	for i, octet := range groups[1:5] {
		n, err := strconv.Atoi(octet)
		if err != nil || n > 255 {
			return "", false
		}
		octets[i] = byte(n)
	}
	bits, err := strconv.Atoi(groups[5])
	if err != nil || bits > 32 {
		return "", false
	}
	return netip.PrefixFrom(netip.AddrFrom4(octets), bits).String(), true
}

func inRange(digits string, upper int) bool {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	return n >= 0 && n <= upper
}
