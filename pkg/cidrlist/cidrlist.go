// Package cidrlist validates IPv4 network literals and ban reasons, and handles the
// textual network lists consumed by multi-network ban submissions.
package cidrlist

import (
	"net/netip"
	"strings"
)

// Entry is one network of a ban list, annotated with the reason taken from the
// closest preceding comment line.
type Entry struct {
	Network netip.Prefix
	Reason  string
}

// SynthesisResult carries the outcome of removing redundant networks from a list.
type SynthesisResult struct {
	NewList        []Entry
	RemovedEntries []Entry
}

// Parse converts a textual ban list into structured entries. A "# ..." line sets
// the reason for the networks that follow it until the next blank line.
// Invalid lines are ignored.
func Parse(text string) []Entry {
	var result []Entry
	var currentReason string

	for rawLine := range strings.SplitSeq(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			currentReason = ""
			continue
		}
		if after, ok := strings.CutPrefix(line, "#"); ok {
			currentReason = strings.TrimSpace(after)
			continue
		}
		if prefix, ok := parsePrefix(line); ok {
			result = append(result, Entry{Network: prefix, Reason: currentReason})
		}
	}

	return result
}

// Format converts entries back to the textual representation used by Parse.
func Format(list []Entry) string {
	if len(list) == 0 {
		return ""
	}

	lines := make([]string, 0, len(list)*2)
	lastReason := ""

	addBlankLine := func() {
		if len(lines) > 0 && lines[len(lines)-1] != "" {
			lines = append(lines, "")
		}
	}

	for _, entry := range list {
		reason := strings.TrimSpace(entry.Reason)
		switch {
		case reason != "" && reason != lastReason:
			addBlankLine()
			lines = append(lines, "# "+reason)
			lastReason = reason
		case reason == "" && lastReason != "":
			addBlankLine()
			lastReason = ""
		}
		lines = append(lines, entry.Network.Masked().String())
	}

	return strings.Join(lines, "\n")
}

// Synthesize drops networks already covered by another entry of the list, so a
// batch never bans the same range twice.
func Synthesize(list []Entry) SynthesisResult {
	keep := make([]bool, len(list))
	for i := range keep {
		keep[i] = true
	}

	for i := range list {
		a := list[i].Network.Masked()
		for j := range list {
			if i == j || !keep[j] {
				continue
			}
			b := list[j].Network.Masked()
			if a == b {
				if j < i {
					keep[i] = false
					break
				}
				continue
			}
			if containsPrefix(b, a) {
				keep[i] = false
				break
			}
		}
	}

	var newList, removed []Entry
	for i, entry := range list {
		if keep[i] {
			newList = append(newList, entry)
		} else {
			removed = append(removed, entry)
		}
	}

	return SynthesisResult{NewList: newList, RemovedEntries: removed}
}

// FindContaining returns the first entry whose network covers the provided IP or CIDR.
func FindContaining(list []Entry, ipOrCIDR string) (*Entry, bool) {
	prefix, ok := parsePrefix(ipOrCIDR)
	if !ok {
		return nil, false
	}

	for i := range list {
		if containsPrefix(list[i].Network, prefix) {
			return &list[i], true
		}
	}

	return nil, false
}

// Contains reports whether address (an IPv4 address or CIDR) lies inside network.
// Either side failing to parse yields false.
func Contains(network, address string) bool {
	container, ok := parsePrefix(network)
	if !ok {
		return false
	}
	target, ok := parsePrefix(address)
	if !ok {
		return false
	}
	return containsPrefix(container, target)
}

// parsePrefix normalizes IPv4 addresses and CIDR strings into a masked prefix.
func parsePrefix(input string) (netip.Prefix, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return netip.Prefix{}, false
	}
	if strings.Contains(input, "/") {
		if canonical, ok := Canonical(input); ok {
			input = canonical
		}
		prefix, err := netip.ParsePrefix(input)
		if err != nil || !prefix.Addr().Is4() {
			return netip.Prefix{}, false
		}
		return prefix.Masked(), true
	}
	addr, err := netip.ParseAddr(input)
	if err != nil || !addr.Is4() {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, 32), true
}

// containsPrefix reports whether container fully encompasses target.
// Non-IPv4 prefixes yield false.
func containsPrefix(container, target netip.Prefix) bool {
	container = container.Masked()
	target = target.Masked()
	if !container.Addr().Is4() || !target.Addr().Is4() {
		return false
	}
	if container.Bits() > target.Bits() {
		return false
	}
	return container.Contains(target.Addr())
}
