// Package validate holds the request-level validators shared across
// handlers: SSRF-safe URLs, tag grammar, monetary bounds, and text length
// limits.
package validate

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"

	"github.com/shopspring/decimal"
)

const (
	MaxCapabilities    = 20
	MaxTagLength       = 64
	MaxDisplayName     = 128
	MaxDescription     = 4096
	MaxComment         = 4096
	MaxMessage         = 2048
	MaxEndpointURL     = 2048
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// MaxAmount is the upper bound for every monetary field.
var MaxAmount = decimal.RequireFromString("1000000")

// LookupIPFunc resolves a hostname; swapped in tests.
type LookupIPFunc func(host string) ([]net.IP, error)

// EndpointURL checks an agent endpoint: HTTPS only, and no host that
// resolves into private, loopback, link-local, or unique-local space.
func EndpointURL(raw string, lookup LookupIPFunc) error {
	if raw == "" || len(raw) > MaxEndpointURL {
		return fmt.Errorf("endpoint_url must be 1-%d characters", MaxEndpointURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint_url is not a valid URL")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("endpoint_url must use HTTPS")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("endpoint_url must have a hostname")
	}

	// Literal IP hosts are checked directly; names are resolved so a DNS
	// record pointing at 10.0.0.0/8 cannot slip through.
	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("endpoint_url must not point to a private or internal address")
		}
		return nil
	}
	if lookup == nil {
		lookup = net.LookupIP
	}
	ips, err := lookup(host)
	if err != nil {
		return fmt.Errorf("endpoint_url host does not resolve")
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if blockedAddr(addr.Unmap()) {
			return fmt.Errorf("endpoint_url must not point to a private or internal address")
		}
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		isUniqueLocal(addr)
}

func isUniqueLocal(addr netip.Addr) bool {
	if !addr.Is6() || addr.Is4In6() {
		return false
	}
	return addr.AsSlice()[0]&0xfe == 0xfc // fc00::/7
}

// Tag validates a single capability or skill tag against the grammar.
func Tag(tag string) error {
	if tag == "" || len(tag) > MaxTagLength {
		return fmt.Errorf("tag must be 1-%d characters", MaxTagLength)
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("tag %q must match [A-Za-z0-9-]+", tag)
	}
	return nil
}

// Tags validates a capability list (count and per-tag grammar).
func Tags(tags []string) error {
	if len(tags) > MaxCapabilities {
		return fmt.Errorf("at most %d tags allowed", MaxCapabilities)
	}
	for _, tag := range tags {
		if err := Tag(tag); err != nil {
			return err
		}
	}
	return nil
}

// Amount validates a monetary value: positive, scale ≤ 2, at most
// MaxAmount.
func Amount(d decimal.Decimal) error {
	if d.Exponent() < -2 {
		return fmt.Errorf("amount must have at most 2 decimal places")
	}
	if !d.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if d.GreaterThan(MaxAmount) {
		return fmt.Errorf("amount must not exceed %s", MaxAmount)
	}
	return nil
}

// Text validates a free-text field against a byte-length bound.
func Text(field, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%s must be at most %d characters", field, max)
	}
	return nil
}

// Required rejects empty strings.
func Required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}
