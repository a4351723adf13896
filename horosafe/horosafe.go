// Package horosafe holds the input-safety checks shared by the HTTP
// surfaces: outbound URL validation, identifier and filename checks, and
// bounded reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// MaxResponseBody is the default cap for remote response reads (64 MiB,
// converted documents included).
const MaxResponseBody int64 = 64 << 20

var (
	// ErrSSRF is returned when a URL targets a private or loopback address.
	ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

	// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
	ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

	// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
	ErrTooLarge = errors.New("horosafe: payload too large")
)

// URLPolicy controls ValidateURL. The conversion service usually runs on
// the same private network, so AllowPrivate is a deployment decision.
type URLPolicy struct {
	AllowPrivate bool
}

// ValidateURL checks that rawURL uses http/https, has a host and, unless
// the policy allows it, does not point at a private or loopback address.
// Hostnames are resolved; a DNS failure is not an error.
func (p URLPolicy) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}
	if p.AllowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && IsPrivate(addr) {
			return ErrSSRF
		}
	}
	return nil
}

// ValidateURL applies the strict policy.
func ValidateURL(rawURL string) error {
	return URLPolicy{}.ValidateURL(rawURL)
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// IsPrivate reports loopback, link-local, unspecified and RFC 1918/4193/6598
// addresses.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateIdentifier accepts 1 to 128 characters of [A-Za-z0-9_.-].
// Document and annotation IDs must pass it before reaching SQL or a URL.
func ValidateIdentifier(s string) error {
	if s == "" {
		return errors.New("horosafe: identifier must not be empty")
	}
	if len(s) > 128 {
		return errors.New("horosafe: identifier too long (max 128)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// SafeFilename reduces name to a base file name without extension that is
// safe in a Content-Disposition header. It returns fallback when nothing
// usable remains.
func SafeFilename(name, fallback string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimSuffix(name, path.Ext(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return fallback
	}
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}

// LimitedReadAll reads at most maxBytes from r and fails with ErrTooLarge
// beyond that.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
