package logging

import (
	"log/slog"
	"net"
	"regexp"
	"strings"
)

// Redactor masks peer addresses and secrets in log attributes.
type Redactor struct {
	ipv4 *regexp.Regexp
	ipv6 *regexp.Regexp
}

// NewRedactor creates a Redactor.
func NewRedactor() *Redactor {
	return &Redactor{
		ipv4: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		ipv6: regexp.MustCompile(`\[?\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{0,4}\b\]?`),
	}
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, "***")
	}
	if a.Value.Kind() != slog.KindString {
		if a.Value.Kind() == slog.KindAny {
			if addr, ok := a.Value.Any().(net.Addr); ok {
				return slog.String(a.Key, r.RedactString(addr.String()))
			}
		}
		return a
	}
	return slog.String(a.Key, r.RedactString(a.Value.String()))
}

// RedactString masks every IP address in value.
func (r *Redactor) RedactString(value string) string {
	if value == "" {
		return value
	}
	value = r.ipv4.ReplaceAllStringFunc(value, RedactIPv4)
	return r.ipv6.ReplaceAllStringFunc(value, func(s string) string {
		if !strings.Contains(s, "::") && strings.Count(s, ":") < 7 {
			return s
		}
		return "****:****"
	})
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"password", "passwd", "secret", "token", "private_key"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// RedactIPv4 redacts an IPv4 address, keeping only the first octet.
func RedactIPv4(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	return parts[0] + ".*.*.*"
}
