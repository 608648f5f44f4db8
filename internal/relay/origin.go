package relay

import (
	"net/url"
	"strings"
)

// normalizeOrigin validates a browser Origin header and reduces it to
// scheme://host[:port] with default ports stripped. The endpoints are
// browser extensions, so extension schemes are accepted alongside http(s).
// The special value "null" is returned as-is.
func normalizeOrigin(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "chrome-extension", "moz-extension":
	default:
		return "", false
	}

	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}

	return scheme + "://" + host, true
}

// originAllowed applies the ALLOWED_ORIGINS allowlist. An empty allowlist
// permits everything, including requests with no Origin header (non-browser
// endpoints). With an allowlist set, a missing or malformed Origin is
// refused.
func originAllowed(allowed []string, header string) bool {
	if len(allowed) == 0 {
		return true
	}

	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if want, ok := normalizeOrigin(a); ok && want == normalized {
			return true
		}
	}
	return false
}
