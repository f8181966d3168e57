// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originPolicy is the allow-list built from Config.AllowedOrigins. Entries
// are keyed by lowercase scheme://host; "*" admits every request.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	log      zerolog.Logger
}

func newOriginPolicy(origins []string, log zerolog.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		log:     log,
	}
	for _, entry := range origins {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			p.allowAll = true
		default:
			key, ok := originKey(entry)
			if !ok {
				log.Warn().Str("origin", entry).Msg("Ignoring invalid origin in configuration")
				continue
			}
			p.allowed[key] = struct{}{}
		}
	}
	return p
}

// originKey reduces an origin or URL to the scheme://host form used for
// lookups.
func originKey(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// checkOrigin is installed as the upgrader's CheckOrigin hook. Requests
// without an Origin header are refused unless every origin is allowed.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if key, ok := originKey(origin); ok {
		if _, allowed := p.allowed[key]; allowed {
			return true
		}
	}

	p.log.Warn().Str("origin", origin).Msg("Blocked WebSocket connection from disallowed origin")
	return false
}
