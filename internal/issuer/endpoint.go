package issuer

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	defaultPathPrefix = "/openai"
	sessionsPath      = "realtimeapi/sessions"
)

// SessionsEndpoint composes the session-creation URL from a configured base.
// A base without a path gets the "/openai" prefix; separators are never
// duplicated or dropped.
func SessionsEndpoint(baseURL, apiVersion string) (string, error) {
	raw := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid base url %q", ErrConfigurationInvalid, baseURL)
	}

	endpoint := url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   joinPath(normalizePath(u.Path, defaultPathPrefix), sessionsPath),
	}
	if v := strings.TrimSpace(apiVersion); v != "" {
		endpoint.RawQuery = url.Values{"api-version": []string{v}}.Encode()
	}
	return endpoint.String(), nil
}

func normalizePath(path, fallback string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return fallback
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

func joinPath(prefix, rel string) string {
	prefix = normalizePath(prefix, "/")
	rel = strings.TrimLeft(rel, "/")
	if prefix == "/" {
		return "/" + rel
	}
	return prefix + "/" + rel
}

// RegionRealtimeURL is the signaling endpoint used when the upstream response
// names none.
func RegionRealtimeURL(region string) string {
	return fmt.Sprintf("https://%s.realtimeapi-preview.ai.azure.com/v1/realtimertc", strings.TrimSpace(region))
}
