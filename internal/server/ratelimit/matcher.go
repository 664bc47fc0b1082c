package ratelimit

import (
	"strings"
)

// unlimited is returned for probes that must never be throttled.
var unlimited = EndpointConfig{}

// MatchEndpoint returns the first configuration whose method and pattern
// match the request, preferring exact patterns over trailing-slash
// prefixes. Nil means the default limit applies. A returned Limit of 0
// means the request is not limited.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if method == "GET" && (path == "/health" || path == "/metrics") {
		cfg := unlimited
		return &cfg
	}

	for i := range configs {
		if configs[i].Method == method && matchPattern(configs[i].Path, path) {
			return &configs[i]
		}
	}
	for i := range configs {
		pattern := configs[i].Path
		if configs[i].Method == method && strings.HasSuffix(pattern, "/") && matchPrefix(pattern, path) {
			return &configs[i]
		}
	}
	return nil
}

func matchPattern(pattern, path string) bool {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(want) != len(got) {
		return false
	}
	return segmentsMatch(want, got)
}

func matchPrefix(pattern, path string) bool {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(got) <= len(want) {
		return false
	}
	return segmentsMatch(want, got[:len(want)])
}

func segmentsMatch(want, got []string) bool {
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if got[i] == "" {
				return false
			}
			continue
		}
		if seg != got[i] {
			return false
		}
	}
	return true
}
