package api

import "strings"

// Endpoint identifies an OpenAI API route the gateway knows how to treat.
type Endpoint int

const (
	EndpointUnknown Endpoint = iota
	EndpointCompletions
	EndpointChatCompletions
	EndpointEmbeddings
	EndpointEdits
	EndpointModerations
	EndpointImagesGenerations
	EndpointImagesEdits
	EndpointImagesVariations
)

var endpointPaths = map[Endpoint]string{
	EndpointCompletions:       "/v1/completions",
	EndpointChatCompletions:   "/v1/chat/completions",
	EndpointEmbeddings:        "/v1/embeddings",
	EndpointEdits:             "/v1/edits",
	EndpointModerations:       "/v1/moderations",
	EndpointImagesGenerations: "/v1/images/generations",
	EndpointImagesEdits:       "/v1/images/edits",
	EndpointImagesVariations:  "/v1/images/variations",
}

// ParseEndpoint maps a normalized, lower-cased request path to an Endpoint.
// Unknown paths map to EndpointUnknown.
func ParseEndpoint(path string) Endpoint {
	path = strings.ToLower(path)
	for ep, p := range endpointPaths {
		if p == path {
			return ep
		}
	}
	return EndpointUnknown
}

// Path returns the canonical path of the endpoint, or "" when unknown.
func (e Endpoint) Path() string {
	return endpointPaths[e]
}

func (e Endpoint) String() string {
	if p, ok := endpointPaths[e]; ok {
		return p
	}
	return "unknown"
}

// In reports whether e is one of the given endpoints.
func (e Endpoint) In(set ...Endpoint) bool {
	for _, s := range set {
		if e == s {
			return true
		}
	}
	return false
}

// NormalizePath lower-cases the path and prepends /v1 when missing.
func NormalizePath(path string) string {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(strings.ToLower(path), "/v1") {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		path = "/v1" + path
	}
	return strings.ToLower(path)
}
