package auth

import (
	"net/http"
	"strings"
)

// TokenRetriever extracts a bearer token from a request. It returns "" when
// the request carries none.
type TokenRetriever func(r *http.Request) string

// FromAuthorizationHeader reads "Authorization: Bearer <token>". The scheme
// is matched case-insensitively.
func FromAuthorizationHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// FromQueryString reads the token from the named query parameter.
func FromQueryString(name string) TokenRetriever {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FirstOf tries each retriever in order and returns the first token found.
func FirstOf(retrievers ...TokenRetriever) TokenRetriever {
	return func(r *http.Request) string {
		for _, get := range retrievers {
			if tok := get(r); tok != "" {
				return tok
			}
		}
		return ""
	}
}
