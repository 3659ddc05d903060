package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

const discoveryTimeout = 10 * time.Second

// discoveryDoc is the subset of an OpenID Connect discovery document used to
// locate the identity provider's signing keys.
type discoveryDoc struct {
	Issuer     string   `json:"issuer"`
	JWKSURI    string   `json:"jwks_uri"`
	SigningAlg []string `json:"id_token_signing_alg_values_supported"`
}

// discoverJWKS resolves the JWKS endpoint of issuer. The document must name
// the same issuer and, when it lists algorithms, support RS256.
func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	issuer = strings.TrimRight(issuer, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oidc discovery: status %d", resp.StatusCode)
	}

	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("oidc discovery: decode: %w", err)
	}
	switch {
	case doc.JWKSURI == "":
		return "", fmt.Errorf("oidc discovery: document has no jwks_uri")
	case doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != issuer:
		return "", fmt.Errorf("oidc discovery: issuer %q does not match %q", doc.Issuer, issuer)
	case len(doc.SigningAlg) > 0 && !slices.Contains(doc.SigningAlg, "RS256"):
		return "", fmt.Errorf("oidc discovery: provider does not sign with RS256")
	}
	return doc.JWKSURI, nil
}
