// Package auth initiates OAuth authorization flows on behalf of sandboxed
// agents. Token exchange and storage are handled out of process; this
// package only produces the authorization link a human must visit.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zulandar/stationmaster/internal/config"
	"golang.org/x/oauth2"
)

// Flow builds authorization links for configured providers.
type Flow struct {
	providers map[string]config.ProviderConfig
}

// New creates a Flow from the configured provider map.
func New(providers map[string]config.ProviderConfig) *Flow {
	if providers == nil {
		providers = make(map[string]config.ProviderConfig)
	}
	return &Flow{providers: providers}
}

// Initiate returns the authorization URL for the provider. Scopes from the
// request are used when given; otherwise the provider's configured scopes.
func (f *Flow) Initiate(provider string, scopes []string) (string, error) {
	p, ok := f.providers[provider]
	if !ok {
		return "", fmt.Errorf("auth: unknown provider %q", provider)
	}

	if len(scopes) == 0 {
		scopes = p.Scopes
	}

	cfg := oauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: p.RedirectURL,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// randomState generates an unguessable state parameter.
func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
