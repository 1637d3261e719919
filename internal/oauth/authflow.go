package oauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/majorcontext/relay/internal/credential"
)

// AuthFlow drives the authorization-code enrollment for a provider. The
// interactive parts (opening a browser, reading the code) belong to the
// CLI; this type only builds URLs and exchanges codes.
type AuthFlow struct {
	cfg *oauth2.Config
}

// NewAuthFlow builds a flow from the provider's registered client config.
func NewAuthFlow(cc ClientConfig, redirectURL string) *AuthFlow {
	return &AuthFlow{cfg: &oauth2.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       cc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cc.AuthURL,
			TokenURL: cc.TokenURL,
		},
	}}
}

// AuthCodeURL returns the URL the user visits to authorize the gateway.
// Offline access is requested so a refresh token is issued.
func (f *AuthFlow) AuthCodeURL(state string) string {
	return f.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the authorization code for a token set.
func (f *AuthFlow) Exchange(ctx context.Context, code string) (credential.OAuthToken, error) {
	tok, err := f.cfg.Exchange(ctx, code)
	if err != nil {
		return credential.OAuthToken{}, fmt.Errorf("exchanging authorization code: %w", err)
	}
	out := credential.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenURI:     f.cfg.Endpoint.TokenURL,
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(time.Hour)
	}
	if idt, ok := tok.Extra("id_token").(string); ok && idt != "" {
		out.IDToken = idt
		if claims, err := DecodeClaims(idt); err == nil {
			out.Email = claims.Email
			out.AccountID = claims.AccountID
		}
	}
	return out, nil
}
