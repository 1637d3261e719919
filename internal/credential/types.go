// Package credential enumerates and normalizes upstream credentials: OAuth
// records stored one-per-file in the managed directory, and static keys or
// token sets sourced from environment variables.
package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes static API keys from OAuth token records.
type Kind int

const (
	KindAPIKey Kind = iota
	KindOAuth
)

func (k Kind) String() string {
	if k == KindOAuth {
		return "oauth"
	}
	return "api_key"
}

// OAuthToken holds the mutable token fields of an OAuth credential.
// Only the token manager mutates these.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
	TokenURI     string
	AccountID    string
	Email        string
	ProjectID    string
	Tier         string
}

// Expired reports whether the access token is unusable at now.
func (t OAuthToken) Expired(now time.Time) bool {
	return t.AccessToken == "" || !t.ExpiresAt.After(now)
}

// Metadata is gateway-owned bookkeeping attached to a credential.
type Metadata struct {
	Email     string
	LastCheck time.Time
	FromEnv   bool
	EnvIndex  int
}

// Credential is the normalized record for a single upstream identity.
// ID is stable and unique: a file path for disk-backed records, an
// env://<provider>/<index> URI for environment-backed ones.
type Credential struct {
	Provider string
	Kind     Kind
	ID       string
	APIKey   string
	Token    OAuthToken
	Meta     Metadata
}

// DedupeKey identifies the upstream account behind a credential: email when
// known, account id otherwise, falling back to the raw key material.
func (c *Credential) DedupeKey() string {
	switch {
	case c.Token.Email != "":
		return c.Token.Email
	case c.Token.AccountID != "":
		return c.Token.AccountID
	case c.Kind == KindAPIKey:
		return c.APIKey
	default:
		return c.ID
	}
}

// fileSchema is the on-disk JSON shape for OAuth credentials:
//
//	{access_token, refresh_token, id_token?, expiry_date (ms epoch),
//	 token_uri, _proxy_metadata:{email, account_id?, last_check_timestamp,
//	 loaded_from_env, env_credential_index?}}
type fileSchema struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	IDToken      string        `json:"id_token,omitempty"`
	ExpiryDate   int64         `json:"expiry_date"`
	TokenURI     string        `json:"token_uri"`
	ProjectID    string        `json:"project_id,omitempty"`
	Tier         string        `json:"tier,omitempty"`
	Meta         fileSchemaMet `json:"_proxy_metadata"`
}

type fileSchemaMet struct {
	Email        string  `json:"email"`
	AccountID    string  `json:"account_id,omitempty"`
	LastCheck    float64 `json:"last_check_timestamp"`
	LoadedEnv    bool    `json:"loaded_from_env"`
	EnvCredIndex *int    `json:"env_credential_index,omitempty"`
}

// MarshalFile renders the OAuth credential in the on-disk schema.
func (c *Credential) MarshalFile() ([]byte, error) {
	if c.Kind != KindOAuth {
		return nil, fmt.Errorf("credential %s is not oauth-backed", c.ID)
	}
	fs := fileSchema{
		AccessToken:  c.Token.AccessToken,
		RefreshToken: c.Token.RefreshToken,
		IDToken:      c.Token.IDToken,
		ExpiryDate:   c.Token.ExpiresAt.UnixMilli(),
		TokenURI:     c.Token.TokenURI,
		ProjectID:    c.Token.ProjectID,
		Tier:         c.Token.Tier,
		Meta: fileSchemaMet{
			Email:     c.Token.Email,
			AccountID: c.Token.AccountID,
			LastCheck: float64(c.Meta.LastCheck.UnixMilli()) / 1000.0,
			LoadedEnv: c.Meta.FromEnv,
		},
	}
	if c.Meta.FromEnv {
		idx := c.Meta.EnvIndex
		fs.Meta.EnvCredIndex = &idx
	}
	return json.MarshalIndent(fs, "", "  ")
}

// UnmarshalFile parses the on-disk schema into the credential.
func (c *Credential) UnmarshalFile(data []byte) error {
	var fs fileSchema
	if err := json.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parsing credential file: %w", err)
	}
	if fs.RefreshToken == "" && fs.AccessToken == "" {
		return fmt.Errorf("credential file has no tokens")
	}
	c.Kind = KindOAuth
	c.Token = OAuthToken{
		AccessToken:  fs.AccessToken,
		RefreshToken: fs.RefreshToken,
		IDToken:      fs.IDToken,
		ExpiresAt:    time.UnixMilli(fs.ExpiryDate),
		TokenURI:     fs.TokenURI,
		ProjectID:    fs.ProjectID,
		Tier:         fs.Tier,
		Email:        fs.Meta.Email,
		AccountID:    fs.Meta.AccountID,
	}
	c.Meta = Metadata{
		Email:     fs.Meta.Email,
		LastCheck: time.UnixMilli(int64(fs.Meta.LastCheck * 1000)),
		FromEnv:   fs.Meta.LoadedEnv,
	}
	if fs.Meta.EnvCredIndex != nil {
		c.Meta.EnvIndex = *fs.Meta.EnvCredIndex
	}
	return nil
}

// EnvURI builds the identifier for an environment-backed credential.
// Index 0 denotes the legacy single-credential variable names.
func EnvURI(provider string, index int) string {
	return fmt.Sprintf("env://%s/%d", provider, index)
}
