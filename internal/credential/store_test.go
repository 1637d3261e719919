package credential

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOAuthFile(t *testing.T, dir, provider string, n int, email string) string {
	t.Helper()
	c := &Credential{
		Provider: provider,
		Kind:     KindOAuth,
		Token: OAuthToken{
			AccessToken:  "at-" + email,
			RefreshToken: "rt-" + email,
			ExpiresAt:    time.Now().Add(time.Hour),
			TokenURI:     "https://oauth2.googleapis.com/token",
			Email:        email,
		},
		Meta: Metadata{Email: email, LastCheck: time.Now()},
	}
	data, err := c.MarshalFile()
	require.NoError(t, err)
	path := filepath.Join(dir, provider+"_oauth_"+itoa(n)+".json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func itoa(n int) string {
	return string(rune('0' + n))
}

func env(pairs ...string) func() []string {
	return func() []string { return pairs }
}

func TestStore_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	p1 := writeOAuthFile(t, dir, "gemini", 1, "a@example.com")
	p2 := writeOAuthFile(t, dir, "gemini", 2, "b@example.com")

	s := NewStore(dir)
	s.SetEnviron(env())
	require.NoError(t, s.Load())

	assert.ElementsMatch(t, []string{p1, p2}, s.List("gemini"))
	c, ok := s.Get(p1)
	require.True(t, ok)
	assert.Equal(t, KindOAuth, c.Kind)
	assert.Equal(t, "a@example.com", c.Token.Email)
	assert.Equal(t, "rt-a@example.com", c.Token.RefreshToken)
}

func TestStore_EnvDiscovery(t *testing.T) {
	s := NewStore(t.TempDir())
	s.SetEnviron(env(
		"OPENAI_API_KEY=sk-legacy",
		"OPENAI_1_API_KEY=sk-one",
		"GEMINI_REFRESH_TOKEN=rt-legacy",
		"GEMINI_ACCESS_TOKEN=at-legacy",
		"UNRELATED=x",
	))
	require.NoError(t, s.Load())

	assert.Equal(t, []string{"env://openai/0", "env://openai/1"}, s.List("openai"))
	assert.Equal(t, []string{"env://gemini/0"}, s.List("gemini"))

	c, ok := s.Get("env://openai/0")
	require.True(t, ok)
	assert.Equal(t, KindAPIKey, c.Kind)
	assert.Equal(t, "sk-legacy", c.APIKey)
	assert.True(t, c.Meta.FromEnv)

	g, ok := s.Get("env://gemini/0")
	require.True(t, ok)
	assert.Equal(t, KindOAuth, g.Kind)
	assert.Equal(t, "rt-legacy", g.Token.RefreshToken)
	assert.Equal(t, "at-legacy", g.Token.AccessToken)
}

func TestStore_DirectoryWinsOverEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeOAuthFile(t, dir, "gemini", 1, "same@example.com")

	s := NewStore(dir)
	s.SetEnviron(env())
	require.NoError(t, s.Load())
	require.Equal(t, []string{p}, s.List("gemini"))
}

func TestStore_DedupeByEmail(t *testing.T) {
	dir := t.TempDir()
	p1 := writeOAuthFile(t, dir, "gemini", 1, "dup@example.com")
	writeOAuthFile(t, dir, "gemini", 2, "dup@example.com")

	s := NewStore(dir)
	s.SetEnviron(env())
	require.NoError(t, s.Load())

	// Files scan in name order; the first wins.
	assert.Equal(t, []string{p1}, s.List("gemini"))
}

func TestStore_ReloadReplaces(t *testing.T) {
	dir := t.TempDir()
	p := writeOAuthFile(t, dir, "gemini", 1, "a@example.com")

	s := NewStore(dir)
	s.SetEnviron(env())
	require.NoError(t, s.Load())
	require.Len(t, s.List("gemini"), 1)

	require.NoError(t, os.Remove(p))
	require.NoError(t, s.Load())
	assert.Empty(t, s.List("gemini"))
}

func TestStore_Import(t *testing.T) {
	src := filepath.Join(t.TempDir(), "external.json")
	c := &Credential{
		Provider: "gemini",
		Kind:     KindOAuth,
		Token: OAuthToken{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(time.Hour),
			Email:        "import@example.com",
		},
	}
	data, err := c.MarshalFile()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, data, 0644))

	dir := t.TempDir()
	s := NewStore(dir)
	s.SetEnviron(env())

	dst, err := s.Import("gemini", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "gemini_oauth_1.json"), dst)

	// Source untouched.
	orig, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, data, orig)

	// Second import does not clobber the first.
	dst2, err := s.Import("gemini", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "gemini_oauth_2.json"), dst2)
}

func TestFileSchema_RoundTrip(t *testing.T) {
	in := &Credential{
		Provider: "gemini",
		Kind:     KindOAuth,
		ID:       "/tmp/gemini_oauth_1.json",
		Token: OAuthToken{
			AccessToken:  "at",
			RefreshToken: "rt",
			IDToken:      "idt",
			ExpiresAt:    time.UnixMilli(1756100000000),
			TokenURI:     "https://oauth2.googleapis.com/token",
			ProjectID:    "proj-1",
			Tier:         "standard-tier",
			Email:        "x@example.com",
			AccountID:    "acct-9",
		},
		Meta: Metadata{Email: "x@example.com", FromEnv: false},
	}
	data, err := in.MarshalFile()
	require.NoError(t, err)

	var out Credential
	out.Provider = "gemini"
	require.NoError(t, out.UnmarshalFile(data))
	assert.Equal(t, in.Token, out.Token)
	assert.False(t, out.Meta.FromEnv)
}

func TestOAuthToken_Expired(t *testing.T) {
	now := time.Now()
	tok := OAuthToken{AccessToken: "at", ExpiresAt: now.Add(time.Minute)}
	assert.False(t, tok.Expired(now))
	assert.True(t, tok.Expired(now.Add(2*time.Minute)))
	assert.True(t, OAuthToken{}.Expired(now))
}
