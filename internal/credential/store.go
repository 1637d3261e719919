package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/majorcontext/relay/internal/log"
)

// maxEnvIndex bounds the scan for numbered environment credentials.
const maxEnvIndex = 32

// Store enumerates credentials from the managed directory and the
// environment. Directory files win over environment variables; duplicates
// by (provider, account) are dropped with a warning.
type Store struct {
	dir     string
	environ func() []string

	mu    sync.RWMutex
	creds map[string]*Credential // by ID
	order map[string][]string    // provider -> IDs, directory first
}

// NewStore creates a store rooted at dir. The environment is captured via
// os.Environ unless overridden for tests with SetEnviron.
func NewStore(dir string) *Store {
	return &Store{
		dir:     dir,
		environ: os.Environ,
		creds:   make(map[string]*Credential),
		order:   make(map[string][]string),
	}
}

// SetEnviron overrides the environment source. For testing.
func (s *Store) SetEnviron(fn func() []string) { s.environ = fn }

// Dir returns the managed credential directory.
func (s *Store) Dir() string { return s.dir }

// Load scans the credential directory and the environment, replacing the
// store contents. Safe to call again for an explicit reload.
func (s *Store) Load() error {
	creds := make(map[string]*Credential)
	order := make(map[string][]string)
	seen := make(map[string]string) // provider+"\x00"+dedupeKey -> winning ID

	add := func(c *Credential) {
		key := c.Provider + "\x00" + c.DedupeKey()
		if winner, dup := seen[key]; dup {
			log.Warn("duplicate credential dropped",
				"provider", c.Provider,
				"id", log.MaskCredential(c.ID),
				"kept", log.MaskCredential(winner))
			return
		}
		seen[key] = c.ID
		creds[c.ID] = c
		order[c.Provider] = append(order[c.Provider], c.ID)
	}

	// Directory files first: they take priority over env credentials.
	if entries, err := os.ReadDir(s.dir); err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			path := filepath.Join(s.dir, name)
			c, err := loadFile(path)
			if err != nil {
				log.Warn("skipping unreadable credential file", "path", name, "error", err)
				continue
			}
			add(c)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading credential dir: %w", err)
	}

	for _, c := range s.discoverEnv() {
		add(c)
	}

	s.mu.Lock()
	s.creds = creds
	s.order = order
	s.mu.Unlock()
	return nil
}

// loadFile reads one credential file. The provider tag is the filename
// prefix: <provider>_oauth_<n>.json.
func loadFile(path string) (*Credential, error) {
	base := filepath.Base(path)
	provider, ok := providerFromFilename(base)
	if !ok {
		return nil, fmt.Errorf("unrecognized credential filename %q", base)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Credential{Provider: provider, ID: path}
	if err := c.UnmarshalFile(data); err != nil {
		return nil, err
	}
	return c, nil
}

func providerFromFilename(name string) (string, bool) {
	name = strings.TrimSuffix(name, ".json")
	idx := strings.Index(name, "_oauth_")
	if idx <= 0 {
		return "", false
	}
	return name[:idx], true
}

// List returns the credential IDs for a provider, directory entries first.
func (s *Store) List(provider string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[provider]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Providers returns all providers with at least one credential, sorted.
func (s *Store) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.order))
	for p := range s.order {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Get returns the credential for an ID.
func (s *Store) Get(id string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	return c, ok
}

// Update swaps the stored record for id. Used by the token manager after a
// refresh; the on-disk write happens through the statefile writer, not here.
func (s *Store) Update(c *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; ok {
		s.creds[c.ID] = c
	}
}

// Delete removes a credential record and, for disk-backed records, the file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	c, ok := s.creds[id]
	if ok {
		delete(s.creds, id)
		ids := s.order[c.Provider]
		for i, v := range ids {
			if v == id {
				s.order[c.Provider] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("credential not found: %s", id)
	}
	if !c.Meta.FromEnv {
		if err := os.Remove(id); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting credential file: %w", err)
		}
	}
	return nil
}

// Import copies a credential file from an external well-known path into the
// managed directory. The source file is never modified.
func (s *Store) Import(provider, srcPath string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("reading import source: %w", err)
	}
	var probe Credential
	probe.Provider = provider
	if err := probe.UnmarshalFile(data); err != nil {
		return "", fmt.Errorf("import source is not a credential file: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("creating credential dir: %w", err)
	}
	n := 1
	var dst string
	for {
		dst = filepath.Join(s.dir, fmt.Sprintf("%s_oauth_%d.json", provider, n))
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		n++
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return "", fmt.Errorf("writing imported credential: %w", err)
	}
	return dst, nil
}

// discoverEnv builds environment-backed credentials. Index 0 uses the
// legacy single-credential names (<PROVIDER>_API_KEY, <PROVIDER>_REFRESH_TOKEN);
// indices >= 1 use the numbered variants (<PROVIDER>_<N>_API_KEY, ...).
func (s *Store) discoverEnv() []*Credential {
	env := make(map[string]string)
	for _, kv := range s.environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	providers := make(map[string]bool)
	for k := range env {
		for _, suffix := range []string{"_API_KEY", "_REFRESH_TOKEN"} {
			if !strings.HasSuffix(k, suffix) {
				continue
			}
			name := strings.TrimSuffix(k, suffix)
			// Strip a trailing _<N> for numbered variants.
			if i := strings.LastIndexByte(name, '_'); i > 0 {
				if _, err := strconv.Atoi(name[i+1:]); err == nil {
					name = name[:i]
				}
			}
			if name != "" {
				providers[strings.ToLower(name)] = true
			}
		}
	}

	var out []*Credential
	keys := make([]string, 0, len(providers))
	for p := range providers {
		keys = append(keys, p)
	}
	sort.Strings(keys)
	for _, provider := range keys {
		upper := strings.ToUpper(provider)
		for idx := 0; idx <= maxEnvIndex; idx++ {
			prefix := upper
			if idx > 0 {
				prefix = fmt.Sprintf("%s_%d", upper, idx)
			}
			if c := envCredential(env, provider, prefix, idx); c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

func envCredential(env map[string]string, provider, prefix string, idx int) *Credential {
	if key := env[prefix+"_API_KEY"]; key != "" {
		return &Credential{
			Provider: provider,
			Kind:     KindAPIKey,
			ID:       EnvURI(provider, idx),
			APIKey:   key,
			Meta:     Metadata{FromEnv: true, EnvIndex: idx},
		}
	}
	if rt := env[prefix+"_REFRESH_TOKEN"]; rt != "" {
		return &Credential{
			Provider: provider,
			Kind:     KindOAuth,
			ID:       EnvURI(provider, idx),
			Token: OAuthToken{
				RefreshToken: rt,
				AccessToken:  env[prefix+"_ACCESS_TOKEN"],
				ProjectID:    env[prefix+"_PROJECT_ID"],
			},
			Meta: Metadata{FromEnv: true, EnvIndex: idx},
		}
	}
	return nil
}
