package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/juris/internal/models"
)

// ErrNoCredentials marks a target that needs a login but has none configured
var ErrNoCredentials = errors.New("no credentials configured")

// credentialFile is the on-disk layout:
//
//	[tribunals.TJSP]
//	username = "12345678900"
//	password = "${TJSP_PASSWORD}"
type credentialFile struct {
	Tribunals map[string]models.Credentials `toml:"tribunals"`
}

// FileCredentialStore serves per-tribunal credentials from a TOML file.
// Values may reference environment variables.
type FileCredentialStore struct {
	path   string
	logger arbor.ILogger

	mu    sync.RWMutex
	creds map[string]models.Credentials
}

// LoadCredentialFile reads the credentials file at path
func LoadCredentialFile(path string, logger arbor.ILogger) (*FileCredentialStore, error) {
	s := &FileCredentialStore{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file, replacing every entry
func (s *FileCredentialStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file credentialFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file %s: %w", s.path, err)
	}

	creds := make(map[string]models.Credentials, len(file.Tribunals))
	for tribunal, c := range file.Tribunals {
		c.Username = os.ExpandEnv(c.Username)
		c.Password = os.ExpandEnv(c.Password)
		for k, v := range c.Extra {
			c.Extra[k] = os.ExpandEnv(v)
		}
		creds[strings.ToUpper(tribunal)] = c
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()

	s.logger.Info().
		Str("path", s.path).
		Int("tribunals", len(creds)).
		Msg("Credentials loaded")
	return nil
}

// Lookup returns a copy of the tribunal's credentials, or nil when none are configured
func (s *FileCredentialStore) Lookup(ctx context.Context, tribunal string) (*models.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[strings.ToUpper(tribunal)]
	if !ok {
		return nil, nil
	}
	out := c
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return &out, nil
}

// Tribunals lists the configured tribunal codes
func (s *FileCredentialStore) Tribunals() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.creds))
	for k := range s.creds {
		out = append(out, k)
	}
	return out
}
