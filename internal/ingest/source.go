package ingest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/samber/lo"
)

// DefaultSubject owns credentials configured without a subject.
const DefaultSubject = "default"

// CredentialSource lists subjects and yields their decrypted credentials.
type CredentialSource interface {
	Subjects(ctx context.Context) ([]string, error)
	Credentials(ctx context.Context, subject string) ([]model.Credential, error)
}

// ConfigSource serves credentials from the [[credentials]] config section.
// Its contents can be swapped while ingestion runs.
type ConfigSource struct {
	mu    sync.RWMutex
	creds []config.CredentialConfig
}

// NewConfigSource returns a source over creds.
func NewConfigSource(creds []config.CredentialConfig) *ConfigSource {
	s := &ConfigSource{}
	s.Set(creds)
	return s
}

// Set replaces the configured credentials.
func (s *ConfigSource) Set(creds []config.CredentialConfig) {
	cp := make([]config.CredentialConfig, len(creds))
	copy(cp, creds)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = cp
}

// Subjects returns every configured subject, sorted.
func (s *ConfigSource) Subjects(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := lo.Uniq(lo.Map(s.creds, func(c config.CredentialConfig, _ int) string {
		return subjectOf(c)
	}))
	sort.Strings(subjects)
	return subjects, nil
}

// Credentials returns subject's credentials in configuration order. An
// unrecognized usage mode is passed through so the orchestrator rejects
// that credential alone.
func (s *ConfigSource) Credentials(_ context.Context, subject string) ([]model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Credential
	for _, c := range s.creds {
		if subjectOf(c) != subject {
			continue
		}
		mode, err := model.ParseUsageMode(c.UsageMode)
		if err != nil {
			mode = model.UsageMode(c.UsageMode)
		}
		out = append(out, model.Credential{
			Ref:    c.Ref,
			Secret: config.GetSecret(c),
			Usage: model.UsageModeConfiguration{
				Mode:           mode,
				OrganizationID: c.OrganizationID,
				ProjectID:      c.ProjectID,
			},
		})
	}
	return out, nil
}

func subjectOf(c config.CredentialConfig) string {
	if s := strings.TrimSpace(c.Subject); s != "" {
		return s
	}
	return DefaultSubject
}
