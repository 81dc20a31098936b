package model

import (
	"fmt"
	"strings"
)

// UsageMode selects which provider endpoint a credential is read through.
type UsageMode string

// Usage modes.
const (
	ModeStandard UsageMode = "standard"
	ModeAdmin    UsageMode = "admin"
)

// ParseUsageMode accepts the mode names used in configuration. Empty means standard.
func ParseUsageMode(s string) (UsageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeStandard):
		return ModeStandard, nil
	case string(ModeAdmin):
		return ModeAdmin, nil
	}
	return "", fmt.Errorf("unknown usage mode %q (want standard or admin)", s)
}

// UsageModeConfiguration is the per-credential endpoint selection.
type UsageModeConfiguration struct {
	Mode           UsageMode
	OrganizationID string
	ProjectID      string
}

// Validate reports why the configuration cannot be used. Admin mode needs
// both the organization and the project identifier.
func (c UsageModeConfiguration) Validate() error {
	if c.Mode != ModeAdmin {
		return nil
	}
	var missing []string
	if strings.TrimSpace(c.OrganizationID) == "" {
		missing = append(missing, "organization id")
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		missing = append(missing, "project id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("admin usage mode requires %s", strings.Join(missing, " and "))
	}
	return nil
}

// Credential is a decrypted provider secret plus its usage-mode settings.
type Credential struct {
	Ref    string
	Secret string
	Usage  UsageModeConfiguration
}

// String never includes the secret.
func (c Credential) String() string {
	return fmt.Sprintf("%s (%s)", c.Ref, c.Usage.Mode)
}

// MaskSecret shows only the first and last few characters of a secret.
func MaskSecret(s string) string {
	if len(s) <= 16 {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "..."
	}
	return s[:10] + "..." + s[len(s)-4:]
}
