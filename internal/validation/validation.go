// Package validation provides input validation functions.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrCredentialNameEmpty is returned when a credential name is empty.
	ErrCredentialNameEmpty = errors.New("credential name is required")
	// ErrCredentialNameTooLong is returned when a credential name exceeds 255 characters.
	ErrCredentialNameTooLong = errors.New("credential name must be at most 255 characters")
	// ErrCredentialNameInvalidFormat is returned when a credential name is not a valid env var style name.
	ErrCredentialNameInvalidFormat = errors.New("credential name must start with a letter or underscore and contain only letters, numbers, and underscores")

	// ErrTeamNameEmpty is returned when a team name is empty.
	ErrTeamNameEmpty = errors.New("team name is required")
	// ErrTeamNameTooLong is returned when a team name exceeds 100 characters.
	ErrTeamNameTooLong = errors.New("team name must be at most 100 characters")
	// ErrTeamNameInvalidChars is returned when a team name contains invalid characters.
	ErrTeamNameInvalidChars = errors.New("team name can only contain lowercase letters, numbers, hyphens, and dots")

	// ErrReasonEmpty is returned when a break-glass reason is empty.
	ErrReasonEmpty = errors.New("reason is required")
	// ErrReasonTooLong is returned when a break-glass reason exceeds 500 characters.
	ErrReasonTooLong = errors.New("reason must be at most 500 characters")
)

var (
	credentialNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	teamNameRegex       = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)*$`)
)

// CredentialName validates a credential name.
// Rules: 1-255 characters, environment variable style.
func CredentialName(name string) error {
	if name == "" {
		return ErrCredentialNameEmpty
	}
	if len(name) > 255 {
		return ErrCredentialNameTooLong
	}
	if !credentialNameRegex.MatchString(name) {
		return ErrCredentialNameInvalidFormat
	}
	return nil
}

// TeamName validates a team name. Sub-teams are dot-separated, e.g.
// "marketing.social".
func TeamName(team string) error {
	team = strings.TrimSpace(team)
	if team == "" {
		return ErrTeamNameEmpty
	}
	if len(team) > 100 {
		return ErrTeamNameTooLong
	}
	if !teamNameRegex.MatchString(team) {
		return ErrTeamNameInvalidChars
	}
	return nil
}

// Reason validates a break-glass reason string.
// Rules: 1-500 characters.
func Reason(reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonEmpty
	}
	if len(reason) > 500 {
		return ErrReasonTooLong
	}
	return nil
}
