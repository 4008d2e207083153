// Package appconf holds process-level configuration shared across the
// application: runtime environment and server settings parsed in cmd.
package appconf

import "strings"

// Environment indicates the runtime environment of the application.
type Environment int

const (
	Development Environment = iota
	Test
	Production
)

// EnvFlagToEnvironment maps a -env flag value to an Environment.
// Unknown values fall back to Development.
func EnvFlagToEnvironment(flag string) Environment {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "production", "prod":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Test:
		return "test"
	default:
		return "development"
	}
}

// Config holds process-level settings for the HTTP server and its
// collaborators. User-facing board settings live in the settings package.
type Config struct {
	Env          Environment
	Addr         string
	SettingsPath string
	SnapshotPath string
	TransitURL   string
	TransitKey   string
	Verbose      bool
}
