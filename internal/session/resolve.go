package session

import "os"

// DefaultSessionName is used when nothing else names a session.
const DefaultSessionName = "main"

// EnvSession selects the session when no --session flag is given.
const EnvSession = "NEXUS_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. NEXUS_SESSION
// 3. configDefault (config.toml default_session)
// 4. "main"
func Resolve(flagOverride, configDefault string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := os.Getenv(EnvSession); v != "" {
		return v
	}
	if configDefault != "" {
		return configDefault
	}
	return DefaultSessionName
}
