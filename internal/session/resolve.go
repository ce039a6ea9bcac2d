package session

import "github.com/stackelite/chatsync/internal/config"

// DefaultSessionName is used when neither the flag nor the config names a
// session.
const DefaultSessionName = "main"

// Resolve picks the session to run. An explicit override (the --session
// flag) wins; otherwise the shared config's default_session, falling back
// to "main" when the config is absent or silent.
func Resolve(override string) string {
	if override != "" {
		return override
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
