// Package events defines the event subjects and IPC channel names shared
// between the process supervisor (L4), the plugin host (L5), and the UI
// process, plus the factory that provisions the configured event bus.
package events

// Per-session process event kinds, delivered via subscribe(kind, handler)
// on the supervisor (spec §4.4) and re-exposed to plugins holding
// process:read under api.process.onData/onUsage/onToolExecution/onExit/
// onThinkingChunk (spec §4.5).
const (
	ProcessSessionID      = "session-id"
	ProcessData           = "data"
	ProcessUsage          = "usage"
	ProcessSlashCommands  = "slash-commands"
	ProcessResult         = "result"
	ProcessToolExecution  = "tool-execution"
	ProcessThinkingChunk  = "thinking-chunk"
	ProcessAgentError     = "agent-error"
	ProcessStderr         = "stderr"
	ProcessExit           = "exit"
)

// BuildProcessSubject builds the wildcard-matchable subject for a
// session-scoped process event kind, e.g. "process.<sessionID>.exit".
func BuildProcessSubject(sessionID, kind string) string {
	return "process." + sessionID + "." + kind
}

// BuildProcessWildcardSubject matches every kind for a given session.
func BuildProcessWildcardSubject(sessionID string) string {
	return "process." + sessionID + ".*"
}

// IPC channel namespaces (spec §4.5's "IPC surface"). Request/response
// channels and pub/sub broadcasts are both namespaced this way; a channel's
// prefix determines which permission, if any, is required to reach it.
const (
	ChannelProcess   = "process"
	ChannelStats     = "stats"
	ChannelPlugins   = "plugins"
	ChannelProviders = "providers"
	ChannelContext   = "context"
	ChannelFS        = "fs"
)

// ProviderFailoverSuggest is broadcast by the provider-health tracker when a
// provider's recent error rate crosses its configured threshold (spec
// §4.5's "Provider-health broadcast"). The supervisor only relays it.
const ProviderFailoverSuggest = "provider:failover-suggest"

// BuildPluginChannel namespaces a plugin's own IPC channel under its id, so
// only the owning plugin may register handlers for it (spec §4.5's
// "Plugin IPC bridge").
func BuildPluginChannel(pluginID, channel string) string {
	return "plugin:" + pluginID + ":" + channel
}

// PluginSettingsKey namespaces a settings key under a plugin's id (spec
// §4.5's "Settings namespacing" — a plugin may never read or write keys
// outside its own prefix).
func PluginSettingsKey(pluginID, key string) string {
	return "plugin:" + pluginID + ":" + key
}

// PluginUserDisabledSuffix records a user-initiated disable so a
// first-party plugin never auto-re-enables once the user has opted out.
const PluginUserDisabledSuffix = ":userDisabled"
