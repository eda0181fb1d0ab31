package websocket

// Action constants for WebSocket messages. These mirror spec §6's IPC
// surface: one action per request/response channel, namespaced the same
// way as internal/events's ChannelProcess/ChannelStats/etc. constants.
const (
	ActionHealthCheck = "health.check"

	// Process actions (spec §4.4's spawn/write/kill/list/subscribe).
	ActionProcessSpawn = "process.spawn"
	ActionProcessWrite = "process.write"
	ActionProcessKill  = "process.kill"
	ActionProcessList  = "process.list"

	// Session subscription actions — handled directly against the Hub
	// (not through the request/response dispatcher) since they mutate the
	// connection's own subscriber set.
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Agent actions (spec §4.2's per-protocol parser surface).
	ActionAgentTypes   = "agents.types"
	ActionAgentSession = "agents.session"

	// Filesystem actions scoped to a session's working directory.
	ActionFSRead = "fs.read"
	ActionFSList = "fs.list"

	// Context/usage actions (spec §4.3's normalized usage stream).
	ActionContextUsage = "context.usage"

	// Stats actions.
	ActionStatsGet = "stats.get"

	// Plugin host actions (spec §4.5).
	ActionPluginsList     = "plugins.list"
	ActionPluginsEnable   = "plugins.enable"
	ActionPluginsDisable  = "plugins.disable"
	ActionPluginsSettings = "plugins.settings"

	// Provider-health actions. FailoverSuggest is a server -> client
	// broadcast (spec §6's provider:failover-suggest), never dispatched as
	// a request; ClearSessionErrors is the one request action alongside
	// Status.
	ActionProvidersStatus             = "providers.status"
	ActionProvidersFailoverSuggest    = "providers.failover-suggest"
	ActionProvidersClearSessionErrors = "providers.clear-session-errors"

	// Notification actions (server -> client), one per process event kind.
	ActionProcessData          = "process.data"
	ActionProcessUsage         = "process.usage"
	ActionProcessResult        = "process.result"
	ActionProcessToolExecution = "process.tool-execution"
	ActionProcessThinkingChunk = "process.thinking-chunk"
	ActionProcessAgentError    = "process.agent-error"
	ActionProcessStderr        = "process.stderr"
	ActionProcessExit          = "process.exit"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
