package sandbox

// Launch environment keys the host sets on every sandbox. HistoryEnv
// carries the prior conversation.
const (
	EnvSessionID    = "HARBOR_SESSION_ID"
	EnvAgentID      = "HARBOR_AGENT_ID"
	EnvUserID       = "HARBOR_USER_ID"
	EnvSessionType  = "HARBOR_SESSION_TYPE"
	EnvModel        = "HARBOR_MODEL"
	EnvBroker       = "HARBOR_MQTT_BROKER"
	EnvSystemPrompt = "HARBOR_SYSTEM_PROMPT"
)
