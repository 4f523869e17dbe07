package core

// Environment variables read by cmd/dispatch-service at startup. Components
// themselves take explicit config structs; only the entrypoint reads env.
const (
	EnvRedisURL  = "REDIS_URL"  // Redis connection URL for the shared keyed store
	EnvNamespace = "NAMESPACE"  // key namespace, usually the deployment environment
	EnvPort      = "PORT"       // HTTP server port
	EnvDevMode   = "DEV_MODE"   // when true, the access log records every request
	EnvLogLevel  = "LOG_LEVEL"  // debug|info|warn|error
	EnvLogFormat = "LOG_FORMAT" // json|text
)
