// Package config handles configuration loading for relay-gateway.
//
// Configuration is loaded from a YAML file with ${VAR} environment variable
// expansion. Duration values use Go's time.ParseDuration syntax.
//
// Sections:
//
//	server:
//	  http_addr: "0.0.0.0:8080"       # WebSocket + health endpoints
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
//	bus:
//	  url: "nats://127.0.0.1:4222"
//	  subject_prefix: "platform.events"
//
//	session:
//	  heartbeat_interval: "30s"        # advertised in Hello
//	  heartbeat_misses: 2              # consecutive misses before close
//	  grace_period: "10m"              # resumability window after detach
//	  replay_capacity: 100             # max buffered dispatches per session
//	  replay_horizon: "5m"             # max age of buffered dispatches
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
