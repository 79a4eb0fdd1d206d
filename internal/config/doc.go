// Package config handles configuration loading for support-gateway.
//
// Configuration is loaded from YAML with ${VAR_NAME} environment variable
// expansion and time.ParseDuration syntax for durations:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/support-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: "${SUPPORT_JWT_SECRET}"
//
//	presence:
//	  online_threshold: "5m"
//	  poll_interval: "30s"
//
//	typing:
//	  debounce: "3s"
//
//	notifications:
//	  service_id: "..."
//	  template_id: "..."
//	  user_id: "..."
//	  fallback_recipients: ["agent@example.com"]
//
//	routing:
//	  mode: "canned"   # or "silent"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//
// Load() applies defaults for absent optional fields and validates the
// result.
package config
