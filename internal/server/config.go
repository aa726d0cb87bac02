package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/metric-investigator/internal/config"
	"github.com/kubilitics/metric-investigator/internal/middleware"
)

// Config represents the server configuration
type Config struct {
	// Server settings
	Host     string `json:"host"`
	HTTPPort int    `json:"http_port"`
	GRPCPort int    `json:"grpc_port"` // 0 disables the gRPC health service

	// AllowedOrigins lists permitted CORS and WebSocket origins.
	// Use "*" to allow all origins (development only).
	AllowedOrigins []string `json:"allowed_origins"`

	// RateLimitRPM is the per-client request budget; 0 disables limiting.
	RateLimitRPM int `json:"rate_limit_rpm"`

	// RequestTimeout bounds one investigation run started over HTTP.
	RequestTimeout time.Duration `json:"request_timeout"`
}

// ConfigFrom derives the server configuration from the service config.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		Host:           "0.0.0.0",
		HTTPPort:       cfg.Server.Port,
		GRPCPort:       cfg.Server.GRPCPort,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RequestTimeout: 5 * time.Minute,
	}
}

// newUpgrader returns a WebSocket upgrader that checks the Origin header
// against allowed.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}
