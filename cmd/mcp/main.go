// Command mcp exposes a user's credits and the tutor as MCP tools over stdio.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()
	// stdout carries the protocol stream.
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("CREDGATE_API_URL", "http://localhost:8080"),
		Token:  os.Getenv("CREDGATE_TOKEN"),
		UserID: os.Getenv("CREDGATE_USER_ID"),
	}
	if cfg.Token == "" && cfg.UserID == "" {
		logger.Error("CREDGATE_TOKEN or CREDGATE_USER_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
