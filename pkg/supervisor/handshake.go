package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpgate/mcpgate/pkg/bridge"
	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// protocolVersion is the MCP protocol revision spoken toward backends.
const protocolVersion = "2024-11-05"

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// handshake performs the initialize exchange: an initialize request, then
// the initialized notification once the backend has answered. A backend
// that does not complete this within the startup timeout is not usable.
func (s *Supervisor) handshake(ctx context.Context, conn *bridge.Conn) (*initializeResult, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "mcpgate", Version: s.version},
	}

	raw, err := conn.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize result: %v", gateway.ErrProtocol, err)
	}

	if err := conn.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}
