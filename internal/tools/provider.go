package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/schema"
)

// ProviderConfig describes how to launch an external MCP tool server.
type ProviderConfig struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Provider status values.
const (
	ProviderStarting = "starting"
	ProviderHealthy  = "healthy"
	ProviderStopped  = "stopped"
)

// ProviderInfo is a summary of a loaded provider.
type ProviderInfo struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ToolCount int    `json:"tool_count"`
}

// ProviderManager launches MCP tool server subprocesses and registers
// their tools in a Registry under the provider's ID prefix.
type ProviderManager struct {
	registry *Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	providers map[string]*managedProvider
}

type managedProvider struct {
	config    ProviderConfig
	client    *client.Client
	status    string
	toolCount int
}

// NewProviderManager creates a ProviderManager registering into reg.
func NewProviderManager(reg *Registry, logger *slog.Logger) *ProviderManager {
	return &ProviderManager{
		registry:  reg,
		logger:    logger,
		providers: make(map[string]*managedProvider),
	}
}

// Load starts a provider subprocess, performs the MCP handshake and
// registers its tools as "<id>.<tool>".
func (pm *ProviderManager) Load(ctx context.Context, cfg ProviderConfig) error {
	if cfg.ID == "" || cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider id and command are required")
	}

	pm.mu.Lock()
	if _, exists := pm.providers[cfg.ID]; exists {
		pm.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "provider %q already loaded", cfg.ID)
	}
	pm.providers[cfg.ID] = &managedProvider{config: cfg, status: ProviderStarting}
	pm.mu.Unlock()

	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		pm.forget(cfg.ID)
		return fmt.Errorf("launch provider %q: %w", cfg.ID, err)
	}

	if err := pm.handshake(ctx, c); err != nil {
		_ = c.Close()
		pm.forget(cfg.ID)
		return fmt.Errorf("handshake with provider %q: %w", cfg.ID, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		pm.forget(cfg.ID)
		return fmt.Errorf("list tools from provider %q: %w", cfg.ID, err)
	}

	remote := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		remote = append(remote, newRemoteTool(c, t))
	}
	count, err := pm.registry.RegisterPrefixed(cfg.ID, remote)
	if err != nil {
		pm.registry.UnregisterPrefix(cfg.ID)
		_ = c.Close()
		pm.forget(cfg.ID)
		return err
	}

	pm.mu.Lock()
	mp := pm.providers[cfg.ID]
	mp.client = c
	mp.status = ProviderHealthy
	mp.toolCount = count
	pm.mu.Unlock()

	pm.logger.Info("tool provider loaded", "provider", cfg.ID, "tools", count)
	return nil
}

func (pm *ProviderManager) handshake(ctx context.Context, c *client.Client) error {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := c.Start(initCtx); err != nil {
		return err
	}
	_, err := c.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "loom",
				Version: "1.0.0",
			},
		},
	})
	return err
}

// Unload stops a provider and removes its tools.
func (pm *ProviderManager) Unload(id string) error {
	pm.mu.Lock()
	mp, ok := pm.providers[id]
	if !ok {
		pm.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "provider %q not loaded", id)
	}
	delete(pm.providers, id)
	pm.mu.Unlock()

	pm.registry.UnregisterPrefix(id)
	if mp.client != nil {
		_ = mp.client.Close()
	}
	pm.logger.Info("tool provider unloaded", "provider", id)
	return nil
}

// List returns a summary of all loaded providers.
func (pm *ProviderManager) List() []ProviderInfo {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(pm.providers))
	for id, mp := range pm.providers {
		infos = append(infos, ProviderInfo{ID: id, Status: mp.status, ToolCount: mp.toolCount})
	}
	return infos
}

// Close unloads every provider.
func (pm *ProviderManager) Close() {
	pm.mu.Lock()
	ids := make([]string, 0, len(pm.providers))
	for id := range pm.providers {
		ids = append(ids, id)
	}
	pm.mu.Unlock()

	for _, id := range ids {
		_ = pm.Unload(id)
	}
}

func (pm *ProviderManager) forget(id string) {
	pm.mu.Lock()
	delete(pm.providers, id)
	pm.mu.Unlock()
}

// remoteTool proxies invocations to an MCP server tool.
type remoteTool struct {
	client *client.Client
	info   mcp.Tool
}

func newRemoteTool(c *client.Client, info mcp.Tool) *remoteTool {
	return &remoteTool{client: c, info: info}
}

func (t *remoteTool) Name() string { return t.info.Name }

func (t *remoteTool) Describe() Descriptor {
	var inputSchema json.RawMessage
	if b, err := json.Marshal(t.info.InputSchema); err == nil {
		inputSchema = b
	}
	return Descriptor{Description: t.info.Description, InputSchema: inputSchema}
}

func (t *remoteTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	result, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      t.info.Name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "tool %q call failed", t.info.Name).WithCause(err)
	}
	return decodeCallResult(t.info.Name, result)
}

// decodeCallResult flattens an MCP tool result into a step output.
// Text content that parses as JSON becomes structured data.
func decodeCallResult(name string, result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "tool %q returned no result", name)
	}

	texts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if result.IsError {
		msg := "tool reported an error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "tool %q: %s", name, msg)
	}

	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return parseMaybeJSON(texts[0]), nil
	default:
		out := make([]any, len(texts))
		for i, s := range texts {
			out[i] = parseMaybeJSON(s)
		}
		return out, nil
	}
}

func parseMaybeJSON(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
