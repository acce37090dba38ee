package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/ranyadesk/internal/observability"
	"github.com/harun/ranyadesk/pkg/provider"
)

// toolNameSeparator joins extension and tool names into the name the model sees
const toolNameSeparator = "__"

const maxToolOutput = 10 * 1024 // 10KB

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Notifier publishes a notification while a tool runs
type Notifier func(method string, params map[string]interface{})

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}, notify Notifier) (string, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// Extension is a named group of tools
type Extension struct {
	Name        string
	Description string
	Tools       []ToolDefinition
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID  string
	WorkingDir string
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context for tool handlers
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context set by the agent
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return execCtx
	}
	return nil
}

// ToolOutcome is the result of one tool call
type ToolOutcome struct {
	Output        string
	IsError       bool
	Notifications []Notification
}

type registeredTool struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
	input  map[string]interface{}
}

// ExtensionManager owns the enabled extensions and dispatches tool calls
type ExtensionManager struct {
	extensions map[string]Extension
	tools      map[string]*registeredTool
	mu         sync.RWMutex
}

// NewExtensionManager creates an empty manager
func NewExtensionManager() *ExtensionManager {
	return &ExtensionManager{
		extensions: make(map[string]Extension),
		tools:      make(map[string]*registeredTool),
	}
}

// Register adds an extension and compiles the argument schema of each of its tools
func (em *ExtensionManager) Register(ext Extension) error {
	if ext.Name == "" {
		return fmt.Errorf("extension name cannot be empty")
	}
	if strings.Contains(ext.Name, toolNameSeparator) {
		return fmt.Errorf("extension name cannot contain %q", toolNameSeparator)
	}

	compiled := make(map[string]*registeredTool, len(ext.Tools))
	for _, def := range ext.Tools {
		if def.Name == "" {
			return fmt.Errorf("extension %s: tool name cannot be empty", ext.Name)
		}
		if def.Handler == nil {
			return fmt.Errorf("extension %s: tool %s has no handler", ext.Name, def.Name)
		}
		input := inputSchema(def)
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(input))
		if err != nil {
			return fmt.Errorf("extension %s: failed to compile schema for %s: %w", ext.Name, def.Name, err)
		}
		compiled[ext.Name+toolNameSeparator+def.Name] = &registeredTool{def: def, schema: schema, input: input}
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	if _, exists := em.extensions[ext.Name]; exists {
		return fmt.Errorf("extension already registered: %s", ext.Name)
	}
	em.extensions[ext.Name] = ext
	for name, tool := range compiled {
		em.tools[name] = tool
	}

	log.Info().Str("extension", ext.Name).Int("tools", len(ext.Tools)).Msg("Extension registered")
	return nil
}

// Remove disables an extension and its tools
func (em *ExtensionManager) Remove(name string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	delete(em.extensions, name)
	prefix := name + toolNameSeparator
	for toolName := range em.tools {
		if strings.HasPrefix(toolName, prefix) {
			delete(em.tools, toolName)
		}
	}
}

// Extensions returns the registered extension names in sorted order
func (em *ExtensionManager) Extensions() []string {
	em.mu.RLock()
	defer em.mu.RUnlock()

	names := make([]string, 0, len(em.extensions))
	for name := range em.extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolSpecs returns the tool definitions advertised to the model
func (em *ExtensionManager) ToolSpecs() []provider.ToolSpec {
	em.mu.RLock()
	defer em.mu.RUnlock()

	names := make([]string, 0, len(em.tools))
	for name := range em.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]provider.ToolSpec, 0, len(names))
	for _, name := range names {
		tool := em.tools[name]
		specs = append(specs, provider.ToolSpec{
			Name:        name,
			Description: tool.def.Description,
			InputSchema: tool.input,
		})
	}
	return specs
}

// Dispatch runs a tool call. Failures are reported in the outcome so the model can react to them.
func (em *ExtensionManager) Dispatch(ctx context.Context, name string, params map[string]interface{}) ToolOutcome {
	em.mu.RLock()
	tool, exists := em.tools[name]
	em.mu.RUnlock()

	if !exists {
		return ToolOutcome{Output: fmt.Sprintf("tool not found: %s", name), IsError: true}
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := validateParameters(tool.schema, params); err != nil {
		return ToolOutcome{Output: err.Error(), IsError: true}
	}

	var notifications []Notification
	notify := func(method string, p map[string]interface{}) {
		notifications = append(notifications, Notification{Method: method, Params: p})
	}

	start := time.Now()
	output, err := tool.def.Handler(ctx, params, notify)
	observability.RecordToolExecution(name, time.Since(start), err == nil)
	if err != nil {
		log.Debug().Str("tool", name).Err(err).Msg("Tool execution failed")
		return ToolOutcome{Output: err.Error(), IsError: true, Notifications: notifications}
	}

	return ToolOutcome{Output: truncateOutput(output), Notifications: notifications}
}

func inputSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}

func truncateOutput(output string) string {
	if len(output) <= maxToolOutput {
		return output
	}
	return output[:maxToolOutput] + "\n... [output truncated]"
}
