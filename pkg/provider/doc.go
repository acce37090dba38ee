// Package provider binds the agent to a model backend.
//
// A Provider turns a conversation plus tool definitions into the next assistant message.
// CreateWithNamedModel resolves a provider by name ("anthropic", "openai", "databricks") and
// falls back to environment variables for credentials that are not passed as options.
package provider
