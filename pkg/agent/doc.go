// Package agent runs the conversational agent behind the bridge.
//
// Reply returns a lazy event sequence: nothing happens until the caller ranges over it, and
// breaking out of the range stops the run. Each pull advances the tool loop by at most one
// observable step (a model change, a history replacement, an assistant or tool message, or a
// tool notification).
//
// Invariants:
// - Events are closed over the four variants accepted by EventVisitor.
// - A reply yields at most one error item and nothing after it.
// - Session history is loaded before the first completion and every produced message is persisted.
// - Tool arguments are validated against the tool's JSON schema before the handler runs.
//
// Usage:
//
//	a := agent.New(agent.Config{Store: sessions, Extensions: agent.NewExtensionManager()})
//	_ = a.UpdateProvider(ctx, p)
//	stream, _ := a.Reply(ctx, conversation.NewUserMessage("hi"), agent.SessionConfig{ID: id}, nil)
//	for event, err := range stream {
//		_, _ = event, err
//	}
package agent
