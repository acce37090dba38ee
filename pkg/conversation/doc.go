// Package conversation defines the message model shared by the agent, the session store and the
// presentation transport.
//
// Invariants:
// - Every content block carries exactly one type tag.
// - Messages are values; helpers return copies instead of mutating shared slices.
//
// Usage:
//
//	msg := conversation.NewUserMessage("Summarize this file")
//	conv := conversation.Conversation{msg}
//	_ = conv.Text()
package conversation
