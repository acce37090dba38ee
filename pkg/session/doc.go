// Package session stores session records and their conversation history in sqlite.
//
// Invariants:
// - Session IDs have the form YYYYMMDD_N with a per-day counter.
// - CreateSession validates every input before touching the database; a rejected request writes nothing.
// - Session types form a closed set; unknown values fail with "invalid session type: <value>".
// - Create/load/save/delete operations are observable via tracing and metrics.
//
// Usage:
//
//	mgr, _ := session.New("/tmp/ranyadesk/sessions/sessions.db")
//	s, _ := mgr.CreateSession(ctx, "/home/me/project", "Project chat", session.TypeUser)
//	_ = mgr.AddMessage(ctx, s.ID, conversation.NewUserMessage("hello"))
//	conv, _ := mgr.GetConversation(ctx, s.ID)
//	_ = conv
package session
