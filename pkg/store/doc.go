// Package store persists conversation state in SQLite: sessions, messages,
// long-term memory facts, and tool invocation audit records.
//
// Invariants:
// - Messages are append-only per session with non-decreasing timestamps.
// - A memory fact is scoped to exactly one of a session or a user.
// - Sweeps never bump access counters; reads that serve facts to callers do.
// - All mutations go through a single writer connection.
//
// Usage:
//
//	st, _ := store.Open(store.Config{Path: "/tmp/mnemo.db"})
//	session, _ := st.CreateSession(ctx, "session:1", "user:1", nil)
//	msg, _ := st.AppendMessage(ctx, session.ID, store.Message{Role: store.RoleUser, Content: "hello"})
//	facts, _ := st.SearchMemories(ctx, "engineer", store.UserScope("user:1"), 5)
//	_, _, _ = session, msg, facts
package store
