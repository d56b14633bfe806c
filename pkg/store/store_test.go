package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "mnemo.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "s1", "u1", map[string]string{"channel": "web"})
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "web", sess.Metadata["channel"])

	// Repeat call for the same user is a no-op.
	again, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, sess.CreatedAt, again.CreatedAt)

	// Conflicting user fails.
	_, err = s.CreateSession(ctx, "s1", "u2", nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_AppendMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, "missing", Message{Role: RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrNotFound)

	sess, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	msg, err := s.AppendMessage(ctx, "s1", Message{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	// Append bumps the session's UpdatedAt.
	reloaded, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, reloaded.UpdatedAt.After(sess.UpdatedAt))
}

func TestStore_AppendMessage_TimestampsNeverDecrease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)

	first, err := s.AppendMessage(ctx, "s1", Message{Role: RoleUser, Content: "now"})
	require.NoError(t, err)

	// A message carrying an older timestamp is clamped forward.
	stale := first.Timestamp.Add(-time.Hour)
	second, err := s.AppendMessage(ctx, "s1", Message{Role: RoleAssistant, Content: "late", Timestamp: stale})
	require.NoError(t, err)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}

func TestStore_ListMessages_OrderingAsymmetry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three", "four"} {
		_, err := s.AppendMessage(ctx, "s1", Message{Role: RoleUser, Content: content})
		require.NoError(t, err)
	}

	// Unlimited: oldest first.
	all, err := s.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "one", all[0].Content)
	assert.Equal(t, "four", all[3].Content)

	// Bounded: newest first, truncated.
	recent, err := s.ListMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "four", recent[0].Content)
	assert.Equal(t, "three", recent[1].Content)
}

func TestStore_DeleteSession_CascadesMessagesNotMemories(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "s1", Message{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, "likes coffee", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count))
	assert.Zero(t, count)

	facts, err := s.SearchMemories(ctx, "", UserScope("u1"), 0)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestStore_ClearMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, "s1", Message{Role: RoleUser, Content: "x"})
		require.NoError(t, err)
	}

	deleted, err := s.ClearMessages(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	all, err := s.ListMessages(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_AddMemory_ScopeValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.AddMemory(ctx, "fact", Scope{}, 1.0, nil)
	assert.Error(t, err)

	_, err = s.AddMemory(ctx, "fact", Scope{SessionID: "s1", UserID: "u1"}, 1.0, nil)
	assert.Error(t, err)

	// Negative importance is accepted; it just ranks last.
	id, err := s.AddMemory(ctx, "fact", UserScope("u1"), -2.5, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestStore_SearchMemories_SubstringCaseSensitive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.AddMemory(ctx, "works as an Engineer", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, "enjoys engineering podcasts", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)

	hits, err := s.SearchMemories(ctx, "Engineer", UserScope("u1"), 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "works as an Engineer", hits[0].Content)

	// Empty query matches everything.
	all, err := s.SearchMemories(ctx, "", UserScope("u1"), 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_SearchMemories_Ordering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.AddMemory(ctx, "fact A", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, "fact B", UserScope("u1"), 2.0, nil)
	require.NoError(t, err)

	results, err := s.SearchMemories(ctx, "", UserScope("u1"), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "fact B", results[0].Content)
	assert.Equal(t, "fact A", results[1].Content)
}

func TestStore_SearchMemories_AccessedAtBreaksImportanceTies(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.AddMemory(ctx, "older fact", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, "newer fact", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)

	// Serve only one fact so its accessed_at moves forward.
	time.Sleep(5 * time.Millisecond)
	hits, err := s.SearchMemories(ctx, "newer", UserScope("u1"), 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	results, err := s.SearchMemories(ctx, "", UserScope("u1"), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "newer fact", results[0].Content)
}

func TestStore_SearchMemories_Visibility(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "s1", "u1", nil)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "s2", "u1", nil)
	require.NoError(t, err)

	_, err = s.AddMemory(ctx, "cross-session fact", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, "session-local fact", SessionScope("s1"), 1.0, nil)
	require.NoError(t, err)

	// The owning session sees both.
	inS1, err := s.SearchMemories(ctx, "", SessionScope("s1"), 0)
	require.NoError(t, err)
	assert.Len(t, inS1, 2)

	// A sibling session of the same user sees only the user-scoped fact.
	inS2, err := s.SearchMemories(ctx, "", SessionScope("s2"), 0)
	require.NoError(t, err)
	require.Len(t, inS2, 1)
	assert.Equal(t, "cross-session fact", inS2[0].Content)

	// User scope does not see session-local facts.
	forUser, err := s.SearchMemories(ctx, "", UserScope("u1"), 0)
	require.NoError(t, err)
	require.Len(t, forUser, 1)
	assert.Equal(t, "cross-session fact", forUser[0].Content)
}

func TestStore_SearchMemories_BumpsAccessCounters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.AddMemory(ctx, "bump me", UserScope("u1"), 1.0, nil)
	require.NoError(t, err)

	first, err := s.SearchMemories(ctx, "bump", UserScope("u1"), 0)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].AccessCount)

	second, err := s.SearchMemories(ctx, "bump", UserScope("u1"), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, second[0].AccessCount)
}

func TestStore_RecordToolInvocation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec, err := s.RecordToolInvocation(ctx, ToolInvocationRecord{
		SessionID:  "s1",
		ToolName:   "fetch",
		Parameters: map[string]interface{}{"url": "https://example.com"},
		Result:     map[string]interface{}{"status": "ok"},
		Success:    true,
		DurationMs: 42,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	failed, err := s.RecordToolInvocation(ctx, ToolInvocationRecord{
		SessionID:  "s1",
		ToolName:   "fetch",
		Parameters: map[string]interface{}{"url": "bad"},
		Success:    false,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, failed.ID)

	records, err := s.ListToolInvocations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.Equal(t, "https://example.com", records[0].Parameters["url"])
}
