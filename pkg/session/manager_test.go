package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranyadesk/pkg/conversation"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "sessions", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func countSessions(t *testing.T, m *Manager) int {
	t.Helper()
	sessions, err := m.ListSessions(context.Background())
	require.NoError(t, err)
	return len(sessions)
}

func TestManager_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("should echo inputs and assign a dated id", func(t *testing.T) {
		m := setupTestManager(t)
		fixed := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return fixed }

		s, err := m.CreateSession(ctx, "/home/u/proj", "Project chat", TypeUser)
		require.NoError(t, err)
		assert.Equal(t, "20250314_1", s.ID)
		assert.Equal(t, "/home/u/proj", s.WorkingDir)
		assert.Equal(t, "Project chat", s.Name)
		assert.Equal(t, TypeUser, s.SessionType)
		assert.Equal(t, fixed.UnixMilli(), s.CreatedAt.UnixMilli())

		s2, err := m.CreateSession(ctx, "/tmp", "Second", TypeScheduled)
		require.NoError(t, err)
		assert.Equal(t, "20250314_2", s2.ID)
	})

	t.Run("should accept a working directory that does not exist", func(t *testing.T) {
		m := setupTestManager(t)
		s, err := m.CreateSession(ctx, "/does/not/exist", "x", TypeUser)
		require.NoError(t, err)
		assert.Equal(t, "/does/not/exist", s.WorkingDir)
	})

	t.Run("should reject invalid input without writing", func(t *testing.T) {
		m := setupTestManager(t)

		_, err := m.CreateSession(ctx, "/tmp", "x", SessionType("bogus"))
		require.Error(t, err)
		assert.Equal(t, "invalid session type: bogus", err.Error())

		_, err = m.CreateSession(ctx, "", "x", TypeUser)
		assert.Error(t, err)

		_, err = m.CreateSession(ctx, "/tmp", "  ", TypeUser)
		assert.Error(t, err)

		assert.Equal(t, 0, countSessions(t, m))
	})

	t.Run("should allocate unique ids under concurrency", func(t *testing.T) {
		m := setupTestManager(t)
		var wg sync.WaitGroup
		ids := make(chan string, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := m.CreateSession(ctx, "/tmp", "x", TypeHidden)
				if assert.NoError(t, err) {
					ids <- s.ID
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := map[string]bool{}
		for id := range ids {
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
		assert.Len(t, seen, 10)
	})
}

func TestParseSessionType(t *testing.T) {
	for _, st := range AllTypes {
		parsed, err := ParseSessionType(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	_, err := ParseSessionType("admin")
	require.Error(t, err)
	assert.Equal(t, "invalid session type: admin", err.Error())
}

func TestManager_Conversation(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)

	s, err := m.CreateSession(ctx, "/tmp", "chat", TypeUser)
	require.NoError(t, err)

	hidden := conversation.NewUserMessage("internal note")
	hidden.Metadata.UserVisible = false
	require.NoError(t, m.AddMessage(ctx, s.ID, conversation.NewUserMessage("hello")))
	require.NoError(t, m.AddMessage(ctx, s.ID, conversation.NewAssistantMessage(conversation.TextContent("hi there"))))
	require.NoError(t, m.AddMessage(ctx, s.ID, hidden))

	conv, err := m.GetConversation(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, conv, 3)
	assert.Equal(t, "hello", conv[0].Text())
	assert.Equal(t, conversation.RoleAssistant, conv[1].Role)
	assert.False(t, conv[2].Metadata.UserVisible)
	assert.True(t, conv[2].Metadata.AgentVisible)

	loaded, err := m.GetSession(ctx, s.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.MessageCount)
	assert.Len(t, loaded.Conversation, 3)

	replacement := conversation.Conversation{conversation.NewUserMessage("summary")}
	require.NoError(t, m.ReplaceConversation(ctx, s.ID, replacement))
	conv, err = m.GetConversation(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, "summary", conv[0].Text())
}

func TestManager_AddMessageErrors(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)

	err := m.AddMessage(ctx, "20250101_9", conversation.NewUserMessage("x"))
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := m.CreateSession(ctx, "/tmp", "chat", TypeUser)
	require.NoError(t, err)
	err = m.AddMessage(ctx, s.ID, conversation.Message{Role: conversation.RoleUser})
	assert.Error(t, err)
}

func TestManager_RenameAndDelete(t *testing.T) {
	ctx := context.Background()
	m := setupTestManager(t)

	s, err := m.CreateSession(ctx, "/tmp", "old", TypeUser)
	require.NoError(t, err)
	require.NoError(t, m.AddMessage(ctx, s.ID, conversation.NewUserMessage("hello")))

	require.NoError(t, m.UpdateName(ctx, s.ID, "new"))
	loaded, err := m.GetSession(ctx, s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "new", loaded.Name)
	assert.Nil(t, loaded.Conversation)

	assert.Error(t, m.UpdateName(ctx, s.ID, ""))
	assert.ErrorIs(t, m.UpdateName(ctx, "missing", "x"), ErrNotFound)

	require.NoError(t, m.DeleteSession(ctx, s.ID))
	_, err = m.GetSession(ctx, s.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteSession(ctx, s.ID), ErrNotFound)
}

func TestManager_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	m, err := New(path)
	require.NoError(t, err)
	s, err := m.CreateSession(ctx, "/tmp", "persisted", TypeUser)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m, err = New(path)
	require.NoError(t, err)
	defer m.Close()
	loaded, err := m.GetSession(ctx, s.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "persisted", loaded.Name)
}
