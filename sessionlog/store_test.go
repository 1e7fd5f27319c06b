package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func appendChain(t *testing.T, s *FileStore, sessionID string, n int) []Record {
	t.Helper()
	ctx := context.Background()
	var out []Record
	parent := ""
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		rec, err := s.Append(ctx, sessionID, Record{
			ParentID: parent,
			Role:     role,
			Content:  Content{Text: fmt.Sprintf("message %d", i)},
		})
		require.NoError(t, err)
		out = append(out, rec)
		parent = rec.ID
	}
	return out
}

func logFile(t *testing.T, s *FileStore, sessionID string) string {
	t.Helper()
	path, err := s.logPath(sessionID)
	require.NoError(t, err)
	return path
}

func TestAppendLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, sess.ID, 36)

	written := appendChain(t, s, sess.ID, 7)

	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 7)
	for i := range written {
		assert.Equal(t, written[i].ID, loaded[i].ID)
		assert.Equal(t, written[i].Content.Text, loaded[i].Content.Text)
		assert.Equal(t, sess.ID, loaded[i].SessionID)
		if i == 0 {
			assert.Empty(t, loaded[i].ParentID)
		} else {
			assert.Equal(t, loaded[i-1].ID, loaded[i].ParentID)
		}
	}

	chain, err := Chain(loaded, "")
	require.NoError(t, err)
	assert.Len(t, chain, 7)

	meta, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.TurnCount)
}

func TestAppendRejectsBadLineage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, t.TempDir())
	require.NoError(t, err)

	_, err = s.Append(ctx, sess.ID, Record{ParentID: "nope", Role: RoleUser})
	assert.Error(t, err)

	first, err := s.Append(ctx, sess.ID, Record{Role: RoleUser, Content: Content{Text: "hi"}})
	require.NoError(t, err)

	_, err = s.Append(ctx, sess.ID, Record{Role: RoleAssistant})
	assert.ErrorContains(t, err, "needs a parent")

	_, err = s.Append(ctx, sess.ID, Record{ParentID: "missing", Role: RoleAssistant})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Append(ctx, sess.ID, Record{ID: first.ID, ParentID: first.ID, Role: RoleAssistant})
	assert.ErrorContains(t, err, "duplicate")

	_, err = s.Append(ctx, sess.ID, Record{ParentID: first.ID, Role: "system"})
	assert.ErrorContains(t, err, "unknown role")

	_, err = s.Append(ctx, "not-a-session", Record{Role: RoleUser})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTruncatedTailIsToleratedAndRepaired(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	written := appendChain(t, s, sess.ID, 3)

	path := logFile(t, s, sess.ID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"half-written","parent_id":"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, loaded, 3)

	// A fresh store has no cached state, so it must repair before appending.
	s2, err := NewFileStore(s.Root())
	require.NoError(t, err)
	_, err = s2.Append(ctx, sess.ID, Record{ParentID: written[2].ID, Role: RoleUser, Content: Content{Text: "after crash"}})
	require.NoError(t, err)

	loaded, err = s2.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Equal(t, "after crash", loaded[3].Content.Text)
}

func TestUnterminatedValidTailIsKept(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	written := appendChain(t, s, sess.ID, 1)

	path := logFile(t, s, sess.ID)
	rec := Record{ID: "tail", ParentID: written[0].ID, SessionID: sess.ID, Role: RoleAssistant, Timestamp: time.Now().UTC()}
	line, err := json.Marshal(rec)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := NewFileStore(s.Root())
	require.NoError(t, err)
	_, err = s2.Append(ctx, sess.ID, Record{ParentID: "tail", Role: RoleUser})
	require.NoError(t, err)

	loaded, err := s2.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, loaded, 3)
}

func TestMidFileCorruption(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	appendChain(t, s, sess.ID, 3)

	path := logFile(t, s, sess.ID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := append([]byte("{garbage\n"), data...)
	require.NoError(t, os.WriteFile(path, corrupted, 0o600))

	_, err = s.Load(ctx, sess.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Line)

	s2, err := NewFileStore(s.Root())
	require.NoError(t, err)
	_, err = s2.Append(ctx, sess.ID, Record{Role: RoleUser})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDanglingParentIsCorruption(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sess, err := s.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	appendChain(t, s, sess.ID, 1)

	path := logFile(t, s, sess.ID)
	rec := Record{ID: "orphan", ParentID: "ghost", SessionID: sess.ID, Role: RoleAssistant}
	line, err := json.Marshal(rec)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Load(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBranchAndFork(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	wd := t.TempDir()
	sess, err := s.NewSession(ctx, wd)
	require.NoError(t, err)
	main := appendChain(t, s, sess.ID, 4)

	// Branch from the first assistant reply.
	alt, err := s.Append(ctx, sess.ID, Record{ParentID: main[1].ID, Role: RoleUser, Content: Content{Text: "try again"}})
	require.NoError(t, err)

	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	chain, err := Chain(loaded, alt.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{main[0].ID, main[1].ID, alt.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})

	_, err = Chain(loaded, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	forked, err := s.Fork(ctx, sess.ID, main[2].ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, forked.ID)
	require.NotNil(t, forked.ForkedFrom)
	assert.Equal(t, main[2].ID, forked.ForkedFrom.RecordID)

	copied, err := s.Load(ctx, forked.ID)
	require.NoError(t, err)
	require.Len(t, copied, 3)
	assert.Equal(t, main[2].ID, copied[2].ID)
	assert.Equal(t, forked.ID, copied[2].SessionID)

	_, err = s.Append(ctx, forked.ID, Record{ParentID: main[2].ID, Role: RoleAssistant, Content: Content{Text: "forked reply"}})
	require.NoError(t, err)
	original, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, original, 5)

	sessions, err := s.List(ctx, wd)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	_, err = s.Fork(ctx, sess.ID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("/home/dev/my project")
	b := Fingerprint("/home/dev/my-project")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^-home-dev-my-project-[0-9a-f]{8}$`, a)
	assert.Equal(t, a, Fingerprint("/home/dev/my project/"))
	assert.NotContains(t, Fingerprint(filepath.Join("/", "a", "..", "b")), "..")
}

func TestRecordJSONIsLossless(t *testing.T) {
	rec := Record{
		ID:        "r2",
		ParentID:  "r1",
		SessionID: "s",
		Role:      RoleAssistant,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Usage:     &Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		GitBranch: "main",
		Content: Content{
			Text: "calling tools",
			ToolCalls: []ToolCall{{
				ID:        "c1",
				Name:      "file.write",
				Arguments: json.RawMessage(`{"path":"a.go","opts":{"mode":[1,2,{"x":null}]},"content":"line\n\"q\""}`),
			}},
		},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec, back)

	tool := Record{
		ID: "r3", ParentID: "r2", SessionID: "s", Role: RoleTool,
		Timestamp: rec.Timestamp,
		Content: Content{ToolResult: &ToolResult{
			CallID: "c1", Tool: "file.write", Kind: "user_rejected", Error: "The user rejected file.write(a.go)",
		}},
	}
	data, err = json.Marshal(tool)
	require.NoError(t, err)
	back = Record{}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, tool, back)
}
