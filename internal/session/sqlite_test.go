package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t testing.TB) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CreateSession(ctx, "  ")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if first.Title != "New Chat" {
		t.Fatalf("expected default title, got %q", first.Title)
	}

	second, err := s.CreateSession(ctx, "Hashes")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest session first, got %+v", list)
	}

	if err := s.RenameSession(ctx, first.ID, "Passwords"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	got, err := s.GetSession(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "Passwords" {
		t.Fatalf("expected renamed title, got %q", got.Title)
	}

	if err := s.DeleteSession(ctx, first.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteSession(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := s.RenameSession(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on rename, got %v", err)
	}
}

func TestStore_AppendMessagePreservesOrderAndPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}

	// Identical timestamps must still come back in insertion order.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	turns := []*Turn{
		{Role: RoleUser, Content: "make a password", Image: &Image{MIMEType: "image/png", Data: "AAAA"}},
		{Role: RoleAssistant, Content: "Sure.", ToolCalls: []ToolCall{{
			ID: "call_1", Name: "tools__generate_secure_password", Args: map[string]any{"length": float64(20)},
		}}},
		{Role: RoleTool, Content: "secret", ToolCallID: "call_1", ToolName: "tools__generate_secure_password", Truncated: true},
		{Role: RoleAssistant, Content: "Done."},
	}
	for _, turn := range turns {
		if err := s.AppendMessage(ctx, sess.ID, turn); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if turn.ID == "" {
			t.Fatal("expected generated id")
		}
	}

	got, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("expected %d turns, got %d", len(turns), len(got))
	}
	for i := range turns {
		if got[i].ID != turns[i].ID {
			t.Fatalf("turn %d out of order: got %s want %s", i, got[i].ID, turns[i].ID)
		}
	}
	if got[0].Image == nil || got[0].Image.MIMEType != "image/png" {
		t.Fatalf("expected image round trip, got %+v", got[0].Image)
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Args["length"] != float64(20) {
		t.Fatalf("expected tool call round trip, got %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "call_1" || !got[2].Truncated || got[2].ToolName == "" {
		t.Fatalf("expected tool result linkage, got %+v", got[2])
	}
	if !got[3].CreatedAt.Equal(fixed) {
		t.Fatalf("expected created_at %v, got %v", fixed, got[3].CreatedAt)
	}
}

func TestStore_AppendMessageRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, err := s.CreateSession(ctx, "chat")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		turn *Turn
		want error
	}{
		{name: "nil", turn: nil, want: ErrInvalidTurn},
		{name: "bad role", turn: &Turn{Role: "system"}, want: ErrInvalidTurn},
		{name: "tool without call id", turn: &Turn{Role: RoleTool, Content: "x"}, want: ErrInvalidTurn},
		{name: "user with tool calls", turn: &Turn{Role: RoleUser, ToolCalls: []ToolCall{{ID: "a"}}}, want: ErrInvalidTurn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.AppendMessage(ctx, sess.ID, tt.turn); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := s.AppendMessage(ctx, "missing", &Turn{Role: RoleUser, Content: "hi"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
	if _, err := s.ListMessages(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing unknown session, got %v", err)
	}
}

func TestStore_DeleteRemovesMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, _ := s.CreateSession(ctx, "chat")
	if err := s.AppendMessage(ctx, sess.ID, &Turn{Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sess.ID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected messages deleted, %d remain", n)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := s.CreateSession(ctx, "persisted")
	if err := s.AppendMessage(ctx, sess.ID, &Turn{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	turns, err := s2.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Fatalf("expected persisted turn, got %+v", turns)
	}
}

func TestParseDataURL(t *testing.T) {
	img := ParseDataURL("data:image/png;base64,QUJD")
	if img == nil || img.MIMEType != "image/png" || img.Data != "QUJD" {
		t.Fatalf("unexpected image: %+v", img)
	}
	if img.DataURL() != "data:image/png;base64,QUJD" {
		t.Fatalf("unexpected data url: %s", img.DataURL())
	}
	if bare := ParseDataURL("QUJD"); bare == nil || bare.MIMEType != "image/jpeg" {
		t.Fatalf("expected bare base64 default, got %+v", bare)
	}
	if ParseDataURL("") != nil {
		t.Fatal("expected nil for empty input")
	}
}

func BenchmarkStore_AppendMessage(b *testing.B) {
	sizes := []int{10, 100, 1000}

	for _, n := range sizes {
		b.Run(fmt.Sprintf("Messages_%d", n), func(b *testing.B) {
			ctx := context.Background()
			s := newTestStore(b)
			sess, err := s.CreateSession(ctx, "bench")
			if err != nil {
				b.Fatal(err)
			}
			for i := 0; i < n; i++ {
				if err := s.AppendMessage(ctx, sess.ID, &Turn{Role: RoleUser, Content: "test message content"}); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.AppendMessage(ctx, sess.ID, &Turn{Role: RoleUser, Content: "new message"}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
