package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newSQLite(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "visitor.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	s.now = clock.Now
	return s
}

func newMemory(clock *fakeClock) *MemoryStore {
	m := NewMemory()
	m.SetClock(clock.Now)
	return m
}

// runRepositoryTests exercises every Repository implementation the same way.
func runRepositoryTests(t *testing.T, open func(t *testing.T, clock *fakeClock) Repository) {
	ctx := context.Background()

	t.Run("values expire", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		repo := open(t, clock)

		require.NoError(t, repo.SetValue(ctx, ScopeCookie, "_bcck", "key-1", time.Hour))
		require.NoError(t, repo.SetValue(ctx, ScopeSession, "_bcck", "key-2", 0))

		v, ok, err := repo.GetValue(ctx, ScopeCookie, "_bcck")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "key-1", v)

		clock.Advance(2 * time.Hour)
		_, ok, err = repo.GetValue(ctx, ScopeCookie, "_bcck")
		require.NoError(t, err)
		require.False(t, ok, "expired cookie must be absent")

		v, ok, err = repo.GetValue(ctx, ScopeSession, "_bcck")
		require.NoError(t, err)
		require.True(t, ok, "scopes are independent")
		require.Equal(t, "key-2", v)
	})

	t.Run("set overwrites and delete removes", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		repo := open(t, clock)

		require.NoError(t, repo.SetValue(ctx, ScopeCookie, "_bccfg", "a", 0))
		require.NoError(t, repo.SetValue(ctx, ScopeCookie, "_bccfg", "b", 0))
		v, _, err := repo.GetValue(ctx, ScopeCookie, "_bccfg")
		require.NoError(t, err)
		require.Equal(t, "b", v)

		require.NoError(t, repo.DeleteValue(ctx, ScopeCookie, "_bccfg"))
		require.NoError(t, repo.DeleteValue(ctx, ScopeCookie, "_bccfg"))
		_, ok, err := repo.GetValue(ctx, ScopeCookie, "_bccfg")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("invalid scope", func(t *testing.T) {
		repo := open(t, &fakeClock{t: time.Now()})
		_, _, err := repo.GetValue(ctx, Scope("local"), "x")
		require.True(t, errors.Is(err, ErrInvalidScope))
	})

	t.Run("session round trip", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		repo := open(t, clock)

		blob, err := repo.LoadSession(ctx, "1234")
		require.NoError(t, err)
		require.Nil(t, blob)

		b := domain.NewSessionBlob("1234")
		b.AddMessage(domain.Message{MessageID: "m1", Text: "hello"})
		b.People["op"] = domain.Person{PersonID: "op", Name: "Operator"}
		b.ClientData.ClientID = "c-1"
		require.NoError(t, repo.SaveSession(ctx, b))

		got, err := repo.LoadSession(ctx, "1234")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Len(t, got.Messages, 1)
		require.Equal(t, domain.ID("m1"), got.LastMessageID)
		require.Equal(t, "Operator", got.People["op"].Name)
		require.Equal(t, domain.ID("c-1"), got.ClientData.ClientID)

		require.NoError(t, repo.DeleteSession(ctx, "1234"))
		got, err = repo.LoadSession(ctx, "1234")
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("cleanup", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		repo := open(t, clock)

		require.NoError(t, repo.SetValue(ctx, ScopeCookie, "short", "x", time.Minute))
		require.NoError(t, repo.SetValue(ctx, ScopeCookie, "forever", "x", 0))
		require.NoError(t, repo.SaveSession(ctx, domain.NewSessionBlob("old")))
		clock.Advance(2 * time.Hour)
		require.NoError(t, repo.SaveSession(ctx, domain.NewSessionBlob("fresh")))

		values, sessions, err := repo.CleanupExpired(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(1), values)
		require.Equal(t, int64(1), sessions)

		fresh, err := repo.LoadSession(ctx, "fresh")
		require.NoError(t, err)
		require.NotNil(t, fresh)
		_, ok, err := repo.GetValue(ctx, ScopeCookie, "forever")
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryTests(t, func(t *testing.T, clock *fakeClock) Repository {
		return newSQLite(t, clock)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryTests(t, func(_ *testing.T, clock *fakeClock) Repository {
		return newMemory(clock)
	})
}

func TestSQLiteConnectionPragmas(t *testing.T) {
	s := newSQLite(t, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	ctx := context.Background()

	var mode string
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	require.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
	require.Equal(t, 5000, timeout)

	var sync int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync))
	require.Equal(t, 1, sync, "synchronous=NORMAL")
}

func TestSQLiteInMemoryPath(t *testing.T) {
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestIsBusyError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database busy"), true},
		{errors.New("database is locked"), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsBusyError(tt.err); got != tt.want {
			t.Errorf("IsBusyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithBusyRetry(t *testing.T) {
	calls := 0
	err := withBusyRetry(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second call, got err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := errors.New("constraint failed")
	err = withBusyRetry(context.Background(), "op", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("non-busy errors must not retry: err=%v calls=%d", err, calls)
	}
}

func TestSessionStorage(t *testing.T) {
	t.Run("persists messages", func(t *testing.T) {
		repo := NewMemory()
		s := OpenSessionStorage(repo, "1234", true, nil)
		s.AddMessage("123", domain.Message{Text: "abc 123"})

		reopened := OpenSessionStorage(repo, "1234", true, nil)
		reopened.AddMessage("123", domain.Message{Text: "abc xyz"})
		msgs := reopened.Messages()
		require.Len(t, msgs, 1)
		require.Equal(t, domain.ID("123"), msgs[0].MessageID)
		require.Equal(t, "abc xyz", msgs[0].Text)
	})

	t.Run("other chat key starts empty", func(t *testing.T) {
		repo := NewMemory()
		OpenSessionStorage(repo, "5678", true, nil).AddMessage("x", domain.Message{Text: "xyz"})
		s := OpenSessionStorage(repo, "1234", true, nil)
		require.Empty(t, s.Messages())
	})

	t.Run("message cache disabled", func(t *testing.T) {
		repo := NewMemory()
		s := OpenSessionStorage(repo, "1234", false, nil)
		s.AddMessage("1", domain.Message{Text: "test"})
		require.Len(t, s.Messages(), 1, "in-memory copy still works")

		blob, err := repo.LoadSession(context.Background(), "1234")
		require.NoError(t, err)
		require.Nil(t, blob)
	})

	t.Run("last message id", func(t *testing.T) {
		s := OpenSessionStorage(NewMemory(), "1234", true, nil)
		s.AddMessage("123", domain.Message{Text: "hello world"})
		s.AddMessage("456", domain.Message{Text: "foo bar"})
		s.AddMessage("123", domain.Message{Text: "edited"})
		require.Equal(t, domain.ID("456"), s.LastMessageID())
	})

	t.Run("corrupt blob is removed", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
		repo := newSQLite(t, clock)
		_, err := repo.db.Exec(`INSERT INTO chat_sessions (chat_key, blob_json, created_at, updated_at) VALUES ('1234', 'Invalid JSON', 0, 0)`)
		require.NoError(t, err)

		s := OpenSessionStorage(repo, "1234", true, nil)
		require.Empty(t, s.Messages())

		var n int
		require.NoError(t, repo.db.QueryRow(`SELECT COUNT(*) FROM chat_sessions WHERE chat_key = '1234'`).Scan(&n))
		require.Zero(t, n)
	})

	t.Run("state round trip", func(t *testing.T) {
		repo := NewMemory()
		s := OpenSessionStorage(repo, "k", true, nil)
		s.SetQueueIndicator(domain.QueueIndicator{Position: 3, UnavailableFormEnabled: true})
		s.SetPerson(domain.Person{PersonID: "p1", Name: "Ann"})
		s.SetBrandings([]byte(`{"a":"b"}`))
		s.ChangeMinimizedStatus(true)
		s.SetClientData(domain.ClientData{ClientID: "c1", ChatID: "chat"})

		r := OpenSessionStorage(repo, "k", true, nil)
		require.Equal(t, 3, r.QueueIndicator().Position)
		require.Equal(t, "Ann", r.People()["p1"].Name)
		require.JSONEq(t, `{"a":"b"}`, string(r.Brandings()))
		require.True(t, r.Minimized())
		require.Equal(t, domain.ID("c1"), r.ClientData().ClientID)

		r.Delete()
		blob, err := repo.LoadSession(context.Background(), "k")
		require.NoError(t, err)
		require.Nil(t, blob)
	})
}
