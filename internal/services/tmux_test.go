package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/events"
)

// fakeMux records every CLI invocation and replays canned responses
type fakeMux struct {
	available bool
	calls     [][]string
	responses map[string]string // keyed by first arg
	fail      map[string]bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		available: true,
		responses: make(map[string]string),
		fail:      make(map[string]bool),
	}
}

func (f *fakeMux) Available() bool { return f.available }

func (f *fakeMux) Run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.fail[args[0]] {
		return "", assert.AnError
	}
	return f.responses[args[0]], nil
}

func (f *fakeMux) callsFor(command string) [][]string {
	var matched [][]string
	for _, call := range f.calls {
		if call[0] == command {
			matched = append(matched, call)
		}
	}
	return matched
}

func TestGenerateSID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		sid := GenerateSID()
		require.Len(t, sid, 8)
		for _, r := range sid {
			assert.Contains(t, sidAlphabet, string(r))
		}
		seen[sid] = true
	}
	// 200 draws from a 36^8 space never collide in practice
	assert.Len(t, seen, 200)
}

func TestEscapeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "ls -la", "ls -la"},
		{"empty", "", ""},
		{"inner semicolon", "echo a; echo b", "echo a; echo b"},
		{"trailing semicolon", "echo hi;", "echo hi\\;"},
		{"bare semicolon", ";", "\\;"},
		{"already escaped", "echo hi\\;", "echo hi\\;"},
		{"quotes untouched", `echo "it's"`, `echo "it's"`},
		{"dollar untouched", "echo $HOME", "echo $HOME"},
		{"newline untouched", "a\nb", "a\nb"},
		{"unicode", "echo héllo→", "echo héllo→"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeText(tt.in))
		})
	}
}

func TestCreateWindow(t *testing.T) {
	mux := newFakeMux()
	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())

	window, err := sup.Create(context.Background(), "", "/tmp/repo")
	require.NoError(t, err)
	assert.Len(t, window.SID, 8)
	assert.Equal(t, "ccm-"+window.SID, window.WindowName)
	assert.Equal(t, "/tmp/repo", window.WorktreePath)

	created := mux.callsFor("new-session")
	require.Len(t, created, 1)
	assert.Equal(t, []string{"new-session", "-d", "-s", window.WindowName, "-c", "/tmp/repo"}, created[0])

	// Agent launch: literal command then Enter
	sent := mux.callsFor("send-keys")
	require.Len(t, sent, 2)
	assert.Equal(t, []string{"send-keys", "-t", window.WindowName, "-l", "--", "claude"}, sent[0])
	assert.Equal(t, []string{"send-keys", "-t", window.WindowName, "Enter"}, sent[1])

	mouse := mux.callsFor("set-option")
	require.Len(t, mouse, 1)
	assert.Equal(t, []string{"set-option", "-t", window.WindowName, "mouse", "on"}, mouse[0])
}

func TestSendTextLiteral(t *testing.T) {
	mux := newFakeMux()
	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())
	window, err := sup.Create(context.Background(), "", "/tmp/repo")
	require.NoError(t, err)
	mux.calls = nil

	require.NoError(t, sup.SendText(context.Background(), window.SID, "rm -rf $(pwd);"))

	sent := mux.callsFor("send-keys")
	require.Len(t, sent, 2)
	assert.Equal(t, []string{"send-keys", "-t", window.WindowName, "-l", "--", "rm -rf $(pwd)\\;"}, sent[0])
	assert.Equal(t, []string{"send-keys", "-t", window.WindowName, "Enter"}, sent[1])
}

func TestSendKeyTranslation(t *testing.T) {
	mux := newFakeMux()
	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())
	window, err := sup.Create(context.Background(), "", "/tmp/repo")
	require.NoError(t, err)

	tests := []struct {
		key  string
		sent string
	}{
		{"Enter", "Enter"},
		{"C-c", "C-c"},
		{"C-d", "C-d"},
		{"y", "y"},
		{"n", "n"},
		{"S-Tab", "BTab"},
		{"Escape", "Escape"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			mux.calls = nil
			require.NoError(t, sup.SendKey(context.Background(), window.SID, tt.key))
			sent := mux.callsFor("send-keys")
			require.Len(t, sent, 1)
			assert.Equal(t, []string{"send-keys", "-t", window.WindowName, tt.sent}, sent[0])
		})
	}

	err = sup.SendKey(context.Background(), window.SID, "F12")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestSendToUnknownSession(t *testing.T) {
	mux := newFakeMux()
	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())

	err := sup.SendText(context.Background(), "ghost123", "hi")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))

	err = sup.SendKey(context.Background(), "ghost123", "Enter")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestMultiplexerUnavailable(t *testing.T) {
	mux := newFakeMux()
	mux.available = false
	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())

	_, err := sup.Create(context.Background(), "", "/tmp/repo")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.MultiplexerUnavailable))

	err = sup.SendText(context.Background(), "any", "hi")
	assert.True(t, apperr.Is(err, apperr.MultiplexerUnavailable))

	err = sup.Kill(context.Background(), "any")
	assert.True(t, apperr.Is(err, apperr.MultiplexerUnavailable))
}

func TestDiscoverSurvivors(t *testing.T) {
	mux := newFakeMux()
	mux.responses["list-sessions"] = "ccm-abc12345\nother-session\nccm-xyz98765\n"
	mux.responses["display-message"] = "/home/user/repo\n"

	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())

	all := sup.All()
	require.Len(t, all, 2)

	window, ok := sup.Get("abc12345")
	require.True(t, ok)
	assert.Equal(t, "ccm-abc12345", window.WindowName)
	assert.Equal(t, "/home/user/repo", window.WorktreePath)

	_, ok = sup.Get("other-session")
	assert.False(t, ok)

	// Mouse mode re-enabled on each adopted window
	assert.Len(t, mux.callsFor("set-option"), 2)
}

func TestGetByWorktree(t *testing.T) {
	mux := newFakeMux()
	sup := NewTerminalSupervisor(mux, "claude", events.NewBus())
	window, err := sup.Create(context.Background(), "", "/tmp/wt1")
	require.NoError(t, err)

	found, ok := sup.GetByWorktree("/tmp/wt1")
	require.True(t, ok)
	assert.Equal(t, window.SID, found.SID)

	_, ok = sup.GetByWorktree("/tmp/other")
	assert.False(t, ok)
}

func TestKillEmitsWindowStopped(t *testing.T) {
	mux := newFakeMux()
	bus := events.NewBus()
	sup := NewTerminalSupervisor(mux, "claude", bus)
	window, err := sup.Create(context.Background(), "", "/tmp/repo")
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	require.NoError(t, sup.Kill(context.Background(), window.SID))

	evt := <-sub.C
	assert.Equal(t, events.WindowStopped, evt.Name)

	_, ok := sup.Get(window.SID)
	assert.False(t, ok)

	killed := mux.callsFor("kill-session")
	require.Len(t, killed, 1)
	assert.True(t, strings.HasPrefix(killed[0][2], "ccm-"))
}
