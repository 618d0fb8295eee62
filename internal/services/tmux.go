package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/events"
	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/models"
)

// TerminalWindow is a supervisor-internal record of one multiplexer
// session carrying our window prefix
type TerminalWindow struct {
	SID          string
	WindowName   string
	WorktreePath string
	CreatedAt    time.Time
	LastActivity time.Time
	Status       string
}

// Multiplexer is the thin seam over the terminal multiplexer CLI.
// Tests substitute a fake; production uses the tmux binary.
type Multiplexer interface {
	Run(ctx context.Context, args ...string) (string, error)
	Available() bool
}

// TmuxRunner shells out to the tmux binary
type TmuxRunner struct {
	bin       string
	available bool
}

var _ Multiplexer = (*TmuxRunner)(nil)

// NewTmuxRunner resolves the tmux binary once; availability is checked
// at construction and cached
func NewTmuxRunner(bin string) *TmuxRunner {
	if bin == "" {
		bin = "tmux"
	}
	_, err := exec.LookPath(bin)
	return &TmuxRunner{bin: bin, available: err == nil}
}

func (r *TmuxRunner) Available() bool { return r.available }

func (r *TmuxRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// sidAlphabet is URL-safe so session IDs can appear raw in /t/<sid>/
// paths and in multiplexer target names
const sidAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const sidLength = 8

// GenerateSID returns a new 8-character session ID
func GenerateSID() string {
	buf := make([]byte, sidLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = sidAlphabet[int(b)%len(sidAlphabet)]
	}
	return string(buf)
}

// allowedKeys is the special-key vocabulary of sendKey
var allowedKeys = map[string]string{
	"Enter":  "Enter",
	"C-c":    "C-c",
	"C-d":    "C-d",
	"y":      "y",
	"n":      "n",
	"S-Tab":  "BTab", // tmux spells shift-tab as BTab
	"Escape": "Escape",
}

// escapeText neutralizes text for delivery as a single send-keys
// argument. tmux splits its command line on an argument whose trailing
// semicolon is unescaped, so a payload ending in ";" must be escaped or
// the tail of the text would be parsed as a new tmux command.
func escapeText(text string) string {
	if strings.HasSuffix(text, ";") && !strings.HasSuffix(text, "\\;") {
		return text[:len(text)-1] + "\\;"
	}
	return text
}

// TerminalSupervisor is the single authority for multiplexer window
// lifecycle. Windows outlive the orchestrator process; discovery at
// construction picks up survivors from a previous run.
type TerminalSupervisor struct {
	mux          Multiplexer
	bus          *events.Bus
	agentCommand string

	mu      sync.RWMutex
	windows map[string]*TerminalWindow
}

// NewTerminalSupervisor creates the supervisor and discovers surviving
// windows. A missing multiplexer binary is logged with an install hint;
// mutating operations then fail with MultiplexerUnavailable.
func NewTerminalSupervisor(mux Multiplexer, agentCommand string, bus *events.Bus) *TerminalSupervisor {
	s := &TerminalSupervisor{
		mux:          mux,
		bus:          bus,
		agentCommand: agentCommand,
		windows:      make(map[string]*TerminalWindow),
	}

	if !mux.Available() {
		logger.Error("❌ tmux not found. Install it with your package manager (e.g. 'brew install tmux' or 'apt install tmux')")
		return s
	}

	s.discover()
	return s
}

func (s *TerminalSupervisor) unavailable() error {
	if s.mux.Available() {
		return nil
	}
	return apperr.New(apperr.MultiplexerUnavailable, "terminal multiplexer (tmux) is not installed")
}

// discover enumerates surviving ccm-* sessions and re-adopts them
func (s *TerminalSupervisor) discover() {
	ctx := context.Background()
	out, err := s.mux.Run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// exit status 1 just means the server has no sessions
		logger.Debugf("No multiplexer sessions to discover: %v", err)
		return
	}

	for _, name := range strings.Split(strings.TrimSpace(out), "\n") {
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(name, models.WindowPrefix) {
			continue
		}
		sid := strings.TrimPrefix(name, models.WindowPrefix)

		worktreePath := ""
		if cwd, err := s.mux.Run(ctx, "display-message", "-p", "-t", name, "#{pane_current_path}"); err == nil {
			worktreePath = strings.TrimSpace(cwd)
		}

		if _, err := s.mux.Run(ctx, "set-option", "-t", name, "mouse", "on"); err != nil {
			logger.Warnf("⚠️ Failed to enable mouse mode on %s: %v", name, err)
		}

		now := time.Now().UTC()
		s.windows[sid] = &TerminalWindow{
			SID:          sid,
			WindowName:   name,
			WorktreePath: worktreePath,
			CreatedAt:    now,
			LastActivity: now,
			Status:       "active",
		}
		logger.Infof("🔄 Discovered surviving window %s (cwd %s)", name, worktreePath)
	}
}

// Create spawns a new detached window at worktreePath, launches the
// agent CLI inside it and returns the record. An empty sid gets a fresh
// one; callers pass a sid to revive a previously stored session under
// its old identity.
func (s *TerminalSupervisor) Create(ctx context.Context, sid, worktreePath string) (*TerminalWindow, error) {
	if err := s.unavailable(); err != nil {
		return nil, err
	}

	if sid == "" {
		sid = GenerateSID()
	}
	name := models.WindowName(sid)

	if _, err := s.mux.Run(ctx, "new-session", "-d", "-s", name, "-c", worktreePath); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to create terminal window")
	}

	if _, err := s.mux.Run(ctx, "send-keys", "-t", name, "-l", "--", escapeText(s.agentCommand)); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to launch agent in window %s", name)
	}
	if _, err := s.mux.Run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to launch agent in window %s", name)
	}

	if _, err := s.mux.Run(ctx, "set-option", "-t", name, "mouse", "on"); err != nil {
		logger.Warnf("⚠️ Failed to enable mouse mode on %s: %v", name, err)
	}

	now := time.Now().UTC()
	window := &TerminalWindow{
		SID:          sid,
		WindowName:   name,
		WorktreePath: worktreePath,
		CreatedAt:    now,
		LastActivity: now,
		Status:       "active",
	}

	s.mu.Lock()
	s.windows[sid] = window
	s.mu.Unlock()

	logger.Infof("✅ Created terminal window %s at %s", name, worktreePath)
	s.bus.Publish(events.WindowCreated, map[string]string{"sid": sid, "windowName": name, "worktreePath": worktreePath})

	return window, nil
}

// SendText delivers literal text plus a line terminator to a window
func (s *TerminalSupervisor) SendText(ctx context.Context, sid, text string) error {
	if err := s.unavailable(); err != nil {
		return err
	}

	s.mu.Lock()
	window, ok := s.windows[sid]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.NotFound, "session %s not found", sid)
	}
	name := window.WindowName
	s.mu.Unlock()

	if _, err := s.mux.Run(ctx, "send-keys", "-t", name, "-l", "--", escapeText(text)); err != nil {
		s.markError(sid)
		return apperr.Wrap(apperr.NotFound, err, "session %s not found", sid)
	}
	if _, err := s.mux.Run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		s.markError(sid)
		return apperr.Wrap(apperr.NotFound, err, "session %s not found", sid)
	}

	s.touch(sid)
	return nil
}

// SendKey delivers one special key to a window
func (s *TerminalSupervisor) SendKey(ctx context.Context, sid, key string) error {
	if err := s.unavailable(); err != nil {
		return err
	}

	token, ok := allowedKeys[key]
	if !ok {
		return apperr.New(apperr.InvalidArgument, "unsupported key: %s", key)
	}

	s.mu.RLock()
	window, found := s.windows[sid]
	s.mu.RUnlock()
	if !found {
		return apperr.New(apperr.NotFound, "session %s not found", sid)
	}

	if _, err := s.mux.Run(ctx, "send-keys", "-t", window.WindowName, token); err != nil {
		s.markError(sid)
		return apperr.Wrap(apperr.NotFound, err, "session %s not found", sid)
	}

	s.touch(sid)
	return nil
}

// Exists reports whether the window is alive in the multiplexer
func (s *TerminalSupervisor) Exists(ctx context.Context, sid string) bool {
	s.mu.RLock()
	window, ok := s.windows[sid]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	_, err := s.mux.Run(ctx, "has-session", "-t", window.WindowName)
	return err == nil
}

// Get returns the record for sid, if tracked
func (s *TerminalSupervisor) Get(sid string) (*TerminalWindow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window, ok := s.windows[sid]
	if !ok {
		return nil, false
	}
	copied := *window
	return &copied, true
}

// GetByWorktree returns the window bound to a worktree path, if any.
// Windows whose cwd could not be resolved never match.
func (s *TerminalSupervisor) GetByWorktree(path string) (*TerminalWindow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, window := range s.windows {
		if window.WorktreePath != "" && window.WorktreePath == path {
			copied := *window
			return &copied, true
		}
	}
	return nil, false
}

// All returns a snapshot of every tracked window
func (s *TerminalSupervisor) All() []TerminalWindow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	windows := make([]TerminalWindow, 0, len(s.windows))
	for _, window := range s.windows {
		windows = append(windows, *window)
	}
	return windows
}

// Kill terminates a window and drops its record
func (s *TerminalSupervisor) Kill(ctx context.Context, sid string) error {
	if err := s.unavailable(); err != nil {
		return err
	}

	s.mu.Lock()
	window, ok := s.windows[sid]
	if !ok {
		s.mu.Unlock()
		return apperr.New(apperr.NotFound, "session %s not found", sid)
	}
	delete(s.windows, sid)
	s.mu.Unlock()

	if _, err := s.mux.Run(ctx, "kill-session", "-t", window.WindowName); err != nil {
		logger.Warnf("⚠️ Failed to kill window %s: %v", window.WindowName, err)
	}

	logger.Infof("🛑 Killed terminal window %s", window.WindowName)
	s.bus.Publish(events.WindowStopped, map[string]string{"sid": sid, "windowName": window.WindowName})
	return nil
}

func (s *TerminalSupervisor) touch(sid string) {
	s.mu.Lock()
	if window, ok := s.windows[sid]; ok {
		window.LastActivity = time.Now().UTC()
		window.Status = "active"
	}
	s.mu.Unlock()
}

func (s *TerminalSupervisor) markError(sid string) {
	s.mu.Lock()
	if window, ok := s.windows[sid]; ok {
		window.Status = "error"
	}
	s.mu.Unlock()
}
