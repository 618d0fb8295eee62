package services

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/events"
	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/models"
	"github.com/ccmux/ccmux/internal/recovery"
	"github.com/ccmux/ccmux/internal/storage"
)

// Terminals is the orchestrator's view of the terminal supervisor
type Terminals interface {
	Create(ctx context.Context, sid, worktreePath string) (*TerminalWindow, error)
	SendText(ctx context.Context, sid, text string) error
	SendKey(ctx context.Context, sid, key string) error
	Exists(ctx context.Context, sid string) bool
	Get(sid string) (*TerminalWindow, bool)
	GetByWorktree(path string) (*TerminalWindow, bool)
	All() []TerminalWindow
	Kill(ctx context.Context, sid string) error
}

// Gateways is the orchestrator's view of the gateway supervisor
type Gateways interface {
	Start(ctx context.Context, sid, windowName string) (*GatewayInstance, error)
	Get(sid string) (*GatewayInstance, bool)
	Stop(sid string) error
	Cleanup()
}

var (
	_ Terminals = (*TerminalSupervisor)(nil)
	_ Gateways  = (*GatewaySupervisor)(nil)
)

// Orchestrator composes the supervisors and the registry into the
// session lifecycle API. All mutating operations on one sid are
// serialized by a per-sid lock.
type Orchestrator struct {
	terminals Terminals
	gateways  Gateways
	store     *storage.Store
	bus       *events.Bus

	locks      sync.Map // sid -> *sync.Mutex
	startLocks sync.Map // worktreePath -> *sync.Mutex
	watcher    *fsnotify.Watcher
}

// NewOrchestrator wires the supervisors and registry together. Windows
// surviving from a previous run are already discovered by the terminal
// supervisor; their registry rows are resolved lazily by restore/all.
func NewOrchestrator(terminals Terminals, gateways Gateways, store *storage.Store, bus *events.Bus) *Orchestrator {
	o := &Orchestrator{
		terminals: terminals,
		gateways:  gateways,
		store:     store,
		bus:       bus,
	}
	o.startWorktreeWatcher()
	return o
}

func (o *Orchestrator) lock(sid string) func() {
	actual, _ := o.locks.LoadOrStore(sid, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// lockPath serializes the lookup-or-create step of Start. The per-sid
// lock cannot cover it: before a window exists there is no sid to lock,
// so two concurrent starts for one worktree would each create a window.
func (o *Orchestrator) lockPath(worktreePath string) func() {
	actual, _ := o.startLocks.LoadOrStore(worktreePath, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start provisions (or reuses) a session for a worktree. Repeated calls
// for the same worktreePath return the same session.
func (o *Orchestrator) Start(ctx context.Context, worktreeID, worktreePath string) (*models.Session, error) {
	unlockPath := o.lockPath(worktreePath)
	defer unlockPath()

	window, reused := o.terminals.GetByWorktree(worktreePath)
	if !reused {
		// A stored row for this worktree means a prior session; revive
		// it under the same sid so its transcript stays attached
		sid := ""
		if existing, err := o.store.GetByWorktreePath(ctx, worktreePath); err == nil {
			sid = existing.ID
		}
		created, err := o.terminals.Create(ctx, sid, worktreePath)
		if err != nil {
			return nil, err
		}
		window = created
	}

	unlock := o.lock(window.SID)
	defer unlock()

	if _, up := o.gateways.Get(window.SID); !up {
		if _, err := o.gateways.Start(ctx, window.SID, window.WindowName); err != nil {
			// A freshly created window without a gateway is unusable;
			// leave nothing behind
			if !reused {
				_ = o.terminals.Kill(ctx, window.SID)
			}
			return nil, err
		}
	}

	if existing, err := o.store.GetByWorktreePath(ctx, worktreePath); err == nil {
		if err := o.store.UpdateStatus(ctx, existing.ID, models.SessionActive); err != nil {
			logger.Warnf("⚠️ Failed to update status for session %s: %v", existing.ID, err)
		}
	} else {
		row := &models.Session{
			ID:           window.SID,
			WorktreeID:   worktreeID,
			WorktreePath: worktreePath,
			Status:       models.SessionActive,
			CreatedAt:    time.Now().UTC(),
		}
		if err := o.store.Create(ctx, row); err != nil {
			logger.Warnf("⚠️ Failed to persist session %s: %v", window.SID, err)
		}
	}

	o.watchPath(worktreePath)

	session := o.project(ctx, window.SID)
	if session == nil {
		return nil, apperr.New(apperr.Internal, "session %s vanished during start", window.SID)
	}

	logger.Infof("🚀 Session %s started for %s (port %v)", session.ID, worktreePath, derefPort(session.GatewayPort))
	o.bus.Publish(events.SessionCreated, session)
	return session, nil
}

// Restore brings a discovered window back to a usable session: the
// gateway is respawned if down. Returns nil when no window exists for
// the worktree.
func (o *Orchestrator) Restore(ctx context.Context, worktreePath string) (*models.Session, error) {
	window, ok := o.terminals.GetByWorktree(worktreePath)
	if !ok {
		return nil, nil
	}

	unlock := o.lock(window.SID)
	defer unlock()

	if _, up := o.gateways.Get(window.SID); !up {
		if _, err := o.gateways.Start(ctx, window.SID, window.WindowName); err != nil {
			return nil, err
		}
	}

	if existing, err := o.store.GetByWorktreePath(ctx, worktreePath); err == nil {
		_ = o.store.UpdateStatus(ctx, existing.ID, models.SessionActive)
	} else {
		// Discovered-only window: give it a registry row so its
		// transcript has somewhere to live
		row := &models.Session{
			ID:           window.SID,
			WorktreePath: worktreePath,
			Status:       models.SessionActive,
			CreatedAt:    window.CreatedAt,
		}
		if err := o.store.Create(ctx, row); err != nil && !apperr.Is(err, apperr.Conflict) {
			logger.Warnf("⚠️ Failed to persist restored session %s: %v", window.SID, err)
		}
	}

	o.watchPath(worktreePath)

	session := o.project(ctx, window.SID)
	logger.Infof("🔄 Session %s restored for %s", window.SID, worktreePath)
	o.bus.Publish(events.SessionRestored, session)
	return session, nil
}

// Send delivers text to a session's window
func (o *Orchestrator) Send(ctx context.Context, sid, text string) error {
	unlock := o.lock(sid)
	defer unlock()

	if err := o.terminals.SendText(ctx, sid, text); err != nil {
		o.markError(ctx, sid)
		return err
	}
	_ = o.store.UpdateStatus(ctx, sid, models.SessionActive)
	_ = o.store.AddMessage(ctx, &models.Message{
		SessionID: sid,
		Role:      "user",
		Content:   text,
		Type:      "text",
	})
	if session := o.project(ctx, sid); session != nil {
		o.bus.Publish(events.SessionUpdated, session)
	}
	return nil
}

// SendKey delivers one special key to a session's window
func (o *Orchestrator) SendKey(ctx context.Context, sid, key string) error {
	unlock := o.lock(sid)
	defer unlock()

	if err := o.terminals.SendKey(ctx, sid, key); err != nil {
		if !apperr.Is(err, apperr.InvalidArgument) {
			o.markError(ctx, sid)
		}
		return err
	}
	_ = o.store.UpdateStatus(ctx, sid, models.SessionActive)
	if session := o.project(ctx, sid); session != nil {
		o.bus.Publish(events.SessionUpdated, session)
	}
	return nil
}

// Stop terminates a session: gateway first, then the window, then the
// registry row flips to stopped. Repeated stops are no-ops.
func (o *Orchestrator) Stop(ctx context.Context, sid string) error {
	unlock := o.lock(sid)
	defer unlock()

	// Exists probes the multiplexer itself, catching windows killed
	// outside our view since discovery
	hasWindow := o.terminals.Exists(ctx, sid)
	_, tracked := o.terminals.Get(sid)
	_, hasGateway := o.gateways.Get(sid)
	if !hasWindow && !hasGateway && !tracked {
		if row, err := o.store.GetByID(ctx, sid); err != nil {
			return apperr.New(apperr.NotFound, "session %s not found", sid)
		} else if row.Status == models.SessionStopped {
			return nil
		}
	}

	if err := o.gateways.Stop(sid); err != nil {
		logger.Warnf("⚠️ Failed to stop gateway for session %s: %v", sid, err)
	}
	// Kill whenever the supervisor tracks the sid so a window that died
	// behind our back is still dropped from its table
	if tracked {
		if err := o.terminals.Kill(ctx, sid); err != nil {
			logger.Warnf("⚠️ Failed to kill window for session %s: %v", sid, err)
		}
	}
	if err := o.store.UpdateStatus(ctx, sid, models.SessionStopped); err != nil && !apperr.Is(err, apperr.NotFound) {
		logger.Warnf("⚠️ Failed to mark session %s stopped: %v", sid, err)
	}

	logger.Infof("🛑 Session %s stopped", sid)
	o.bus.Publish(events.SessionStopped, map[string]string{"sid": sid})
	return nil
}

// Delete stops a session and removes its registry row; the transcript
// goes with it via the cascade
func (o *Orchestrator) Delete(ctx context.Context, sid string) error {
	if err := o.Stop(ctx, sid); err != nil && !apperr.Is(err, apperr.NotFound) {
		return err
	}
	if err := o.store.Delete(ctx, sid); err != nil && !apperr.Is(err, apperr.NotFound) {
		return err
	}
	return nil
}

// Messages returns a session's transcript in send order
func (o *Orchestrator) Messages(ctx context.Context, sid string) ([]models.Message, error) {
	if _, err := o.store.GetByID(ctx, sid); err != nil {
		return nil, err
	}
	return o.store.MessagesOf(ctx, sid)
}

// ClearTranscript drops a session's messages, keeping the session
func (o *Orchestrator) ClearTranscript(ctx context.Context, sid string) error {
	if _, err := o.store.GetByID(ctx, sid); err != nil {
		return err
	}
	return o.store.ClearMessages(ctx, sid)
}

// Get projects a single live session
func (o *Orchestrator) Get(ctx context.Context, sid string) (*models.Session, error) {
	if session := o.project(ctx, sid); session != nil {
		return session, nil
	}
	return nil, apperr.New(apperr.NotFound, "session %s not found", sid)
}

// GetByWorktree projects the session bound to a worktree path
func (o *Orchestrator) GetByWorktree(ctx context.Context, path string) (*models.Session, error) {
	if window, ok := o.terminals.GetByWorktree(path); ok {
		if session := o.project(ctx, window.SID); session != nil {
			return session, nil
		}
	}
	if row, err := o.store.GetByWorktreePath(ctx, path); err == nil {
		return row, nil
	}
	return nil, apperr.New(apperr.NotFound, "no session for worktree %s", path)
}

// All projects every known session: live windows joined with registry
// rows, plus stopped rows with no window
func (o *Orchestrator) All(ctx context.Context) []models.Session {
	seen := make(map[string]bool)
	var sessions []models.Session

	for _, window := range o.terminals.All() {
		if session := o.project(ctx, window.SID); session != nil {
			sessions = append(sessions, *session)
			seen[session.ID] = true
		}
	}

	if rows, err := o.store.ListAll(ctx); err == nil {
		for _, row := range rows {
			if !seen[row.ID] {
				sessions = append(sessions, row)
			}
		}
	}
	return sessions
}

// Cleanup stops all gateways. Windows are deliberately left running so
// the user's agent sessions survive an orchestrator restart.
func (o *Orchestrator) Cleanup() {
	o.gateways.Cleanup()
	if o.watcher != nil {
		_ = o.watcher.Close()
	}
}

// project joins supervisor state and the registry row into the Session
// the clients see
func (o *Orchestrator) project(ctx context.Context, sid string) *models.Session {
	window, hasWindow := o.terminals.Get(sid)
	row, rowErr := o.store.GetByID(ctx, sid)

	if !hasWindow && rowErr != nil {
		return nil
	}

	session := &models.Session{
		ID:         sid,
		WindowName: models.WindowName(sid),
		URL:        "/t/" + sid + "/",
	}
	if rowErr == nil {
		session.WorktreeID = row.WorktreeID
		session.WorktreePath = row.WorktreePath
		session.CreatedAt = row.CreatedAt
		session.Status = row.Status
	}
	if hasWindow {
		if window.WorktreePath != "" {
			session.WorktreePath = window.WorktreePath
		}
		if session.CreatedAt.IsZero() {
			session.CreatedAt = window.CreatedAt
		}
		session.Status = mapWindowStatus(window.Status)
	}
	if gateway, ok := o.gateways.Get(sid); ok {
		port := gateway.Port
		session.GatewayPort = &port
	}
	return session
}

// mapWindowStatus translates supervisor window state to session status
func mapWindowStatus(status string) models.SessionStatus {
	switch status {
	case "running", "active":
		return models.SessionActive
	case "starting":
		return models.SessionIdle
	case "stopped":
		return models.SessionStopped
	case "error":
		return models.SessionError
	default:
		return models.SessionIdle
	}
}

func (o *Orchestrator) markError(ctx context.Context, sid string) {
	_ = o.store.UpdateStatus(ctx, sid, models.SessionError)
	o.bus.Publish(events.SessionError, map[string]string{"sid": sid, "error": "session window is gone"})
}

func derefPort(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// startWorktreeWatcher marks sessions errored when their worktree
// directory disappears from disk
func (o *Orchestrator) startWorktreeWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("⚠️ Worktree watcher unavailable: %v", err)
		return
	}
	o.watcher = watcher

	recovery.SafeGo("worktree-watcher", func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if window, found := o.terminals.GetByWorktree(event.Name); found {
					logger.Warnf("⚠️ Worktree %s removed, marking session %s errored", event.Name, window.SID)
					o.markError(context.Background(), window.SID)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("⚠️ Worktree watcher error: %v", err)
			}
		}
	})
}

// watchPath registers a worktree's parent directory so deletion of the
// worktree itself is observed
func (o *Orchestrator) watchPath(worktreePath string) {
	if o.watcher == nil {
		return
	}
	if err := o.watcher.Add(filepath.Dir(worktreePath)); err != nil {
		logger.Debugf("Could not watch %s: %v", worktreePath, err)
	}
}
