package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/config"
	"github.com/ccmux/ccmux/internal/events"
	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/models"
	"github.com/ccmux/ccmux/internal/recovery"
	"github.com/ccmux/ccmux/internal/services"
)

// pollWindow bounds how long one long-poll request stays open
const pollWindow = 25 * time.Second

// pollIdleTTL is how long a poll client's subscription survives without
// a re-attach before it is dropped from the bus
const pollIdleTTL = 60 * time.Second

// SessionOps is the socket layer's view of the orchestrator
type SessionOps interface {
	Start(ctx context.Context, worktreeID, worktreePath string) (*models.Session, error)
	Restore(ctx context.Context, worktreePath string) (*models.Session, error)
	Send(ctx context.Context, sid, text string) error
	SendKey(ctx context.Context, sid, key string) error
	Stop(ctx context.Context, sid string) error
	Delete(ctx context.Context, sid string) error
	Messages(ctx context.Context, sid string) ([]models.Message, error)
	ClearTranscript(ctx context.Context, sid string) error
	Get(ctx context.Context, sid string) (*models.Session, error)
	GetByWorktree(ctx context.Context, path string) (*models.Session, error)
	All(ctx context.Context) []models.Session
}

// WorktreeOps is the socket layer's view of the worktree service
type WorktreeOps interface {
	IsRepo(ctx context.Context, path string) bool
	ListWorktrees(ctx context.Context, repoPath string) ([]models.Worktree, error)
	CreateWorktree(ctx context.Context, repoPath, branch, baseBranch string) (*models.Worktree, error)
	DeleteWorktree(ctx context.Context, repoPath, worktreePath string) error
	ScanRepos(ctx context.Context, basePath string, maxDepth int) ([]models.RepoInfo, error)
}

// TunnelOps is the socket layer's view of the tunnel controller
type TunnelOps interface {
	StartQuick(localURL string) (string, error)
	StartNamed(name, hostname string) (string, error)
	Stop() error
	URL() (string, bool)
}

// PortScanOps enumerates listening ports for ports:scan
type PortScanOps interface {
	Scan() []services.ListeningPort
}

var (
	_ SessionOps  = (*services.Orchestrator)(nil)
	_ WorktreeOps = (*services.WorktreeService)(nil)
	_ TunnelOps   = (*services.TunnelController)(nil)
	_ PortScanOps = (*services.PortScanner)(nil)
)

// SocketHandler serves /socket.io/: a WebSocket (with long-poll
// fallback) carrying JSON {event, payload} messages both ways. Inbound
// messages are commands; outbound messages are bus events.
type SocketHandler struct {
	orch      SessionOps
	worktrees WorktreeOps
	tunnel    TunnelOps
	scanner   PortScanOps
	cfg       *config.Config
	bus       *events.Bus

	pollTTL time.Duration

	mu       sync.Mutex
	pollSubs map[string]*pollClient
}

// pollClient is one long-poll identity; gen increments on every
// re-attach so a stale idle timer cannot reap a client that came back
type pollClient struct {
	sub      *events.Subscriber
	attached bool
	gen      int
}

// NewSocketHandler wires the socket layer to its collaborators
func NewSocketHandler(orch SessionOps, worktrees WorktreeOps, tunnel TunnelOps, scanner PortScanOps, cfg *config.Config, bus *events.Bus) *SocketHandler {
	return &SocketHandler{
		orch:      orch,
		worktrees: worktrees,
		tunnel:    tunnel,
		scanner:   scanner,
		cfg:       cfg,
		bus:       bus,
		pollTTL:   pollIdleTTL,
		pollSubs:  make(map[string]*pollClient),
	}
}

// inbound is one client command
type inbound struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocket returns the upgraded connection handler for /socket.io/
func (h *SocketHandler) WebSocket() fiber.Handler {
	return fiberws.New(func(conn *fiberws.Conn) {
		sub := h.bus.Subscribe()
		defer h.bus.Unsubscribe(sub.ID)

		var writeMu sync.Mutex
		send := func(name string, payload interface{}) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(events.Event{Name: name, Payload: payload}); err != nil {
				logger.Debugf("Socket write to %s failed: %v", sub.ID, err)
			}
		}

		send(events.ReposList, h.reposList())

		done := make(chan struct{})
		recovery.SafeGo(fmt.Sprintf("socket-writer-%s", sub.ID), func() {
			for {
				select {
				case evt, ok := <-sub.C:
					if !ok {
						return
					}
					send(evt.Name, evt.Payload)
				case <-done:
					return
				}
			}
		})

		logger.Infof("🔗 Socket client connected: %s", sub.ID)
		for {
			var msg inbound
			if err := conn.ReadJSON(&msg); err != nil {
				break
			}
			h.dispatch(context.Background(), msg)
		}
		close(done)
		logger.Infof("🔗 Socket client disconnected: %s", sub.ID)
	})
}

// Poll is the long-poll fallback: GET /socket.io/poll?client=<id>
// streams queued events as JSON lines until the window elapses
func (h *SocketHandler) Poll(c *fiber.Ctx) error {
	clientID := c.Query("client")
	if clientID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "client query parameter required"})
	}

	sub, fresh := h.pollSubscriber(clientID)

	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Cache-Control", "no-cache")

	reposList := h.reposList()
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.detachPollSubscriber(clientID)

		writeEvent := func(evt events.Event) bool {
			data, err := json.Marshal(evt)
			if err != nil {
				return true
			}
			if _, err := w.Write(append(data, '\n')); err != nil {
				return false
			}
			return w.Flush() == nil
		}

		if fresh {
			if !writeEvent(events.Event{Name: events.ReposList, Payload: reposList}) {
				return
			}
		}

		deadline := time.After(pollWindow)
		for {
			select {
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				if !writeEvent(evt) {
					return
				}
			case <-deadline:
				return
			}
		}
	}))
	return nil
}

// Send is the long-poll command channel: POST /socket.io/send?client=<id>
func (h *SocketHandler) Send(c *fiber.Ctx) error {
	var msg inbound
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message"})
	}
	h.dispatch(c.Context(), msg)
	return c.JSON(fiber.Map{"ok": true})
}

func (h *SocketHandler) pollSubscriber(clientID string) (*events.Subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pc, ok := h.pollSubs[clientID]; ok {
		pc.attached = true
		pc.gen++
		return pc.sub, false
	}
	sub := h.bus.Subscribe()
	h.pollSubs[clientID] = &pollClient{sub: sub, attached: true}
	return sub, true
}

// detachPollSubscriber marks the client idle and arms the reaper; if no
// poll re-attaches within the TTL the subscription is dropped so the
// bus does not accumulate dead subscribers
func (h *SocketHandler) detachPollSubscriber(clientID string) {
	h.mu.Lock()
	pc, ok := h.pollSubs[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	pc.attached = false
	gen := pc.gen
	h.mu.Unlock()

	time.AfterFunc(h.pollTTL, func() {
		h.mu.Lock()
		pc, ok := h.pollSubs[clientID]
		if !ok || pc.attached || pc.gen != gen {
			h.mu.Unlock()
			return
		}
		delete(h.pollSubs, clientID)
		h.mu.Unlock()

		h.bus.Unsubscribe(pc.sub.ID)
		logger.Debugf("Poll client %s expired", clientID)
	})
}

func (h *SocketHandler) reposList() []models.RepoInfo {
	repos := make([]models.RepoInfo, 0, len(h.cfg.Repos))
	for _, path := range h.cfg.Repos {
		repos = append(repos, models.RepoInfo{
			Path: path,
			Name: path[strings.LastIndex(path, "/")+1:],
		})
	}
	return repos
}

// dispatch routes one inbound command to its collaborator and publishes
// the results on the bus
func (h *SocketHandler) dispatch(ctx context.Context, msg inbound) {
	switch msg.Event {
	case "repo:select":
		h.handleRepoSelect(ctx, msg.Payload)
	case "repo:scan":
		h.handleRepoScan(ctx, msg.Payload)
	case "worktree:list":
		h.handleWorktreeList(ctx, msg.Payload)
	case "worktree:create":
		h.handleWorktreeCreate(ctx, msg.Payload)
	case "worktree:delete":
		h.handleWorktreeDelete(ctx, msg.Payload)
	case "session:start":
		h.handleSessionStart(ctx, msg.Payload)
	case "session:restore":
		h.handleSessionRestore(ctx, msg.Payload)
	case "session:send":
		h.handleSessionSend(ctx, msg.Payload)
	case "session:key":
		h.handleSessionKey(ctx, msg.Payload)
	case "session:stop":
		h.handleSessionStop(ctx, msg.Payload)
	case "session:messages":
		h.handleSessionMessages(ctx, msg.Payload)
	case "session:clear":
		h.handleSessionClear(ctx, msg.Payload)
	case "tunnel:start":
		h.handleTunnelStart(ctx)
	case "tunnel:stop":
		if err := h.tunnel.Stop(); err != nil {
			h.bus.Publish(events.TunnelError, errPayload(err))
		}
	case "ports:scan":
		h.bus.Publish(events.PortsList, h.scanner.Scan())
	default:
		logger.Debugf("Unknown socket command: %s", msg.Event)
	}
}

// pathPayload accepts either a bare JSON string or {path: ...} style
// objects keyed by any of the given keys
func pathPayload(raw json.RawMessage, keys ...string) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, key := range keys {
			if v := m[key]; v != "" {
				return v
			}
		}
	}
	return ""
}

func errPayload(err error) map[string]string {
	return map[string]string{
		"kind":  string(apperr.KindOf(err)),
		"error": apperr.Message(err),
	}
}

func (h *SocketHandler) handleRepoSelect(ctx context.Context, raw json.RawMessage) {
	path := pathPayload(raw, "path")
	if path == "" {
		h.bus.Publish(events.RepoError, map[string]string{"error": "path required"})
		return
	}
	if !h.cfg.AllowsRepo(path) {
		h.bus.Publish(events.RepoError, map[string]string{"error": "Repository not in allowed list"})
		return
	}
	if !h.worktrees.IsRepo(ctx, path) {
		h.bus.Publish(events.RepoError, map[string]string{"error": "Not a Git repository"})
		return
	}

	h.bus.Publish(events.RepoSet, map[string]string{"path": path})
	h.publishWorktreeList(ctx, path)
}

func (h *SocketHandler) handleRepoScan(ctx context.Context, raw json.RawMessage) {
	basePath := pathPayload(raw, "basePath", "path")
	h.bus.Publish(events.ReposScanning, map[string]string{"state": "start"})

	repos, err := h.worktrees.ScanRepos(ctx, basePath, 3)
	if err != nil {
		h.bus.Publish(events.ReposScanning, map[string]interface{}{"state": "error", "error": apperr.Message(err)})
		return
	}
	h.bus.Publish(events.ReposScanned, repos)
	h.bus.Publish(events.ReposScanning, map[string]string{"state": "complete"})
}

func (h *SocketHandler) publishWorktreeList(ctx context.Context, repoPath string) {
	worktrees, err := h.worktrees.ListWorktrees(ctx, repoPath)
	if err != nil {
		h.bus.Publish(events.WorktreeError, errPayload(err))
		return
	}
	h.bus.Publish(events.WorktreeList, map[string]interface{}{
		"repoPath":  repoPath,
		"worktrees": worktrees,
	})
}

func (h *SocketHandler) handleWorktreeList(ctx context.Context, raw json.RawMessage) {
	repoPath := pathPayload(raw, "repoPath", "path")
	if repoPath == "" {
		h.bus.Publish(events.WorktreeError, map[string]string{"error": "repoPath required"})
		return
	}
	h.publishWorktreeList(ctx, repoPath)
}

func (h *SocketHandler) handleWorktreeCreate(ctx context.Context, raw json.RawMessage) {
	var payload struct {
		RepoPath   string `json:"repoPath"`
		BranchName string `json:"branchName"`
		BaseBranch string `json:"baseBranch"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.RepoPath == "" || payload.BranchName == "" {
		h.bus.Publish(events.WorktreeError, map[string]string{"error": "repoPath and branchName required"})
		return
	}

	worktree, err := h.worktrees.CreateWorktree(ctx, payload.RepoPath, payload.BranchName, payload.BaseBranch)
	if err != nil {
		h.bus.Publish(events.WorktreeError, errPayload(err))
		return
	}
	h.bus.Publish(events.WorktreeCreated, worktree)
	h.publishWorktreeList(ctx, payload.RepoPath)
}

func (h *SocketHandler) handleWorktreeDelete(ctx context.Context, raw json.RawMessage) {
	var payload struct {
		RepoPath     string `json:"repoPath"`
		WorktreePath string `json:"worktreePath"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.RepoPath == "" || payload.WorktreePath == "" {
		h.bus.Publish(events.WorktreeError, map[string]string{"error": "repoPath and worktreePath required"})
		return
	}

	// A session bound to the worktree must die before the directory
	// does; its registry row and transcript go with it
	if session, err := h.orch.GetByWorktree(ctx, payload.WorktreePath); err == nil {
		if err := h.orch.Delete(ctx, session.ID); err != nil {
			logger.Warnf("⚠️ Failed to remove session %s before worktree delete: %v", session.ID, err)
		}
	}

	if err := h.worktrees.DeleteWorktree(ctx, payload.RepoPath, payload.WorktreePath); err != nil {
		h.bus.Publish(events.WorktreeError, errPayload(err))
		return
	}
	h.bus.Publish(events.WorktreeDeleted, map[string]string{"worktreePath": payload.WorktreePath})
	h.publishWorktreeList(ctx, payload.RepoPath)
}

func (h *SocketHandler) handleSessionStart(ctx context.Context, raw json.RawMessage) {
	var payload struct {
		WorktreeID   string `json:"worktreeId"`
		WorktreePath string `json:"worktreePath"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.WorktreePath == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "worktreePath required"})
		return
	}

	if _, err := h.orch.Start(ctx, payload.WorktreeID, payload.WorktreePath); err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
	}
}

func (h *SocketHandler) handleSessionRestore(ctx context.Context, raw json.RawMessage) {
	worktreePath := pathPayload(raw, "worktreePath", "path")
	if worktreePath == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "worktreePath required"})
		return
	}

	session, err := h.orch.Restore(ctx, worktreePath)
	if err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
		return
	}
	if session == nil {
		h.bus.Publish("session:restore_failed", map[string]string{"worktreePath": worktreePath})
	}
}

func (h *SocketHandler) handleSessionSend(ctx context.Context, raw json.RawMessage) {
	var payload struct {
		SID  string `json:"sid"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.SID == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "sid required"})
		return
	}
	if err := h.orch.Send(ctx, payload.SID, payload.Text); err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
	}
}

func (h *SocketHandler) handleSessionKey(ctx context.Context, raw json.RawMessage) {
	var payload struct {
		SID string `json:"sid"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.SID == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "sid required"})
		return
	}
	if err := h.orch.SendKey(ctx, payload.SID, payload.Key); err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
	}
}

func (h *SocketHandler) handleSessionStop(ctx context.Context, raw json.RawMessage) {
	sid := pathPayload(raw, "sid")
	if sid == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "sid required"})
		return
	}
	if err := h.orch.Stop(ctx, sid); err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
	}
}

func (h *SocketHandler) handleSessionMessages(ctx context.Context, raw json.RawMessage) {
	sid := pathPayload(raw, "sid")
	if sid == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "sid required"})
		return
	}
	messages, err := h.orch.Messages(ctx, sid)
	if err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
		return
	}
	h.bus.Publish(events.SessionMessages, map[string]interface{}{
		"sid":      sid,
		"messages": messages,
	})
}

func (h *SocketHandler) handleSessionClear(ctx context.Context, raw json.RawMessage) {
	sid := pathPayload(raw, "sid")
	if sid == "" {
		h.bus.Publish(events.SessionError, map[string]string{"error": "sid required"})
		return
	}
	if err := h.orch.ClearTranscript(ctx, sid); err != nil {
		h.bus.Publish(events.SessionError, errPayload(err))
	}
}

func (h *SocketHandler) handleTunnelStart(ctx context.Context) {
	localURL := fmt.Sprintf("http://localhost:%d", h.cfg.Port)

	var err error
	if h.cfg.TunnelName != "" {
		_, err = h.tunnel.StartNamed(h.cfg.TunnelName, h.cfg.TunnelHostname)
	} else {
		_, err = h.tunnel.StartQuick(localURL)
	}
	if err != nil {
		h.bus.Publish(events.TunnelError, errPayload(err))
	}
}
