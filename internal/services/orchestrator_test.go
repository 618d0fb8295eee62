package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/events"
	"github.com/ccmux/ccmux/internal/models"
	"github.com/ccmux/ccmux/internal/storage"
)

// fakeTerminals is an in-memory Terminals implementation
type fakeTerminals struct {
	mu          sync.Mutex
	windows     map[string]*TerminalWindow
	sent        map[string][]string
	keys        map[string][]string
	dead        map[string]bool
	createDelay time.Duration
}

var _ Terminals = (*fakeTerminals)(nil)

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{
		windows: make(map[string]*TerminalWindow),
		sent:    make(map[string][]string),
		keys:    make(map[string][]string),
		dead:    make(map[string]bool),
	}
}

func (f *fakeTerminals) adopt(sid, worktreePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[sid] = &TerminalWindow{
		SID:          sid,
		WindowName:   models.WindowName(sid),
		WorktreePath: worktreePath,
		CreatedAt:    time.Now().UTC(),
		Status:       "active",
	}
}

// markDead keeps the window tracked but makes it look gone from the
// multiplexer, as if something killed it out of band
func (f *fakeTerminals) markDead(sid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[sid] = true
}

func (f *fakeTerminals) Create(ctx context.Context, sid, worktreePath string) (*TerminalWindow, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	if sid == "" {
		sid = GenerateSID()
	}
	f.adopt(sid, worktreePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[sid], nil
}

func (f *fakeTerminals) SendText(ctx context.Context, sid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.windows[sid]; !ok {
		return apperr.New(apperr.NotFound, "session %s not found", sid)
	}
	f.sent[sid] = append(f.sent[sid], text)
	return nil
}

func (f *fakeTerminals) SendKey(ctx context.Context, sid, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.windows[sid]; !ok {
		return apperr.New(apperr.NotFound, "session %s not found", sid)
	}
	if _, ok := allowedKeys[key]; !ok {
		return apperr.New(apperr.InvalidArgument, "unsupported key: %s", key)
	}
	f.keys[sid] = append(f.keys[sid], key)
	return nil
}

func (f *fakeTerminals) Exists(ctx context.Context, sid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.windows[sid]
	return ok && !f.dead[sid]
}

func (f *fakeTerminals) Get(sid string) (*TerminalWindow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[sid]
	if !ok {
		return nil, false
	}
	copied := *w
	return &copied, true
}

func (f *fakeTerminals) GetByWorktree(path string) (*TerminalWindow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.windows {
		if w.WorktreePath != "" && w.WorktreePath == path {
			copied := *w
			return &copied, true
		}
	}
	return nil, false
}

func (f *fakeTerminals) All() []TerminalWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TerminalWindow
	for _, w := range f.windows {
		out = append(out, *w)
	}
	return out
}

func (f *fakeTerminals) Kill(ctx context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.windows[sid]; !ok {
		return apperr.New(apperr.NotFound, "session %s not found", sid)
	}
	delete(f.windows, sid)
	delete(f.dead, sid)
	return nil
}

// fakeGateways leases real ports from an allocator but spawns nothing
type fakeGateways struct {
	mu        sync.Mutex
	ports     *PortAllocator
	instances map[string]*GatewayInstance
	failStart bool
}

var _ Gateways = (*fakeGateways)(nil)

func newFakeGateways(ports *PortAllocator) *fakeGateways {
	return &fakeGateways{ports: ports, instances: make(map[string]*GatewayInstance)}
}

func (f *fakeGateways) Start(ctx context.Context, sid, windowName string) (*GatewayInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.instances[sid]; ok {
		return existing, nil
	}
	if f.failStart {
		return nil, apperr.New(apperr.GatewayStartFailed, "web terminal for session %s did not become ready", sid)
	}
	port, err := f.ports.Acquire(sid)
	if err != nil {
		return nil, err
	}
	inst := &GatewayInstance{SID: sid, Port: port, WindowName: windowName, StartedAt: time.Now().UTC()}
	f.instances[sid] = inst
	return inst, nil
}

func (f *fakeGateways) Get(sid string) (*GatewayInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[sid]
	return inst, ok
}

func (f *fakeGateways) Stop(sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[sid]; ok {
		f.ports.Release(inst.Port)
		delete(f.instances, sid)
	}
	return nil
}

func (f *fakeGateways) Cleanup() {
	f.mu.Lock()
	sids := make([]string, 0, len(f.instances))
	for sid := range f.instances {
		sids = append(sids, sid)
	}
	f.mu.Unlock()
	for _, sid := range sids {
		_ = f.Stop(sid)
	}
}

type orchFixture struct {
	orch      *Orchestrator
	terminals *fakeTerminals
	gateways  *fakeGateways
	store     *storage.Store
	bus       *events.Bus
}

func newOrchFixture(t *testing.T, portRange int) *orchFixture {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	terminals := newFakeTerminals()
	gateways := newFakeGateways(NewPortAllocator(7681, 7681+portRange-1))
	bus := events.NewBus()
	return &orchFixture{
		orch:      NewOrchestrator(terminals, gateways, store, bus),
		terminals: terminals,
		gateways:  gateways,
		store:     store,
		bus:       bus,
	}
}

func TestStartCreatesSession(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	assert.Len(t, session.ID, 8)
	assert.Equal(t, "ccm-"+session.ID, session.WindowName)
	assert.Equal(t, "/t/"+session.ID+"/", session.URL)
	assert.Equal(t, models.SessionActive, session.Status)
	require.NotNil(t, session.GatewayPort)
	assert.Equal(t, 7681, *session.GatewayPort)

	row, err := fx.store.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/repo", row.WorktreePath)
}

func TestStartIsIdempotentPerWorktree(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	first, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	second, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.GatewayPort, *second.GatewayPort)
	assert.Equal(t, 1, fx.gateways.ports.InUse())
}

func TestConcurrentStartsShareOneSession(t *testing.T) {
	fx := newOrchFixture(t, 10)
	// Slow window creation widens the race between concurrent starts
	fx.terminals.createDelay = 50 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*models.Session, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.orch.Start(ctx, "w1", "/tmp/repo")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].ID, results[1].ID)
	assert.Len(t, fx.terminals.All(), 1)
	assert.Equal(t, 1, fx.gateways.ports.InUse())
}

func TestStartPortExhaustionLeavesStateUnchanged(t *testing.T) {
	fx := newOrchFixture(t, 1)
	ctx := context.Background()

	first, err := fx.orch.Start(ctx, "w1", "/tmp/r1")
	require.NoError(t, err)

	_, err = fx.orch.Start(ctx, "w2", "/tmp/r2")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NoFreePort))

	// First session untouched; the failed start left no window behind
	got, err := fx.orch.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.GatewayPort)
	_, found := fx.terminals.GetByWorktree("/tmp/r2")
	assert.False(t, found)
}

func TestSendUpdatesStatusAndTranscript(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)

	require.NoError(t, fx.orch.Send(ctx, session.ID, "ls\n"))
	assert.Equal(t, []string{"ls\n"}, fx.terminals.sent[session.ID])

	msgs, err := fx.store.MessagesOf(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ls\n", msgs[0].Content)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestSendToUnknownSid(t *testing.T) {
	fx := newOrchFixture(t, 10)
	err := fx.orch.Send(context.Background(), "missing1", "hi")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestSendKeyDelegates(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()
	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)

	require.NoError(t, fx.orch.SendKey(ctx, session.ID, "S-Tab"))
	require.NoError(t, fx.orch.SendKey(ctx, session.ID, "C-c"))
	assert.Equal(t, []string{"S-Tab", "C-c"}, fx.terminals.keys[session.ID])

	err = fx.orch.SendKey(ctx, session.ID, "F5")
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))
}

func TestStopReleasesEverything(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)

	require.NoError(t, fx.orch.Stop(ctx, session.ID))

	assert.Equal(t, 0, fx.gateways.ports.InUse())
	_, hasWindow := fx.terminals.Get(session.ID)
	assert.False(t, hasWindow)

	row, err := fx.store.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, row.Status)

	// Repeated stop is a no-op
	require.NoError(t, fx.orch.Stop(ctx, session.ID))
}

func TestStopAfterWindowDiesExternally(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)

	// Someone killed the window out of band; the supervisor still
	// tracks it
	fx.terminals.markDead(session.ID)

	require.NoError(t, fx.orch.Stop(ctx, session.ID))
	assert.Equal(t, 0, fx.gateways.ports.InUse())
	assert.Empty(t, fx.terminals.All())

	row, err := fx.store.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, row.Status)
}

func TestStartAfterStopRevivesSameSid(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	require.NoError(t, fx.orch.Send(ctx, session.ID, "hello"))
	require.NoError(t, fx.orch.Stop(ctx, session.ID))

	revived, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	assert.Equal(t, session.ID, revived.ID)
	assert.Equal(t, models.SessionActive, revived.Status)

	// The transcript stays attached to the revived session
	messages, err := fx.store.MessagesOf(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
}

func TestDeleteRemovesRowAndTranscript(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	require.NoError(t, fx.orch.Send(ctx, session.ID, "hello"))

	require.NoError(t, fx.orch.Delete(ctx, session.ID))

	assert.Equal(t, 0, fx.gateways.ports.InUse())
	assert.Empty(t, fx.terminals.All())

	_, err = fx.store.GetByID(ctx, session.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	msgs, err := fx.store.MessagesOf(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Repeated delete is a no-op
	require.NoError(t, fx.orch.Delete(ctx, session.ID))
}

func TestMessagesAndClearTranscript(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	require.NoError(t, fx.orch.Send(ctx, session.ID, "first"))
	require.NoError(t, fx.orch.Send(ctx, session.ID, "second"))

	msgs, err := fx.orch.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)

	require.NoError(t, fx.orch.ClearTranscript(ctx, session.ID))

	msgs, err = fx.orch.Messages(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The session itself survives a transcript clear
	row, err := fx.store.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, row.Status)

	_, err = fx.orch.Messages(ctx, "missing1")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestStopUnknownSid(t *testing.T) {
	fx := newOrchFixture(t, 10)
	err := fx.orch.Stop(context.Background(), "ghost123")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRestartDiscoveryAndRestore(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	require.NoError(t, fx.orch.Send(ctx, session.ID, "hello before restart"))

	// Simulate an orchestrator restart: gateways die, windows survive,
	// the registry persists
	fx.orch.Cleanup()
	assert.Equal(t, 0, fx.gateways.ports.InUse())

	survivors := newFakeTerminals()
	survivors.adopt(session.ID, "/tmp/repo")
	restarted := NewOrchestrator(survivors, newFakeGateways(NewPortAllocator(7681, 7690)), fx.store, events.NewBus())
	defer restarted.Cleanup()

	all := restarted.All(ctx)
	require.Len(t, all, 1)
	assert.Equal(t, session.ID, all[0].ID)
	assert.Equal(t, "/tmp/repo", all[0].WorktreePath)
	assert.Nil(t, all[0].GatewayPort)

	restored, err := restarted.Restore(ctx, "/tmp/repo")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, session.ID, restored.ID)
	require.NotNil(t, restored.GatewayPort)

	// Transcript written before the restart is still there
	msgs, err := fx.store.MessagesOf(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello before restart", msgs[0].Content)
}

func TestRestoreWithoutWindow(t *testing.T) {
	fx := newOrchFixture(t, 10)
	session, err := fx.orch.Restore(context.Background(), "/tmp/nothing")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestGatewayFailureOnFreshStartLeavesNoWindow(t *testing.T) {
	fx := newOrchFixture(t, 10)
	fx.gateways.failStart = true

	_, err := fx.orch.Start(context.Background(), "w1", "/tmp/repo")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.GatewayStartFailed))
	assert.Empty(t, fx.terminals.All())
}

func TestSessionEventsEmitted(t *testing.T) {
	fx := newOrchFixture(t, 10)
	ctx := context.Background()

	sub := fx.bus.Subscribe()
	defer fx.bus.Unsubscribe(sub.ID)

	session, err := fx.orch.Start(ctx, "w1", "/tmp/repo")
	require.NoError(t, err)
	evt := <-sub.C
	assert.Equal(t, events.SessionCreated, evt.Name)

	require.NoError(t, fx.orch.Stop(ctx, session.ID))
	evt = <-sub.C
	assert.Equal(t, events.SessionStopped, evt.Name)
}
