package services

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/events"
	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/recovery"
)

const (
	// gatewayReadyTimeout bounds the wait for the child's "Listening"
	// stderr line
	gatewayReadyTimeout = 5 * time.Second
	// gatewayStopGrace is how long SIGTERM gets before SIGKILL
	gatewayStopGrace = 3 * time.Second
)

// GatewayInstance describes one running web-terminal subprocess
type GatewayInstance struct {
	SID        string    `json:"sid"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	WindowName string    `json:"windowName"`
	StartedAt  time.Time `json:"startedAt"`
}

type gatewayProc struct {
	GatewayInstance
	cmd  *exec.Cmd
	done chan struct{}
}

// GatewaySupervisor spawns and reaps per-session web-terminal (ttyd)
// subprocesses. Each gateway binds to the loopback interface on a port
// leased from the allocator and attaches to one multiplexer window.
// Gateways die with the orchestrator; restore respawns them on demand.
type GatewaySupervisor struct {
	bin     string
	tmuxBin string
	theme   string
	ports   *PortAllocator
	bus     *events.Bus

	mu        sync.Mutex
	instances map[string]*gatewayProc
}

// NewGatewaySupervisor creates the supervisor. theme may be empty.
func NewGatewaySupervisor(bin, tmuxBin, theme string, ports *PortAllocator, bus *events.Bus) *GatewaySupervisor {
	if bin == "" {
		bin = "ttyd"
	}
	if tmuxBin == "" {
		tmuxBin = "tmux"
	}
	return &GatewaySupervisor{
		bin:       bin,
		tmuxBin:   tmuxBin,
		theme:     theme,
		ports:     ports,
		bus:       bus,
		instances: make(map[string]*gatewayProc),
	}
}

// Start spawns a gateway for sid attached to windowName and waits for it
// to announce readiness. The leased port is released on every failure
// path.
func (g *GatewaySupervisor) Start(ctx context.Context, sid, windowName string) (*GatewayInstance, error) {
	g.mu.Lock()
	if existing, ok := g.instances[sid]; ok {
		g.mu.Unlock()
		copied := existing.GatewayInstance
		return &copied, nil
	}
	g.mu.Unlock()

	port, err := g.ports.Acquire(sid)
	if err != nil {
		return nil, err
	}

	args := []string{"-W", "-i", "127.0.0.1", "-p", strconv.Itoa(port)}
	if g.theme != "" {
		args = append(args, "-t", "theme="+g.theme)
	}
	args = append(args, g.tmuxBin, "attach-session", "-t", windowName)

	cmd := exec.Command(g.bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		g.ports.Release(port)
		return nil, apperr.Wrap(apperr.GatewayStartFailed, err, "failed to pipe gateway stderr")
	}

	if err := cmd.Start(); err != nil {
		g.ports.Release(port)
		return nil, apperr.Wrap(apperr.GatewayStartFailed, err, "failed to start web terminal for session %s", sid)
	}

	ready := make(chan struct{})
	scanner := bufio.NewScanner(stderr)
	recovery.SafeGo(fmt.Sprintf("gateway-stderr-%s", sid), func() {
		announced := false
		for scanner.Scan() {
			line := scanner.Text()
			logger.Debugf("ttyd[%s]: %s", sid, line)
			if !announced && strings.Contains(line, "Listening") {
				announced = true
				close(ready)
			}
		}
	})

	select {
	case <-ready:
	case <-time.After(gatewayReadyTimeout):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		g.ports.Release(port)
		return nil, apperr.New(apperr.GatewayStartFailed, "web terminal for session %s did not become ready", sid)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		g.ports.Release(port)
		return nil, apperr.Wrap(apperr.GatewayStartFailed, ctx.Err(), "gateway start aborted for session %s", sid)
	}

	proc := &gatewayProc{
		GatewayInstance: GatewayInstance{
			SID:        sid,
			Port:       port,
			PID:        cmd.Process.Pid,
			WindowName: windowName,
			StartedAt:  time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	g.mu.Lock()
	g.instances[sid] = proc
	g.mu.Unlock()

	// Reaper: whenever the child exits, for any reason, the port must be
	// back in the pool within a second
	recovery.SafeGo(fmt.Sprintf("gateway-reaper-%s", sid), func() {
		_ = cmd.Wait()
		close(proc.done)

		g.mu.Lock()
		if current, ok := g.instances[sid]; ok && current == proc {
			delete(g.instances, sid)
		}
		g.mu.Unlock()

		g.ports.Release(port)
		logger.Infof("🔌 Gateway for session %s exited (port %d released)", sid, port)
		g.bus.Publish(events.GatewayStopped, map[string]interface{}{"sid": sid, "port": port})
	})

	logger.Infof("✅ Gateway listening on 127.0.0.1:%d for session %s (pid %d)", port, sid, proc.PID)
	return &proc.GatewayInstance, nil
}

// Get returns the instance for sid, if running
func (g *GatewaySupervisor) Get(sid string) (*GatewayInstance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	proc, ok := g.instances[sid]
	if !ok {
		return nil, false
	}
	copied := proc.GatewayInstance
	return &copied, true
}

// All returns a snapshot of running instances
func (g *GatewaySupervisor) All() []GatewayInstance {
	g.mu.Lock()
	defer g.mu.Unlock()
	instances := make([]GatewayInstance, 0, len(g.instances))
	for _, proc := range g.instances {
		instances = append(instances, proc.GatewayInstance)
	}
	return instances
}

// Stop terminates the gateway for sid: graceful first, SIGKILL after the
// grace period. Stopping a session with no gateway is a no-op.
func (g *GatewaySupervisor) Stop(sid string) error {
	g.mu.Lock()
	proc, ok := g.instances[sid]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	_ = proc.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-proc.done:
	case <-time.After(gatewayStopGrace):
		logger.Warnf("⚠️ Gateway for session %s ignored SIGTERM, killing", sid)
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
	return nil
}

// Cleanup stops every running gateway
func (g *GatewaySupervisor) Cleanup() {
	g.mu.Lock()
	sids := make([]string, 0, len(g.instances))
	for sid := range g.instances {
		sids = append(sids, sid)
	}
	g.mu.Unlock()

	for _, sid := range sids {
		if err := g.Stop(sid); err != nil {
			logger.Warnf("⚠️ Failed to stop gateway for session %s: %v", sid, err)
		}
	}
}
