package services

import (
	"bufio"
	"fmt"
	"os/exec"
	"regexp"
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
	quickTunnelTimeout = 30 * time.Second
	namedTunnelTimeout = 60 * time.Second
)

var quickTunnelURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// TunnelController wraps the cloudflared binary. Quick mode provisions
// an ephemeral trycloudflare.com URL; named mode runs a preconfigured
// tunnel and reports its known hostname. At most one tunnel runs at a
// time.
type TunnelController struct {
	bin string
	bus *events.Bus

	mu   sync.Mutex
	cmd  *exec.Cmd
	url  string
	done chan struct{}
}

// NewTunnelController creates a controller using the given cloudflared
// binary
func NewTunnelController(bin string, bus *events.Bus) *TunnelController {
	if bin == "" {
		bin = "cloudflared"
	}
	return &TunnelController{bin: bin, bus: bus}
}

// StartQuick launches an ephemeral tunnel to localURL and returns the
// public URL parsed from the child's stderr
func (t *TunnelController) StartQuick(localURL string) (string, error) {
	return t.start(
		[]string{"tunnel", "--url", localURL},
		quickTunnelTimeout,
		func(line string) string { return quickTunnelURLPattern.FindString(line) },
	)
}

// StartNamed runs the preconfigured tunnel name and waits for its first
// registered connection; the public URL is derived from hostname
func (t *TunnelController) StartNamed(name, hostname string) (string, error) {
	publicURL := "https://" + hostname
	return t.start(
		[]string{"tunnel", "run", name},
		namedTunnelTimeout,
		func(line string) string {
			if strings.Contains(line, "Registered tunnel connection") {
				return publicURL
			}
			return ""
		},
	)
}

func (t *TunnelController) start(args []string, timeout time.Duration, match func(string) string) (string, error) {
	t.mu.Lock()
	if t.cmd != nil {
		url := t.url
		t.mu.Unlock()
		return url, nil
	}
	t.mu.Unlock()

	if _, err := exec.LookPath(t.bin); err != nil {
		return "", apperr.New(apperr.TunnelStartFailed, "cloudflared is not installed")
	}

	cmd := exec.Command(t.bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", apperr.Wrap(apperr.TunnelStartFailed, err, "failed to pipe tunnel stderr")
	}
	if err := cmd.Start(); err != nil {
		return "", apperr.Wrap(apperr.TunnelStartFailed, err, "failed to start tunnel")
	}

	urlCh := make(chan string, 1)
	scanner := bufio.NewScanner(stderr)
	recovery.SafeGo("tunnel-stderr", func() {
		found := false
		for scanner.Scan() {
			line := scanner.Text()
			logger.Debugf("cloudflared: %s", line)
			if !found {
				if url := match(line); url != "" {
					found = true
					urlCh <- url
				}
			}
		}
	})

	var url string
	select {
	case url = <-urlCh:
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return "", apperr.New(apperr.TunnelStartFailed, "tunnel did not come up within %s", timeout)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.cmd = cmd
	t.url = url
	t.done = done
	t.mu.Unlock()

	recovery.SafeGo("tunnel-reaper", func() {
		_ = cmd.Wait()
		close(done)

		t.mu.Lock()
		if t.cmd == cmd {
			t.cmd = nil
			t.url = ""
			t.done = nil
		}
		t.mu.Unlock()

		logger.Info("🔒 Tunnel closed")
		t.bus.Publish(events.TunnelClose, map[string]string{"url": url})
	})

	logger.Infof("🌍 Tunnel open at %s", url)
	t.bus.Publish(events.TunnelOpen, map[string]string{"url": url})
	return url, nil
}

// URL returns the current public URL, if a tunnel is running
func (t *TunnelController) URL() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url, t.cmd != nil
}

// Stop terminates the running tunnel, if any
func (t *TunnelController) Stop() error {
	t.mu.Lock()
	cmd := t.cmd
	done := t.done
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(gatewayStopGrace):
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// String describes the controller state for logs
func (t *TunnelController) String() string {
	if url, ok := t.URL(); ok {
		return fmt.Sprintf("tunnel(%s)", url)
	}
	return "tunnel(closed)"
}
