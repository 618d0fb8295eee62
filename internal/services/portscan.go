package services

import (
	"bufio"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/ccmux/ccmux/internal/logger"
)

// ListeningPort is one TCP listener found by a scan
type ListeningPort struct {
	Port int    `json:"port"`
	Addr string `json:"addr"`
}

// PortScanner enumerates listening TCP ports on demand, for the
// ports:scan command. On Linux it reads /proc/net/tcp directly; other
// platforms fall back to lsof.
type PortScanner struct {
	ownPort int
}

// NewPortScanner creates a scanner that filters out the orchestrator's
// own listen port
func NewPortScanner(ownPort int) *PortScanner {
	return &PortScanner{ownPort: ownPort}
}

// Scan returns the listening ports sorted ascending, excluding system
// ports (< 1024) and our own
func (p *PortScanner) Scan() []ListeningPort {
	ports := p.parseProcNet("/proc/net/tcp")
	ports = append(ports, p.parseProcNet("/proc/net/tcp6")...)
	if ports == nil {
		ports = p.parseLsof()
	}

	seen := make(map[int]bool)
	var result []ListeningPort
	for _, lp := range ports {
		if lp.Port < 1024 || lp.Port == p.ownPort || seen[lp.Port] {
			continue
		}
		seen[lp.Port] = true
		result = append(result, lp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Port < result[j].Port })
	return result
}

// parseProcNet extracts listeners (state 0A = TCP_LISTEN) from one
// /proc/net table
func (p *PortScanner) parseProcNet(path string) []ListeningPort {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var ports []ListeningPort
	scanner := bufio.NewScanner(file)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		// local address is "IP:PORT" in hex
		parts := strings.Split(fields[1], ":")
		if len(parts) != 2 {
			continue
		}
		port, err := strconv.ParseInt(parts[1], 16, 32)
		if err != nil {
			continue
		}

		if fields[3] == "0A" {
			ports = append(ports, ListeningPort{Port: int(port), Addr: parts[0]})
		}
	}
	return ports
}

// parseLsof is the non-Linux fallback
func (p *PortScanner) parseLsof() []ListeningPort {
	out, err := exec.Command("lsof", "-iTCP", "-sTCP:LISTEN", "-P", "-n").Output()
	if err != nil {
		logger.Debugf("lsof port scan failed: %v", err)
		return nil
	}

	var ports []ListeningPort
	for _, line := range strings.Split(string(out), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		// NAME column: host:port
		addr := fields[8]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err != nil {
			continue
		}
		ports = append(ports, ListeningPort{Port: port, Addr: addr[:idx]})
	}
	return ports
}
