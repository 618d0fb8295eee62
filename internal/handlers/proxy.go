package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	gorillaws "github.com/gorilla/websocket"

	"github.com/ccmux/ccmux/internal/logger"
	"github.com/ccmux/ccmux/internal/models"
	"github.com/ccmux/ccmux/internal/recovery"
)

// SessionLookup is the proxy's read-only view of the orchestrator
type SessionLookup interface {
	Get(ctx context.Context, sid string) (*models.Session, error)
}

// hop-by-hop headers belong to each connection, not the forwarded
// request or response (RFC 9110 §7.6.1)
var hopByHopRequestHeaders = map[string]bool{
	"host": true, "connection": true, "content-length": true,
	"keep-alive": true, "te": true, "trailer": true,
	"proxy-authorization": true, "proxy-connection": true,
}

var hopByHopResponseHeaders = map[string]bool{
	"connection": true, "transfer-encoding": true,
	"keep-alive": true, "trailer": true,
}

// ProxyHandler forwards /t/<sid>/... to the session's gateway on
// 127.0.0.1:<gatewayPort>, both plain HTTP and WebSocket upgrades. It
// never transforms the payload.
type ProxyHandler struct {
	sessions SessionLookup
	client   *http.Client
}

// NewProxyHandler creates a proxy over the given session lookup
func NewProxyHandler(sessions SessionLookup) *ProxyHandler {
	return &ProxyHandler{
		sessions: sessions,
		client:   &http.Client{},
	}
}

// Handle is mounted at /t/:sid/* and dispatches between plain forwarding
// and the WebSocket upgrade path
func (h *ProxyHandler) Handle(c *fiber.Ctx) error {
	sid := c.Params("sid")

	session, err := h.sessions.Get(c.Context(), sid)
	if err != nil || session.GatewayPort == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": fmt.Sprintf("no running session %s", sid),
		})
	}
	port := *session.GatewayPort

	rest := c.Params("*")
	path := "/" + rest

	if fiberws.IsWebSocketUpgrade(c) {
		return h.proxyWebSocket(c, sid, port, path)
	}
	return h.proxyHTTP(c, port, path)
}

// proxyHTTP forwards one plain request and mirrors the upstream response
func (h *ProxyHandler) proxyHTTP(c *fiber.Ctx, port int, path string) error {
	targetURL := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	if qs := c.Request().URI().QueryString(); len(qs) > 0 {
		targetURL += "?" + string(qs)
	}

	req, err := http.NewRequestWithContext(c.Context(), c.Method(), targetURL, bytes.NewReader(c.Body()))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to build proxy request",
		})
	}

	c.Request().Header.VisitAll(func(key, value []byte) {
		keyStr := string(key)
		if hopByHopRequestHeaders[strings.ToLower(keyStr)] {
			return
		}
		req.Header.Add(keyStr, string(value))
	})
	req.Host = fmt.Sprintf("127.0.0.1:%d", port)

	resp, err := h.client.Do(req)
	if err != nil {
		logger.Debugf("❌ Proxy request to %s failed: %v", targetURL, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "failed to connect to session gateway",
		})
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	for name, values := range resp.Header {
		if hopByHopResponseHeaders[strings.ToLower(name)] {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(name, value)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read gateway response",
		})
	}
	return c.Send(body)
}

// proxyWebSocket dials the upstream first so a failed handshake can
// still surface as 502, then upgrades the client and pumps frames both
// ways until either side closes
func (h *ProxyHandler) proxyWebSocket(c *fiber.Ctx, sid string, port int, path string) error {
	targetURL := fmt.Sprintf("ws://127.0.0.1:%d%s", port, path)
	if qs := c.Request().URI().QueryString(); len(qs) > 0 {
		targetURL += "?" + string(qs)
	}

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		keyStr := string(key)
		// The dialer owns the handshake headers
		switch keyStr {
		case "Host", "Connection", "Upgrade",
			"Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions":
			return
		}
		if keyStr == "Sec-Websocket-Protocol" {
			header.Add("Sec-WebSocket-Protocol", string(value))
			return
		}
		header.Add(keyStr, string(value))
	})

	upstream, resp, err := gorillaws.DefaultDialer.Dial(targetURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		logger.Debugf("❌ WebSocket dial to %s failed: %v", targetURL, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "failed to connect to session gateway",
		})
	}

	handler := fiberws.New(func(client *fiberws.Conn) {
		defer upstream.Close()
		defer client.Close()

		done := make(chan struct{}, 2)

		recovery.SafeGo(fmt.Sprintf("ws-proxy-down-%s", sid), func() {
			pumpFrames(upstream, client.Conn)
			done <- struct{}{}
		})
		recovery.SafeGo(fmt.Sprintf("ws-proxy-up-%s", sid), func() {
			pumpFrames(client.Conn, upstream)
			done <- struct{}{}
		})

		<-done
	}, fiberws.Config{
		Subprotocols: strings.Split(c.Get("Sec-Websocket-Protocol"), ","),
	})

	// A failed client upgrade means the closure above never runs; the
	// dialed upstream must not outlive it
	if err := handler(c); err != nil {
		upstream.Close()
		return err
	}
	return nil
}

// wsConn is the frame surface shared by the client-side (fasthttp) and
// upstream (gorilla) connections
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// pumpFrames copies messages from src to dst until either side closes
func pumpFrames(src, dst wsConn) {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteMessage(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
			return
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}
