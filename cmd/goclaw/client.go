package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/core/internal/gateway"
)

// gatewayFrame mirrors the Gateway Router's wire frame just enough for a
// thin CLI collaborator to drive a request/response exchange. It is not the
// Router's own (unexported) frame type: the CLI is an operator client like
// any other, speaking the same JSON wire protocol over the loopback
// connection rather than reaching into the core's internals.
type gatewayFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// dialLoopback opens a handshaken Gateway Router connection on 127.0.0.1.
// Run from the same host as the gateway, this qualifies for the local
// bypass auth mode: no token or password is required.
func dialLoopback(port int) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", port), Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	// The server's first frame is a "challenge" event; the local bypass
	// mode doesn't need its nonce, so it's simply drained here.
	var challenge gatewayFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}

	handshake := struct {
		MinProtocol int `json:"minProtocol"`
		MaxProtocol int `json:"maxProtocol"`
		Client      struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			Version     string `json:"version"`
			Platform    string `json:"platform"`
		} `json:"client"`
	}{MinProtocol: gateway.ProtocolVersion, MaxProtocol: gateway.ProtocolVersion}
	handshake.Client.ID = "goclaw-cli"
	handshake.Client.DisplayName = "goclaw CLI"
	handshake.Client.Version = version
	handshake.Client.Platform = "cli"

	if err := conn.WriteJSON(gatewayFrame{Type: "req", ID: "handshake", Params: mustJSON(handshake)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	var hello gatewayFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if !hello.OK {
		conn.Close()
		if hello.Error != nil {
			return nil, fmt.Errorf("handshake rejected: %s: %s", hello.Error.Code, hello.Error.Message)
		}
		return nil, fmt.Errorf("handshake rejected")
	}

	return conn, nil
}

// callMethod sends a req frame for method with params and waits for its
// matching response, skipping any interleaved event frames (such as the
// 30s keepalive tick).
func callMethod(conn *websocket.Conn, id, method string, params any) (json.RawMessage, error) {
	if err := conn.WriteJSON(gatewayFrame{Type: "req", ID: id, Method: method, Params: mustJSON(params)}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		var f gatewayFrame
		if err := conn.ReadJSON(&f); err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, err)
		}
		if f.Type == "event" {
			continue
		}
		if f.ID != id {
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return nil, fmt.Errorf("%s: %s: %s", method, f.Error.Code, f.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return f.Payload, nil
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
