// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/Tyrowin/relaychat/internal/logging"
)

// WebSocketHandler upgrades GET requests to WebSocket and hands the new
// connection to the hub. The client then names itself with its first frame.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	log := logging.Ctx(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg)
	if err := s.hub.Serve(client); err != nil {
		log.Warn().Err(err).Msg("rejecting connection")
		client.closeConn()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "relaychat server is running!")
}

// TestPageHandler serves an HTML page that speaks the chat protocol: the first
// line sent is the display name, every later line is a message.
func TestPageHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		log := logging.Ctx(r.Context())
		log.Warn().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>relaychat test</title>
    <style>
        body { font-family: monospace; margin: 20px; background: #111; color: #3f3; }
        #log { border: 1px solid #3f3; height: 320px; padding: 8px; overflow-y: scroll; margin: 10px 0; }
        input { width: 320px; padding: 4px; background: #000; color: #3f3; border: 1px solid #3f3; }
        button { padding: 4px 12px; }
    </style>
</head>
<body>
    <h1>relaychat</h1>
    <div id="status">disconnected</div>
    <div>
        <input type="text" id="line" placeholder="Your name..." disabled>
        <button id="send" onclick="sendLine()" disabled>Join</button>
        <button id="connect" onclick="toggle()">Connect</button>
    </div>
    <div id="log"></div>

    <script>
        let ws = null;
        let named = false;
        const log = document.getElementById('log');
        const line = document.getElementById('line');
        const send = document.getElementById('send');
        const connectBtn = document.getElementById('connect');
        const status = document.getElementById('status');

        function append(text) {
            const el = document.createElement('div');
            el.textContent = text;
            log.appendChild(el);
            log.scrollTop = log.scrollHeight;
        }

        function setConnected(on) {
            status.textContent = on ? 'connected' : 'disconnected';
            line.disabled = !on;
            send.disabled = !on;
            connectBtn.textContent = on ? 'Disconnect' : 'Connect';
            if (!on) {
                named = false;
                line.placeholder = 'Your name...';
                send.textContent = 'Join';
            }
        }

        function toggle() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => setConnected(true);
            ws.onmessage = (event) => append(event.data);
            ws.onclose = () => { append('-- connection closed --'); setConnected(false); ws = null; };
        }

        function sendLine() {
            const text = line.value.trim();
            if (!text || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            ws.send(text);
            line.value = '';
            if (!named) {
                named = true;
                line.placeholder = 'Type a message...';
                send.textContent = 'Send';
            }
        }

        line.addEventListener('keypress', (e) => { if (e.key === 'Enter') sendLine(); });
    </script>
</body>
</html>`
