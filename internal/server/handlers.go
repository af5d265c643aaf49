package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/identity"
)

func (s *Server) rejectHandshake(w http.ResponseWriter, r *http.Request, reason string, status int) {
	s.metrics.RejectedHandshakes.WithLabelValues(reason).Inc()
	s.log.Info("websocket handshake rejected",
		zap.String("reason", reason), zap.String("remote", r.RemoteAddr))
	writeJSON(w, status, map[string]string{"message": http.StatusText(status)}, s.log)
}

// WebSocketHandler authenticates the request, upgrades it and hands the
// connection to the hub. Nothing is registered unless the credential is
// valid.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !s.origins.check(r) {
		s.rejectHandshake(w, r, "origin", http.StatusForbidden)
		return
	}
	credential, err := identity.CredentialFromRequest(r, s.cfg.Auth.CookieName)
	if err != nil {
		s.rejectHandshake(w, r, "missing_credential", http.StatusUnauthorized)
		return
	}
	id, err := s.deps.Verifier.Verify(r.Context(), credential)
	if err != nil {
		s.rejectHandshake(w, r, "invalid_credential", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, uuid.NewString(), id, r.RemoteAddr)
	if err := s.hub.registerClient(client); err != nil {
		s.log.Warn("websocket registration refused", zap.Error(err))
		client.closeConnection()
	}
}

// HealthHandler reports liveness as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Orbit server is running!")
}

type healthReport struct {
	Status      string `json:"status"`
	Node        string `json:"node,omitempty"`
	Fanout      string `json:"fanout"`
	Connections int    `json:"connections"`
}

// HealthzHandler reports the state of this instance as JSON.
func (s *Server) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	rep := healthReport{
		Status:      "ok",
		Fanout:      "local",
		Connections: s.deps.Connections.Count(),
	}
	if s.deps.Bus != nil {
		rep.Node = s.deps.Bus.NodeID()
		if s.deps.Bus.Degraded() {
			rep.Fanout = "degraded"
		} else {
			rep.Fanout = "connected"
		}
	}
	writeJSON(w, http.StatusOK, rep, s.log)
}

// TestPageHandler serves a page for exercising the WebSocket endpoint by hand.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.log.Warn("write test page failed", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Orbit Realtime Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events { border: 1px solid #ccc; height: 320px; padding: 10px; overflow-y: scroll; margin: 10px 0; background: #f9f9f9; font-family: monospace; }
        input[type="text"] { width: 280px; padding: 5px; margin-right: 6px; }
        select, button { padding: 5px 12px; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Orbit Realtime Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="token" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 8px">
        <select id="event">
            <option>presence:join</option>
            <option>presence:leave</option>
            <option>channel:join</option>
            <option>channel:leave</option>
            <option>dm:join</option>
            <option>dm:leave</option>
            <option>typing:start</option>
            <option>typing:stop</option>
        </select>
        <input type="text" id="roomId" placeholder="team, channel or dm id" disabled>
        <button id="sendButton" onclick="sendEvent()" disabled>Send</button>
    </div>
    <div id="events"></div>
    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const fields = {
            'presence:join': 'teamId', 'presence:leave': 'teamId',
            'channel:join': 'channelId', 'channel:leave': 'channelId',
            'dm:join': 'dmId', 'dm:leave': 'dmId',
            'typing:start': 'channelId', 'typing:stop': 'channelId'
        };

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            const status = document.getElementById('status');
            status.textContent = connected ? 'Connected' : 'Disconnected';
            status.className = 'status ' + (connected ? 'connected' : 'disconnected');
            document.getElementById('roomId').disabled = !connected;
            document.getElementById('sendButton').disabled = !connected;
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('token').value.trim());
            ws = new WebSocket(proto + location.host + '/ws?token=' + token);
            ws.onopen = function() { log('connected'); updateStatus(true); };
            ws.onmessage = function(event) { event.data.split('\n').forEach(log); };
            ws.onclose = function() { log('connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { log('connection error'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendEvent() {
            const event = document.getElementById('event').value;
            const id = document.getElementById('roomId').value.trim();
            if (!id || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const data = {};
            data[fields[event]] = id;
            const frame = JSON.stringify({ event: event, data: data });
            ws.send(frame);
            log('> ' + frame);
        }
    </script>
</body>
</html>`
