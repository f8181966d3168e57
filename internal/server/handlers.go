// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, static assets, and the built-in test page.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type handlers struct {
	relay    *Relay
	upgrader websocket.Upgrader
	files    http.Handler
	log      zerolog.Logger
}

func newHandlers(relay *Relay, cfg Config, log zerolog.Logger) *handlers {
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &handlers{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		files: http.FileServer(http.Dir(cfg.StaticDir)),
		log:   log,
	}
}

// webSocket upgrades the request and hands the connection to the relay. It
// blocks for the lifetime of the connection.
func (h *handlers) webSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("WebSocket upgrade failed")
		return
	}

	h.relay.Serve(conn, c.ClientIP())
}

// health responds with a plain text message indicating the server is running.
func (h *handlers) health(c *gin.Context) {
	c.String(http.StatusOK, "Chat relay is running!")
}

// static serves the front-end bundle, falling back to index.html for
// directories.
func (h *handlers) static(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
	h.files.ServeHTTP(c.Writer, c.Request)
}

// testPage serves an HTML page for logging in and exchanging public and
// private messages without the front-end bundle.
func (h *handlers) testPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html", []byte(testPageHTML))
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #roster { color: #555; margin: 10px 0; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>

    <div>
        <input type="text" id="userId" placeholder="id">
        <input type="text" id="userName" placeholder="name">
        <button id="connectButton" onclick="toggleConnection()">Log in</button>
    </div>
    <div id="roster">Offline</div>
    <div>
        <input type="text" id="recipient" placeholder="recipient id (blank for everyone)" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const rosterDiv = document.getElementById('roster');
        const messageInput = document.getElementById('messageInput');
        const recipientInput = document.getElementById('recipient');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function setOnline(online) {
            messageInput.disabled = !online;
            recipientInput.disabled = !online;
            sendButton.disabled = !online;
            connectButton.textContent = online ? 'Log out' : 'Log in';
            if (!online) rosterDiv.textContent = 'Offline';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                const target = {
                    id: document.getElementById('userId').value,
                    name: document.getElementById('userName').value
                };
                ws.send(JSON.stringify({type: 'login', msg: '', target: target}));
                setOnline(true);
            };
            ws.onmessage = function(event) {
                const data = JSON.parse(event.data);
                if (data.list) {
                    rosterDiv.textContent = 'Online: ' + data.list.map(u => u.name).join(', ');
                }
                const from = data.target ? data.target.name + ': ' : '';
                const colors = {public: 'green', private: 'purple', error: 'red'};
                addMessage('[' + data.type + '] ' + from + data.msg, colors[data.type]);
            };
            ws.onclose = function() {
                addMessage('Connection closed');
                setOnline(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const msg = messageInput.value.trim();
            if (!msg || !ws || ws.readyState !== WebSocket.OPEN) return;
            const to = recipientInput.value.trim();
            if (to) {
                ws.send(JSON.stringify({type: 'private', msg: msg, target: {id: to, name: ''}}));
                addMessage('[private] you -> ' + to + ': ' + msg, 'blue');
            } else {
                ws.send(JSON.stringify({type: 'public', msg: msg, target: null}));
            }
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') sendMessage();
        });
    </script>
</body>
</html>`
