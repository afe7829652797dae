package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 30 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	redialBackoff = 5 * time.Second
	// Recordings are bounded in size; still, cap a single frame.
	maxFrameBytes = 512 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope frames the control messages; file bytes ride the next binary
// message after a "file" envelope.
type wsEnvelope struct {
	Type string        `json:"type"`
	Meta *FileMetadata `json:"meta,omitempty"`
	Ack  *Ack          `json:"ack,omitempty"`
}

// wsPeer holds the connection state and callbacks shared by both endpoints.
type wsPeer struct {
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	reachable bool

	cbMu    sync.Mutex
	onFile  func(meta FileMetadata, data []byte)
	onAck   func(ack Ack)
	onReach []func(reachable bool)
}

// OnFileReceived implements Channel.
func (p *wsPeer) OnFileReceived(fn func(meta FileMetadata, data []byte)) {
	p.cbMu.Lock()
	p.onFile = fn
	p.cbMu.Unlock()
}

// OnAck implements Channel.
func (p *wsPeer) OnAck(fn func(ack Ack)) {
	p.cbMu.Lock()
	p.onAck = fn
	p.cbMu.Unlock()
}

// OnReachabilityChanged implements Channel.
func (p *wsPeer) OnReachabilityChanged(fn func(reachable bool)) {
	p.cbMu.Lock()
	p.onReach = append(p.onReach, fn)
	p.cbMu.Unlock()
}

// IsReachable implements Channel.
func (p *wsPeer) IsReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable && p.conn != nil
}

// SendFile implements Channel. The envelope and the bytes are written back
// to back under one lock so deliveries never interleave.
func (p *wsPeer) SendFile(meta FileMetadata, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrUnreachable
	}
	env, err := json.Marshal(wsEnvelope{Type: "file", Meta: &meta})
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, env); err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// SendAck implements Channel.
func (p *wsPeer) SendAck(ack Ack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrUnreachable
	}
	env, err := json.Marshal(wsEnvelope{Type: "ack", Ack: &ack})
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, env)
}

func (p *wsPeer) attach(conn *websocket.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.reachable = true
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	p.notifyReachability(true)
}

func (p *wsPeer) detach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.reachable = false
	p.mu.Unlock()
	_ = conn.Close()
	p.notifyReachability(false)
}

func (p *wsPeer) notifyReachability(reachable bool) {
	p.cbMu.Lock()
	fns := append([]func(bool){}, p.onReach...)
	p.cbMu.Unlock()
	for _, fn := range fns {
		fn(reachable)
	}
}

// readLoop pairs each "file" envelope with the binary frame that follows it
// and dispatches acks. Returns when the connection dies.
func (p *wsPeer) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	var pending *FileMetadata
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		switch mt {
		case websocket.TextMessage:
			var env wsEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				p.logger.Warn("bridge frame decode failed", zap.Error(err))
				continue
			}
			switch env.Type {
			case "file":
				pending = env.Meta
			case "ack":
				if env.Ack != nil {
					p.cbMu.Lock()
					fn := p.onAck
					p.cbMu.Unlock()
					if fn != nil {
						fn(*env.Ack)
					}
				}
			}
		case websocket.BinaryMessage:
			if pending == nil {
				p.logger.Warn("bridge binary frame without metadata, dropped")
				continue
			}
			meta := *pending
			pending = nil
			p.cbMu.Lock()
			fn := p.onFile
			p.cbMu.Unlock()
			if fn != nil {
				fn(meta, data)
			}
		}
	}
}

// ServerChannel is the primary-device endpoint of the bridge; the companion
// dials it. The newest companion connection wins.
type ServerChannel struct {
	wsPeer
}

// NewServerChannel creates the agent-side channel.
func NewServerChannel(logger *zap.Logger) *ServerChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerChannel{wsPeer: wsPeer{logger: logger}}
}

// Handler upgrades an incoming companion connection and serves it.
func (s *ServerChannel) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("bridge upgrade failed", zap.Error(err))
			return
		}
		s.logger.Info("companion connected", zap.String("remote", conn.RemoteAddr().String()))
		s.attach(conn)

		stop := make(chan struct{})
		go s.pingLoop(conn, stop)
		s.readLoop(conn)
		close(stop)
		s.detach(conn)
		s.logger.Info("companion disconnected")
	}
}

func (s *ServerChannel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn == conn {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.mu.Unlock()
		}
	}
}

// ClientChannel is the companion-device endpoint: it dials the agent and
// keeps redialing with backoff, flipping reachability as it goes.
type ClientChannel struct {
	wsPeer
	url string
}

// NewClientChannel creates the companion-side channel for the agent's
// bridge URL (ws://host:port/bridge).
func NewClientChannel(url string, logger *zap.Logger) *ClientChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientChannel{wsPeer: wsPeer{logger: logger}, url: url}
}

// Run dials and serves the connection until ctx is done, redialing after
// failures. Reachability callbacks fire on every transition.
func (c *ClientChannel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug("bridge dial failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialBackoff):
				continue
			}
		}
		c.logger.Info("connected to primary", zap.String("url", c.url))
		c.attach(conn)
		c.readLoop(conn)
		c.detach(conn)
		c.logger.Warn("primary connection lost")
	}
}
