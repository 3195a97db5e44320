package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/roach88/winklet/internal/model"
	"github.com/roach88/winklet/internal/push"
	"github.com/roach88/winklet/internal/query"
)

const (
	writeTimeout = 5 * time.Second
	peerSendBuf  = 256
)

// Server accepts relay clients and fans tailed rows out to them.
type Server struct {
	broker         *push.Broker
	tailer         *Tailer
	originPatterns []string

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	interval       time.Duration
	originPatterns []string
}

// WithTailInterval sets the fallback poll period.
func WithTailInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.interval = d }
}

// WithOriginPatterns sets the browser origins allowed to connect.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(c *serverConfig) { c.originPatterns = patterns }
}

// NewServer creates a relay over src.
func NewServer(src ChangeSource, opts ...ServerOption) *Server {
	var cfg serverConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	broker := push.NewBroker()
	return &Server{
		broker:         broker,
		tailer:         NewTailer(src, broker, cfg.interval),
		originPatterns: cfg.originPatterns,
		peers:          make(map[*peer]struct{}),
	}
}

// Handler serves the websocket endpoint at /ws and a health check at
// /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Run tails the store until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.tailer.Run(ctx)
}

// Prime skips every row already in the store.
func (s *Server) Prime(ctx context.Context) error {
	return s.tailer.Prime(ctx)
}

// Poll publishes rows committed since the last poll.
func (s *Server) Poll(ctx context.Context) (int, error) {
	return s.tailer.Poll(ctx)
}

// Peers returns the number of connected clients.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close disconnects every client and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.cancel()
	}
	s.broker.Close()
}

// HandleWebSocket is the HTTP handler for /ws.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("relay accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	p := newPeer(s, conn)
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	slog.Info("relay peer connected", "remote", r.RemoteAddr)

	p.run()

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	slog.Info("relay peer disconnected", "remote", r.RemoteAddr)
}

// peer is one connected client.
type peer struct {
	srv    *Server
	conn   *websocket.Conn
	send   chan frame
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[uint64]push.Token
}

func newPeer(srv *Server, conn *websocket.Conn) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		srv:    srv,
		conn:   conn,
		send:   make(chan frame, peerSendBuf),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]push.Token),
	}
}

func (p *peer) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.writePump()
	}()
	p.readPump()
	<-done
	p.cleanup()
}

func (p *peer) readPump() {
	defer p.cancel()
	for {
		var f frame
		if err := wsjson.Read(p.ctx, p.conn, &f); err != nil {
			if p.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Debug("relay peer read failed", "error", err)
			}
			return
		}
		p.handle(f)
	}
}

func (p *peer) writePump() {
	defer func() { _ = p.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.send:
			ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
			err := wsjson.Write(ctx, p.conn, f)
			cancel()
			if err != nil {
				p.cancel()
				return
			}
		}
	}
}

// sendFrame queues f. A peer too slow to drain its queue is disconnected:
// it will resubscribe and refetch rather than miss rows silently.
func (p *peer) sendFrame(f frame) {
	select {
	case p.send <- f:
	case <-p.ctx.Done():
	default:
		slog.Warn("relay peer too slow, disconnecting", "queued", len(p.send))
		p.cancel()
	}
}

func (p *peer) handle(f frame) {
	switch f.Type {
	case frameSubscribe:
		p.subscribe(f)
	case frameUnsubscribe:
		p.unsubscribe(f.ID)
	default:
		p.sendFrame(frame{Type: frameError, ID: f.ID, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

func (p *peer) subscribe(f frame) {
	fail := func(format string, args ...any) {
		p.sendFrame(frame{Type: frameError, ID: f.ID, Error: fmt.Sprintf(format, args...)})
	}

	if f.ID == 0 {
		fail("subscription id is required")
		return
	}
	if !knownTable(f.Table) {
		fail("unknown table %q", f.Table)
		return
	}
	filter, err := query.UnmarshalPredicate(f.Filter)
	if err != nil {
		fail("invalid filter: %v", err)
		return
	}

	p.mu.Lock()
	_, dup := p.subs[f.ID]
	p.mu.Unlock()
	if dup {
		fail("subscription %d already exists", f.ID)
		return
	}

	id, table := f.ID, f.Table
	token, err := p.srv.broker.Subscribe(table, filter, push.Sink{
		Insert: func(rec model.Record) { p.deliver(id, table, rec) },
		Drop:   func(error) { p.cancel() },
	})
	if err != nil {
		fail("subscribe: %v", err)
		return
	}

	p.mu.Lock()
	p.subs[id] = token
	p.mu.Unlock()

	slog.Debug("relay subscribe", "id", id, "table", table)
	p.sendFrame(frame{Type: frameSubscribed, ID: id})
}

func (p *peer) unsubscribe(id uint64) {
	p.mu.Lock()
	token, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	if ok {
		p.srv.broker.Unsubscribe(token)
		slog.Debug("relay unsubscribe", "id", id)
	}
}

func (p *peer) deliver(id uint64, table string, rec model.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("relay encode record failed", "table", table, "error", err)
		return
	}
	p.sendFrame(frame{Type: frameInsert, ID: id, Table: table, Record: data})
}

func (p *peer) cleanup() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[uint64]push.Token)
	p.mu.Unlock()

	for _, token := range subs {
		p.srv.broker.Unsubscribe(token)
	}
}
