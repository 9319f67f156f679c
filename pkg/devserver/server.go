// Package devserver is a local message server speaking the client's wire
// protocol. It answers liveness frames, stores socket uploads in memory and
// relays every other envelope to the other connected peers.
package devserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cskr/pubsub"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

const (
	relayTopic = "relay"

	defaultSendBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
	defaultMaxUpload    = 8 << 20
)

var errShuttingDown = errors.New("server is shutting down")

type serverConfig struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	sendBuffer    int
	writeTimeout  time.Duration
	pingInterval  time.Duration
	maxUpload     int
	publicURL     string
}

// Server holds the connected peers and the uploaded files.
type Server struct {
	id     string
	config serverConfig
	bus    *pubsub.PubSub

	mu       sync.RWMutex
	peers    map[string]*peer
	closed   bool
	accepted int
	cluster  *cluster

	filesMu sync.RWMutex
	files   map[string]storedFile

	mainCtx    context.Context
	mainCancel context.CancelFunc
	wg         sync.WaitGroup
}

type storedFile struct {
	data        []byte
	contentType string
}

// relayed is what travels on the bus.
type relayed struct {
	from   string
	to     string // user id, empty for everyone
	frame  []byte
	remote bool // arrived from another server in the cluster
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *Server) {
		s.config.acceptOptions = opts
	}
}

// WithPingInterval makes the server send PING frames. interval <= 0 disables them.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.config.pingInterval = interval
	}
}

// WithMaxUpload bounds the decoded size of a socket upload.
func WithMaxUpload(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.config.maxUpload = n
		}
	}
}

// WithPublicURL sets the base used in upload URLs, e.g. "http://localhost:8562".
// By default the Host header of the upgrade request is used.
func WithPublicURL(base string) Option {
	return func(s *Server) {
		s.config.publicURL = strings.TrimRight(base, "/")
	}
}

// New creates a server. Mount Handler on an HTTP server to use it.
func New(opts ...Option) *Server {
	s := &Server{
		id: envelope.GenerateID(),
		config: serverConfig{
			logger:       slog.Default(),
			sendBuffer:   defaultSendBuffer,
			writeTimeout: defaultWriteTimeout,
			maxUpload:    defaultMaxUpload,
		},
		peers: make(map[string]*peer),
		files: make(map[string]storedFile),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bus = pubsub.New(s.config.sendBuffer)
	s.mainCtx, s.mainCancel = context.WithCancel(context.Background())
	return s
}

// Handler serves the socket on / and /ws, uploaded files on /files/ and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	upgrade := s.UpgradeHandler()
	mux.Handle("/", upgrade)
	mux.Handle("/ws", upgrade)
	mux.HandleFunc("/files/", s.serveFile)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })
	return mux
}

// UpgradeHandler accepts WebSocket connections. A user_id query parameter
// names the peer for targeted chat messages.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			http.Error(w, errShuttingDown.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, s.config.acceptOptions)
		if err != nil {
			s.config.logger.Info("Failed to accept websocket connection", "error", err)
			return
		}
		// base64 inflates by a third; leave room for the envelope around it.
		conn.SetReadLimit(int64(s.config.maxUpload)*4/3 + 4096)

		base := s.config.publicURL
		if base == "" {
			base = "http://" + r.Host
		}
		ctx, cancel := context.WithCancel(s.mainCtx)
		p := &peer{
			id:      envelope.GenerateID(),
			user:    r.URL.Query().Get("user_id"),
			conn:    conn,
			srv:     s,
			send:    make(chan []byte, s.config.sendBuffer),
			ctx:     ctx,
			cancel:  cancel,
			fileURL: base + "/files/",
		}
		p.logger = s.config.logger.With("peer_id", p.id[:8], "user_id", p.user)
		if err := s.addPeer(p); err != nil {
			cancel()
			conn.Close(websocket.StatusGoingAway, err.Error())
			return
		}
		p.logger.Info("Peer connected", "remote", r.RemoteAddr)

		go p.writePump()
		go p.relayPump()
		go p.readPump()
		if s.config.pingInterval > 0 {
			go p.pingLoop(s.config.pingInterval)
		}
	}
}

func (s *Server) addPeer(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errShuttingDown
	}
	p.relay = s.bus.Sub(relayTopic)
	s.peers[p.id] = p
	s.accepted++
	// Added under mu so Shutdown never waits on a group that is still growing.
	if s.config.pingInterval > 0 {
		s.wg.Add(4)
	} else {
		s.wg.Add(3)
	}
	return nil
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p.id]; !ok {
		return
	}
	delete(s.peers, p.id)
	if !s.closed {
		// relayPump keeps draining until Unsub closes the channel.
		s.bus.Unsub(p.relay, relayTopic)
	}
}

func (s *Server) publish(msg relayed) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.bus.Pub(msg, relayTopic)
	s.forwardLocked(msg)
}

// Broadcast sends env to every connected peer.
func (s *Server) Broadcast(env *envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	s.publish(relayed{frame: frame})
	return nil
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Accepted returns how many connections were accepted since start.
func (s *Server) Accepted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted
}

// DisconnectAll drops every peer without a close handshake.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.conn.CloseNow()
	}
}

func (s *Server) storeFile(data []byte, kind string) string {
	id := envelope.GenerateID()
	s.filesMu.Lock()
	s.files[id] = storedFile{data: data, contentType: contentTypeFor(kind, data)}
	s.filesMu.Unlock()
	return id
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/files/")
	s.filesMu.RLock()
	f, ok := s.files[id]
	s.filesMu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", f.contentType)
	w.Write(f.data)
}

func contentTypeFor(kind string, data []byte) string {
	detected := http.DetectContentType(data)
	if kind == "image" && !strings.HasPrefix(detected, "image/") {
		return "application/octet-stream"
	}
	return detected
}

// Shutdown closes every peer with StatusGoingAway and waits for their
// goroutines, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.bus.Shutdown()
	c := s.cluster
	s.mu.Unlock()

	if c != nil {
		if err := c.close(); err != nil {
			s.config.logger.Warn("Failed to drain cluster connection", "error", err)
		}
	}

	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mainCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.config.logger.Info("Dev server shut down", "peers", len(peers))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeUpload(env *envelope.Envelope, max int) (envelope.UploadRequest, []byte, error) {
	var req envelope.UploadRequest
	if err := env.DecodeData(&req); err != nil {
		return req, nil, fmt.Errorf("invalid upload body: %w", err)
	}
	if req.RequestID == "" {
		return req, nil, errors.New("upload without requestId")
	}
	data, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		return req, nil, fmt.Errorf("file is not base64: %w", err)
	}
	if len(data) > max {
		return req, nil, errTooLarge
	}
	return req, data, nil
}

var errTooLarge = errors.New("file too large")
