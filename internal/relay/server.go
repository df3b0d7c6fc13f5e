// Package relay implements the WebSocket hub that federates worker
// processes, client apps, and read-only viewers. Every connection
// authenticates as one device type, receives a 7-bit device identity, and
// exchanges JSON frames that the hub routes by address, broadcast group, or
// the sender's type default.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

// Server is the relay hub.
type Server struct {
	env      ids.Env
	host     string
	port     int
	verifier TokenVerifier
	logger   *slog.Logger

	upgrader websocket.Upgrader
	indexes  indexAllocator

	cfgMu    sync.RWMutex
	relayCfg config.RelayConfig

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds a hub for the config's environment. Auth-relevant
// sections of the config (pylon ACLs, OAuth allow-list, viewer allow-list)
// can be swapped later via ApplyConfig.
func NewServer(cfg *config.Config) (*Server, error) {
	env, err := ids.ParseEnv(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("relay env: %w", err)
	}
	s := &Server{
		env:      env,
		host:     cfg.Relay.Host,
		port:     cfg.Relay.Port,
		logger:   slog.Default(),
		relayCfg: cfg.Relay,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Native apps and workers send no Origin header; browsers hit the
		// viewer path which carries no ambient credentials.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s, nil
}

// SetLogger replaces the structured logger.
func (s *Server) SetLogger(l *slog.Logger) { s.logger = l }

// SetVerifier installs the Google ID-token verifier for app auth. Without
// one, apps are admitted without a token.
func (s *Server) SetVerifier(v TokenVerifier) { s.verifier = v }

// ApplyConfig swaps the hot-reloadable relay section. Connections already
// authenticated keep their identity; new auths see the fresh rules.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.relayCfg = cfg.Relay
	s.cfgMu.Unlock()
	s.logger.Info("relay config applied", "pylons", len(cfg.Relay.Pylons))
}

func (s *Server) relayConfig() config.RelayConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.relayCfg
}

// BuildMux creates and caches the HTTP mux. Call before Start when the mux
// is needed for additional listeners (e.g. tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("relay starting", "addr", addr, "env", s.env.String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		// Shutdown does not touch hijacked connections; close them so read
		// pumps exit.
		s.closeAllClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the actual
// address and a start function. Used for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeAllClients()
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	client := newClient(conn, s, ip)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.send(protocol.Frame{Type: protocol.TypeConnected})
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","env":%q}`, s.env.String())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.logger.Info("relay client connected", "conn", c.id, "ip", c.remoteIP)
}

// unregisterClient removes the connection and fans out the departure:
// device_status goes to everyone, client_disconnect only to pylons, and
// only for non-pylon departures so viewers never learn who else watches.
func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	dev, ok := c.identity()
	s.logger.Info("relay client disconnected", "conn", c.id, "authenticated", ok)
	if !ok {
		return
	}

	if dev.DeviceType != protocol.DevicePylon {
		s.indexes.release(dev.DeviceIndex)
	}

	s.broadcastDeviceStatus()

	if dev.DeviceType != protocol.DevicePylon {
		gone := protocol.NewFrame(protocol.TypeClientDisconnect, protocol.ClientDisconnect{
			DeviceIndex: dev.DeviceIndex,
			DeviceType:  dev.DeviceType,
		})
		for _, p := range s.clientsOfType(protocol.DevicePylon) {
			p.send(gone)
		}
	}
}

// roster snapshots the authenticated fleet, ordered by deviceId.
func (s *Server) roster() []protocol.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]protocol.Device, 0, len(s.clients))
	for _, c := range s.clients {
		if dev, ok := c.identity(); ok {
			devices = append(devices, dev)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}

func (s *Server) broadcastDeviceStatus() {
	frame := protocol.NewFrame(protocol.TypeDeviceStatus, protocol.DeviceRoster{Devices: s.roster()})
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.authenticated() {
			c.send(frame)
		}
	}
}

func (s *Server) clientsOfType(deviceType string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Client
	for _, c := range s.clients {
		if dev, ok := c.identity(); ok && dev.DeviceType == deviceType {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) closeAllClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.closeGoingAway()
	}
}

// route forwards one frame from an authenticated sender. The sender's
// identity always overwrites from; a spoofed value never survives the hop.
func (s *Server) route(sender *Client, frame protocol.Frame) {
	dev, ok := sender.identity()
	if !ok {
		return
	}

	if dev.DeviceType == protocol.DeviceViewer && !s.viewerAllowed(frame.Type) {
		s.logger.Debug("relay dropped viewer frame", "type", frame.Type)
		return
	}

	frame.From = &dev

	for _, target := range s.selectTargets(dev, frame) {
		target.send(frame)
	}
}

// selectTargets applies the routing rules in priority order: explicit to,
// then broadcast group, then the sender's type default (pylon→apps,
// app→pylons, viewer→pylons).
func (s *Server) selectTargets(sender protocol.Device, frame protocol.Frame) []*Client {
	if frame.To != 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []*Client
		for _, c := range s.clients {
			if dev, ok := c.identity(); ok && dev.DeviceID == frame.To {
				out = append(out, c)
			}
		}
		return out
	}

	if frame.Broadcast == protocol.DeviceApp || frame.Broadcast == protocol.DevicePylon {
		return s.clientsOfType(frame.Broadcast)
	}

	switch sender.DeviceType {
	case protocol.DevicePylon:
		return s.clientsOfType(protocol.DeviceApp)
	default:
		return s.clientsOfType(protocol.DevicePylon)
	}
}

// viewerAllowed checks the read-path allow-list. An unset list admits only
// share_history.
func (s *Server) viewerAllowed(frameType string) bool {
	allowed := s.relayConfig().ViewerAllowedTypes
	if len(allowed) == 0 {
		return frameType == protocol.TypeShareHistory
	}
	for _, t := range allowed {
		if t == frameType {
			return true
		}
	}
	return false
}
