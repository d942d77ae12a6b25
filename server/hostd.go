package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// HostdName is the registry name of the built-in server.
const HostdName = "hostd"

func init() {
	Register(HostdName, NewHostdFromParams)
}

// HostdParams are the serverParams understood by hostd.
type HostdParams struct {
	// IdleTimeout stops the server when no heartbeat arrives for this long, e.g. "30m". Empty disables it.
	IdleTimeout string `json:"idleTimeout"`
}

// Hostd is a small mTLS HTTP server.
// It answers heartbeats and tunnels TCP connections over WebSockets, so a client holding the credential artifact can reach services on the server's host.
type Hostd struct {
	logger *zap.SugaredLogger

	idleTimeout   time.Duration
	checkInterval time.Duration

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type HostdOption func(h *Hostd)

func WithIdleTimeout(d time.Duration) HostdOption {
	return func(h *Hostd) {
		h.idleTimeout = d
	}
}

func WithIdleCheckInterval(d time.Duration) HostdOption {
	return func(h *Hostd) {
		h.checkInterval = d
	}
}

func NewHostd(log *zap.SugaredLogger, opts ...HostdOption) *Hostd {
	h := &Hostd{
		logger:        log,
		checkInterval: time.Second,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func NewHostdFromParams(log *zap.SugaredLogger, params json.RawMessage) (Server, error) {
	var p HostdParams
	if len(params) > 0 && string(params) != "null" {
		err := json.Unmarshal(params, &p)
		if err != nil {
			return nil, fmt.Errorf("parsing hostd params: %w", err)
		}
	}
	var opts []HostdOption
	if p.IdleTimeout != "" {
		d, err := time.ParseDuration(p.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("parsing idle timeout: %w", err)
		}
		opts = append(opts, WithIdleTimeout(d))
	}
	return NewHostd(log, opts...), nil
}

// Handler returns the HTTP routes.
func (h *Hostd) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", h.heartbeat)
	router.GET("/connect/:network/:addr", h.connect)
	return router
}

func (h *Hostd) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.heartbeatMut.Lock()
	h.lastHeartbeat = time.Now()
	h.heartbeatMut.Unlock()

	server := &http.Server{Handler: h.Handler()}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if h.idleTimeout > 0 {
		go h.watchIdle(ctx, cancel)
	}

	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		h.logger.Info("server stopped")
		return nil
	}
	return err
}

// watchIdle cancels the server once no heartbeat has arrived within the idle timeout.
func (h *Hostd) watchIdle(ctx context.Context, stop func()) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.heartbeatMut.Lock()
		lastHeartbeat := h.lastHeartbeat
		h.heartbeatMut.Unlock()

		if lastHeartbeat.Add(h.idleTimeout).Before(time.Now()) {
			h.logger.Infow("no heartbeat within idle timeout, stopping", "IdleTimeout", h.idleTimeout)
			stop()
			return
		}
	}
}

// HeartbeatResponse is the body of GET /heartbeat.
type HeartbeatResponse struct {
	LastHeartbeat string
}

func (h *Hostd) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	h.heartbeatMut.Lock()
	lastHeartbeat := h.lastHeartbeat
	h.lastHeartbeat = time.Now()
	h.heartbeatMut.Unlock()
	response := HeartbeatResponse{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		h.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// connect proxies traffic to a destination through the server, via a WebSocket connection
func (h *Hostd) connect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	network := params.ByName("network")
	addr := params.ByName("addr")

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.logger.Debugf("connect WebSocket accept error: %s", err)
		return
	}
	remoteConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)

	localConn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		h.logger.Debugf("connect dial error: %s", err)
		wsConn.Close(websocket.StatusInternalError, "dial failed")
		return
	}

	go func() {
		defer remoteConn.Close()
		defer localConn.Close()
		_, err := io.Copy(localConn, remoteConn)
		if err != nil {
			h.logger.Debugf("connect copy to local error: %s", err)
		}
	}()
	_, err = io.Copy(remoteConn, localConn)
	if err != nil {
		h.logger.Debugf("connect copy to remote error: %s", err)
	}
}
