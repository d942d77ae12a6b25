package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/guseggert/mtlsboot/artifact"
	"github.com/guseggert/mtlsboot/certs"
	"github.com/guseggert/mtlsboot/server"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client talks to a launched hostd server using the credentials from its artifact.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	dialHost                 string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration
}

type Option func(c *Client)

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithDialHost connects to host instead of the artifact's hostname. The hostname is still used to verify the server certificate.
func WithDialHost(host string) Option {
	return func(c *Client) {
		c.dialHost = host
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Load reads the artifact at path and builds a client from it.
func Load(log *zap.SugaredLogger, path string, opts ...Option) (*Client, error) {
	a, err := artifact.Read(path)
	if err != nil {
		return nil, err
	}
	return New(log, a, opts...)
}

func New(log *zap.SugaredLogger, a *artifact.Artifact, opts ...Option) (*Client, error) {
	tlsConfig, err := certs.ClientTLSConfig([]byte(a.CA), []byte(a.Cert), []byte(a.Key), a.Hostname)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	hostPort := net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	c := &Client{
		Logger:       log.Named("client"),
		baseURL:      "https://" + hostPort,
		dialHost:     a.Hostname,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dialAddr := net.JoinHostPort(c.dialHost, strconv.Itoa(a.Port))
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", dialAddr)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// SendHeartbeat checks that the server answers and resets its idle timer.
func (c *Client) SendHeartbeat(ctx context.Context) (*server.HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	var hb server.HeartbeatResponse
	err = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&hb)
	if err != nil {
		return nil, fmt.Errorf("decoding heartbeat response: %w", err)
	}
	return &hb, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// DialContext establishes a connection to addr from the server's host, tunneled through a WebSocket connection.
func (c *Client) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	u := c.baseURL + fmt.Sprintf("/connect/%s/%s", network, addr)

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}
