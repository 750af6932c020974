// Package httpapi is the control.Plane client for the supervisor's HTTP
// API, reachable over TCP or a Unix socket.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/mbrock/botfleet/internal/control"
	"github.com/mbrock/botfleet/internal/fleet"
	"github.com/mbrock/botfleet/internal/logview"
	"github.com/mbrock/botfleet/internal/worker"
)

// ErrorBody is the JSON document the server sends with a failed request.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Client talks to a botfleet HTTP server.
type Client struct {
	base       url.URL
	socket     string
	httpClient *http.Client
}

var _ control.Plane = (*Client)(nil)

// Dial returns a client for addr: an absolute path is a Unix socket,
// anything else a host:port or http URL.
func Dial(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("server address is empty")
	}
	if strings.HasPrefix(addr, "/") {
		return &Client{
			base:       url.URL{Scheme: "http", Host: "unix"},
			socket:     addr,
			httpClient: newUnixHTTPClient(addr),
		}, nil
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing server address: %w", err)
	}
	return &Client{base: *u, httpClient: &http.Client{}}, nil
}

func newUnixHTTPClient(socketPath string) *http.Client {
	tr := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &http.Client{Transport: tr}
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) List(ctx context.Context) ([]fleet.Entry, error) {
	var entries []fleet.Entry
	err := c.doJSON(ctx, http.MethodGet, "/workers", nil, &entries)
	return entries, err
}

func (c *Client) Inspect(ctx context.Context, id string) (fleet.Inspection, error) {
	var in fleet.Inspection
	err := c.doJSON(ctx, http.MethodGet, workerPath(id, "status"), nil, &in)
	return in, err
}

func (c *Client) Add(ctx context.Context, req fleet.AddRequest) (worker.Record, error) {
	var rec worker.Record
	err := c.doJSON(ctx, http.MethodPost, "/workers", req, &rec)
	return rec, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, workerPath(id, ""), nil, nil)
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, workerPath(id, "start"), nil, nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, workerPath(id, "stop"), nil, nil)
}

func (c *Client) Restart(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, workerPath(id, "restart"), nil, nil)
}

func (c *Client) ClearError(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, workerPath(id, "clear-error"), nil, nil)
}

func (c *Client) Logs(ctx context.Context, id string, limit int64) (logview.Tail, error) {
	path := workerPath(id, "logs")
	if limit > 0 {
		path += "?bytes=" + strconv.FormatInt(limit, 10)
	}
	var tail logview.Tail
	err := c.doJSON(ctx, http.MethodGet, path, nil, &tail)
	return tail, err
}

// Follow copies log output appended after byte offset from to w until
// ctx is done or the server closes the stream.
func (c *Client) Follow(ctx context.Context, id string, from int64, w io.Writer) error {
	u := c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + workerPath(id, "follow")
	u.RawQuery = "from=" + strconv.FormatInt(from, 10)
	origin := u.String()
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	cfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return err
	}
	var ws *websocket.Conn
	if c.socket != "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.socket)
		if err != nil {
			return err
		}
		ws, err = websocket.NewClient(cfg, conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("websocket handshake: %w", err)
		}
	} else {
		ws, err = cfg.DialContext(ctx)
		if err != nil {
			return err
		}
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if _, err := io.WriteString(w, msg); err != nil {
			return err
		}
	}
}

func workerPath(id, action string) string {
	p := "/workers/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := c.base
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + ref.Path
	u.RawPath = ""
	u.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		var eb ErrorBody
		if json.Unmarshal(b, &eb) == nil && eb.Error != "" {
			return control.Remote(eb.Code, eb.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
