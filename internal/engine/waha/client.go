package waha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"wagate/internal/engine"
	logx "wagate/pkg/logx"
)

// Config points the bridge at a WAHA-style engine daemon.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	CallTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Client bridges engine.Client to an external WAHA-style REST daemon.
// The daemon owns the actual protocol connection and auth persistence;
// this side only starts/stops the session, polls its status into lifecycle
// events, and forwards sends.
type Client struct {
	cfg     Config
	session string
	events  chan<- engine.Event
	hc      *http.Client
	log     logx.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Factory returns an engine.Factory backed by one shared bridge config.
func Factory(cfg Config, log logx.Logger) engine.Factory {
	cfg = cfg.withDefaults()
	return func(sessionID string, events chan<- engine.Event) (engine.Client, error) {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("waha: base_url is required")
		}
		if events == nil {
			return nil, fmt.Errorf("waha: nil event channel")
		}
		return &Client{
			cfg:     cfg,
			session: sessionID,
			events:  events,
			hc:      &http.Client{Timeout: cfg.CallTimeout},
			log:     log.With(logx.String("comp", "waha"), logx.String("session", sessionID)),
		}, nil
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return fmt.Errorf("waha: already initialized")
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	c.stopCh = stopCh
	c.doneCh = doneCh
	c.mu.Unlock()

	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(c.session)+"/start", nil, nil); err != nil {
		c.mu.Lock()
		c.stopCh = nil
		c.doneCh = nil
		c.mu.Unlock()
		return fmt.Errorf("waha: start session: %w", err)
	}

	go c.pollLoop(stopCh, doneCh)
	return nil
}

type sessionStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type qrPayload struct {
	Data string `json:"data"` // data URL
}

// pollLoop translates the daemon's session status into lifecycle events.
// It emits each QR payload once per change and authenticated/ready once.
func (c *Client) pollLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()

	var lastQR string
	var announcedReady bool

	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		var st sessionStatus
		err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(c.session), nil, &st)
		cancel()
		if err != nil {
			c.log.Debug("status poll failed", logx.Err(err))
			continue
		}

		switch strings.ToUpper(st.Status) {
		case "SCAN_QR_CODE":
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
			var qr qrPayload
			err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(c.session)+"/auth/qr", nil, &qr)
			cancel()
			if err != nil || qr.Data == "" || qr.Data == lastQR {
				continue
			}
			lastQR = qr.Data
			c.emit(stopCh, engine.Event{Kind: engine.EventQR, Payload: qr.Data})
		case "WORKING":
			if announcedReady {
				continue
			}
			announcedReady = true
			c.emit(stopCh, engine.Event{Kind: engine.EventAuthenticated})
			c.emit(stopCh, engine.Event{Kind: engine.EventReady})
		case "FAILED":
			c.emit(stopCh, engine.Event{Kind: engine.EventAuthFailure, Payload: reasonOr(st.Reason, "engine reported failure")})
			return
		case "STOPPED":
			c.emit(stopCh, engine.Event{Kind: engine.EventDisconnected, Payload: reasonOr(st.Reason, "engine stopped")})
			return
		}
	}
}

func (c *Client) emit(stopCh <-chan struct{}, e engine.Event) {
	select {
	case c.events <- e:
	case <-stopCh:
	}
}

func reasonOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func (c *Client) SendText(ctx context.Context, to engine.Address, body string) error {
	req := map[string]any{
		"session": c.session,
		"chatId":  to.String(),
		"text":    body,
	}
	if err := c.call(ctx, http.MethodPost, "/api/sendText", req, nil); err != nil {
		return fmt.Errorf("waha: send text: %w", err)
	}
	return nil
}

func (c *Client) SendMedia(ctx context.Context, to engine.Address, media engine.Media, caption string) error {
	req := map[string]any{
		"session": c.session,
		"chatId":  to.String(),
		"file": map[string]any{
			"mimetype": media.MimeType,
			"filename": media.Filename,
			"data":     base64.StdEncoding.EncodeToString(media.Data),
		},
		"caption": caption,
	}
	if err := c.call(ctx, http.MethodPost, "/api/sendFile", req, nil); err != nil {
		return fmt.Errorf("waha: send media: %w", err)
	}
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.stopCh = nil
	c.doneCh = nil
	c.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)

	// Best-effort upstream stop; the poller is already winding down.
	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(c.session)+"/stop", nil, nil); err != nil {
		c.log.Debug("session stop failed", logx.Err(err))
	}

	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
