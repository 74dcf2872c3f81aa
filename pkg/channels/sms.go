package channels

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mctc-health/mctc/pkg/bus"
	"github.com/mctc-health/mctc/pkg/config"
	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/ratelimit"
)

const (
	defaultSMSHost             = "127.0.0.1"
	defaultSMSPort             = 18794
	defaultSMSInboundPath      = "/sms/inbound"
	defaultConnectorTimeoutSec = 10
	maxInboundBody             = 64 << 10

	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type connectorPayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// SMSWebhook receives SMS from an HTTP gateway and posts replies to a
// connector URL.
type SMSWebhook struct {
	config     config.SMSConfig
	bus        *bus.MessageBus
	limiter    *ratelimit.Limiter
	httpClient *http.Client
	router     chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
	status   func() map[string]any
	sweep    chan struct{}

	sweepEvery time.Duration
	idleTTL    time.Duration
}

func NewSMSWebhook(cfg config.SMSConfig, messageBus *bus.MessageBus) (*SMSWebhook, error) {
	if strings.TrimSpace(cfg.Backend) == "" {
		return nil, errors.New("sms backend name is required")
	}
	if cfg.InboundPath == "" {
		cfg.InboundPath = defaultSMSInboundPath
	}
	if !strings.HasPrefix(cfg.InboundPath, "/") {
		return nil, fmt.Errorf("sms inbound path %q must start with /", cfg.InboundPath)
	}
	timeout := cfg.ConnectorTimeout
	if timeout <= 0 {
		timeout = defaultConnectorTimeoutSec
	}

	c := &SMSWebhook{
		config:     cfg,
		bus:        messageBus,
		limiter:    ratelimit.NewLimiter(ratelimit.Config{PerSecond: cfg.SendsPerSecond, Burst: 1}),
		httpClient: &http.Client{Timeout: time.Duration(timeout) * time.Second},
		sweepEvery: limiterSweepInterval,
		idleTTL:    limiterIdleTTL,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post(cfg.InboundPath, c.handleInbound)
	r.Get("/healthz", c.handleHealth)
	c.router = r
	return c, nil
}

func (c *SMSWebhook) Name() string {
	return c.config.Backend
}

// Handle mounts an extra handler, e.g. metrics, on the webhook router.
// Call it before Start.
func (c *SMSWebhook) Handle(pattern string, h http.Handler) {
	c.router.Handle(pattern, h)
}

// SetStatus makes /healthz include the channel status report, e.g.
// Manager.GetStatus.
func (c *SMSWebhook) SetStatus(fn func() map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = fn
}

// Handler is the webhook's HTTP handler.
func (c *SMSWebhook) Handler() http.Handler {
	return c.router
}

func (c *SMSWebhook) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Addr is the bound listen address once running.
func (c *SMSWebhook) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *SMSWebhook) Start(ctx context.Context) error {
	host := strings.TrimSpace(c.config.Host)
	if host == "" {
		host = defaultSMSHost
	}
	port := c.config.Port
	if port == 0 {
		port = defaultSMSPort
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	// A negative port binds an ephemeral one.
	if port < 0 {
		addr = net.JoinHostPort(host, "0")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	c.mu.Lock()
	c.listener = listener
	c.server = &http.Server{
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	c.running = true
	server := c.server
	c.sweep = make(chan struct{})
	sweep := c.sweep
	c.mu.Unlock()

	go c.sweepLimiter(sweep)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("sms", "Webhook server error", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("sms", "Webhook server listening", map[string]any{
		"address":       listener.Addr().String(),
		"inbound_path":  c.config.InboundPath,
		"connector_url": c.config.ConnectorURL,
	})
	return nil
}

// Stop closes the inbound server and stops the limiter sweep. Send keeps
// working so queued replies can still be delivered.
func (c *SMSWebhook) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.running = false
	if c.sweep != nil {
		close(c.sweep)
		c.sweep = nil
	}
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown sms webhook: %w", err)
	}
	return nil
}

// Send delivers msg in chunks of at most MaxMessageLength characters, each
// paced per destination.
func (c *SMSWebhook) Send(ctx context.Context, msg bus.OutboundMessage) error {
	to := strings.TrimSpace(msg.To)
	if to == "" || strings.TrimSpace(msg.Text) == "" {
		return errors.New("outbound sms requires non-empty to/text")
	}
	if strings.TrimSpace(c.config.ConnectorURL) == "" {
		return errors.New("sms connector url is not configured")
	}

	chunks := SplitMessage(msg.Text, c.config.MaxMessageLength)
	for i, chunk := range chunks {
		if err := c.limiter.Wait(ctx, to); err != nil {
			return fmt.Errorf("wait for send slot: %w", err)
		}
		if err := c.forward(ctx, connectorPayload{To: to, Content: chunk}); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	logger.DebugCF("sms", "Delivered outbound sms", map[string]any{
		"to":     to,
		"chunks": len(chunks),
	})
	return nil
}

func (c *SMSWebhook) forward(ctx context.Context, payload connectorPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbound payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ConnectorURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send connector request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("connector returned status %d", resp.StatusCode)
	}
	return nil
}

// sweepLimiter drops pacing state for destinations idle past the TTL.
func (c *SMSWebhook) sweepLimiter(stop <-chan struct{}) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.limiter.Cleanup(c.idleTTL)
		}
	}
}

func (c *SMSWebhook) handleHealth(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	body := map[string]any{"status": "ok"}
	if status != nil {
		body["channels"] = status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (c *SMSWebhook) handleInbound(w http.ResponseWriter, r *http.Request) {
	if c.config.Token != "" {
		token := webhookAuthToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(c.config.Token)) != 1 {
			http.Error(w, "Invalid token", http.StatusForbidden)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxInboundBody)
	peer, text, status, err := parseInbound(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	msg := bus.InboundMessage{
		ID:         uuid.NewString(),
		Backend:    c.config.Backend,
		Peer:       peer,
		Text:       text,
		ReceivedAt: time.Now(),
	}
	if err := c.bus.PublishInbound(r.Context(), msg); err != nil {
		logger.ErrorCF("sms", "Failed to queue inbound sms", map[string]any{
			"error": err.Error(),
		})
		http.Error(w, "Unable to queue message", http.StatusServiceUnavailable)
		return
	}

	logger.DebugCF("sms", "Queued inbound sms", map[string]any{
		"message_id": msg.ID,
		"peer":       msg.Peer,
		"request_id": middleware.GetReqID(r.Context()),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted","id":"` + msg.ID + `"}`))
}

var errMediaType = errors.New("content type must be application/json or form encoded")

// parseInbound reads the sender and text from a JSON or form body.
func parseInbound(r *http.Request) (peer, text string, status int, err error) {
	mediaType, _, perr := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if perr != nil {
		return "", "", http.StatusUnsupportedMediaType, errMediaType
	}
	switch strings.ToLower(mediaType) {
	case "application/json":
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return "", "", http.StatusBadRequest, errors.New("invalid JSON payload")
		}
		peer = payloadString(payload, "from", "sender", "peer")
		text = payloadString(payload, "text", "content", "message")
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return "", "", http.StatusBadRequest, errors.New("invalid form payload")
		}
		peer = strings.TrimSpace(r.PostFormValue("from"))
		text = r.PostFormValue("text")
	default:
		return "", "", http.StatusUnsupportedMediaType, errMediaType
	}

	if peer == "" {
		return "", "", http.StatusBadRequest, errors.New("missing required field: from")
	}
	return peer, text, http.StatusAccepted, nil
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := payload[key].(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func webhookAuthToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get("x-webhook-token")); token != "" {
		return token
	}

	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return auth
}
