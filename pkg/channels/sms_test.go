package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mctc-health/mctc/pkg/bus"
	"github.com/mctc-health/mctc/pkg/config"
)

func testSMSConfig() config.SMSConfig {
	cfg := config.DefaultConfig().SMS
	cfg.SendsPerSecond = 0
	return cfg
}

func newTestWebhook(t *testing.T, cfg config.SMSConfig) (*SMSWebhook, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus()
	ch, err := NewSMSWebhook(cfg, mb)
	if err != nil {
		t.Fatalf("NewSMSWebhook: %v", err)
	}
	return ch, mb
}

func consume(t *testing.T, mb *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected inbound message on bus")
	}
	return msg
}

func TestNewSMSWebhook(t *testing.T) {
	ch, _ := newTestWebhook(t, testSMSConfig())
	if ch.Name() != "sms" {
		t.Fatalf("Name() = %q, want sms", ch.Name())
	}
	if ch.IsRunning() {
		t.Fatal("new channel should not be running")
	}

	cfg := testSMSConfig()
	cfg.Backend = " "
	if _, err := NewSMSWebhook(cfg, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error for empty backend")
	}
	cfg = testSMSConfig()
	cfg.InboundPath = "inbound"
	if _, err := NewSMSWebhook(cfg, bus.NewMessageBus()); err == nil {
		t.Fatal("expected error for relative inbound path")
	}
}

func TestInboundJSONPublishes(t *testing.T) {
	ch, mb := newTestWebhook(t, testSMSConfig())

	req := httptest.NewRequest(http.MethodPost, "/sms/inbound", strings.NewReader(`{"sender":"233240000001","content":"show +18"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rr := httptest.NewRecorder()
	ch.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "accepted" || body["id"] == "" {
		t.Fatalf("unexpected response %v", body)
	}

	msg := consume(t, mb)
	if msg.Backend != "sms" || msg.Peer != "233240000001" || msg.Text != "show +18" {
		t.Fatalf("unexpected inbound %+v", msg)
	}
	if msg.ID != body["id"] {
		t.Fatalf("message id %q does not match response id %q", msg.ID, body["id"])
	}
}

func TestInboundFormPublishes(t *testing.T) {
	ch, mb := newTestWebhook(t, testSMSConfig())

	form := url.Values{"from": {"+233240000001"}, "text": {"join ABC123 Doe Jane"}}
	req := httptest.NewRequest(http.MethodPost, "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	ch.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	msg := consume(t, mb)
	if msg.Peer != "+233240000001" || msg.Text != "join ABC123 Doe Jane" {
		t.Fatalf("unexpected inbound %+v", msg)
	}
}

func TestInboundRejects(t *testing.T) {
	cfg := testSMSConfig()
	cfg.Token = "secret"
	ch, _ := newTestWebhook(t, cfg)

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		headers     map[string]string
		want        int
	}{
		{"missing token", http.MethodPost, "application/json", `{"from":"1","text":"x"}`, nil, http.StatusForbidden},
		{"wrong token", http.MethodPost, "application/json", `{"from":"1","text":"x"}`, map[string]string{"x-webhook-token": "nope"}, http.StatusForbidden},
		{"bad json", http.MethodPost, "application/json", `{`, map[string]string{"x-webhook-token": "secret"}, http.StatusBadRequest},
		{"missing from", http.MethodPost, "application/json", `{"text":"x"}`, map[string]string{"Authorization": "Bearer secret"}, http.StatusBadRequest},
		{"unsupported type", http.MethodPost, "text/plain", `hi`, map[string]string{"x-webhook-token": "secret"}, http.StatusUnsupportedMediaType},
		{"wrong method", http.MethodGet, "application/json", ``, map[string]string{"x-webhook-token": "secret"}, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/sms/inbound", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			ch.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestInboundClosedBus(t *testing.T) {
	ch, mb := newTestWebhook(t, testSMSConfig())
	mb.Close()

	req := httptest.NewRequest(http.MethodPost, "/sms/inbound", strings.NewReader(`{"from":"1","text":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ch.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestHealthAndMountedHandler(t *testing.T) {
	ch, _ := newTestWebhook(t, testSMSConfig())
	ch.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	}))

	for path, want := range map[string]string{"/healthz": "{\"status\":\"ok\"}\n", "/metrics": "metrics"} {
		rr := httptest.NewRecorder()
		ch.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK || rr.Body.String() != want {
			t.Fatalf("%s: status %d body %q", path, rr.Code, rr.Body.String())
		}
	}
}

type connector struct {
	mu       sync.Mutex
	payloads []connectorPayload
	auth     []string
	status   int
}

func (c *connector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var p connectorPayload
	_ = json.Unmarshal(body, &p)
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func TestSendSplitsAndPosts(t *testing.T) {
	conn := &connector{}
	srv := httptest.NewServer(conn)
	defer srv.Close()

	cfg := testSMSConfig()
	cfg.ConnectorURL = srv.URL
	cfg.MaxMessageLength = 20
	cfg.Token = "secret"
	ch, _ := newTestWebhook(t, cfg)

	err := ch.Send(context.Background(), bus.OutboundMessage{
		Backend: "sms",
		To:      "+233240000001",
		Text:    "Measles Summary by facility: Kumasi 1/2 50,",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	want := []string{"Measles Summary by", "facility: Kumasi 1/2", "50,"}
	if len(conn.payloads) != len(want) {
		t.Fatalf("got %d posts, want %d: %+v", len(conn.payloads), len(want), conn.payloads)
	}
	for i, p := range conn.payloads {
		if p.To != "+233240000001" || p.Content != want[i] {
			t.Fatalf("post %d = %+v, want content %q", i, p, want[i])
		}
		if conn.auth[i] != "Bearer secret" {
			t.Fatalf("post %d auth = %q", i, conn.auth[i])
		}
	}
}

func TestSendErrors(t *testing.T) {
	conn := &connector{status: http.StatusBadGateway}
	srv := httptest.NewServer(conn)
	defer srv.Close()

	cfg := testSMSConfig()
	cfg.ConnectorURL = srv.URL
	ch, _ := newTestWebhook(t, cfg)

	if err := ch.Send(context.Background(), bus.OutboundMessage{To: "+1", Text: "hi"}); err == nil {
		t.Fatal("expected error for non-2xx connector status")
	}
	if err := ch.Send(context.Background(), bus.OutboundMessage{To: "", Text: "hi"}); err == nil {
		t.Fatal("expected error for empty destination")
	}

	cfg.ConnectorURL = ""
	ch, _ = newTestWebhook(t, cfg)
	if err := ch.Send(context.Background(), bus.OutboundMessage{To: "+1", Text: "hi"}); err == nil {
		t.Fatal("expected error for missing connector url")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testSMSConfig()
	cfg.Port = -1
	ch, mb := newTestWebhook(t, cfg)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ch.IsRunning() || ch.Addr() == "" {
		t.Fatal("channel should be running with an address")
	}

	resp, err := http.Post("http://"+ch.Addr()+"/sms/inbound", "application/json", strings.NewReader(`{"from":"+1","text":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if msg := consume(t, mb); msg.Text != "hi" {
		t.Fatalf("unexpected inbound %+v", msg)
	}

	if err := ch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ch.IsRunning() {
		t.Fatal("channel should be stopped")
	}
}

func TestHealthReportsChannelStatus(t *testing.T) {
	ch, mb := newTestWebhook(t, testSMSConfig())
	m := NewManager(mb)
	m.RegisterChannel(ch)
	ch.SetStatus(m.GetStatus)

	rr := httptest.NewRecorder()
	ch.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Status   string                     `json:"status"`
		Channels map[string]map[string]bool `json:"channels"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	if body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
	sms, ok := body.Channels["sms"]
	if !ok || sms["running"] {
		t.Fatalf("channels = %v, want sms not running", body.Channels)
	}
}

func TestLimiterSweepDropsIdleDestinations(t *testing.T) {
	cfg := testSMSConfig()
	cfg.Port = -1
	cfg.SendsPerSecond = 100
	conn := &connector{}
	srv := httptest.NewServer(conn)
	defer srv.Close()
	cfg.ConnectorURL = srv.URL

	ch, _ := newTestWebhook(t, cfg)
	ch.sweepEvery = 5 * time.Millisecond
	ch.idleTTL = time.Millisecond

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Stop(context.Background())

	if err := ch.Send(context.Background(), bus.OutboundMessage{To: "+233240000001", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ch.limiter.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("limiter still tracks %d destinations", ch.limiter.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendAfterStop(t *testing.T) {
	conn := &connector{}
	srv := httptest.NewServer(conn)
	defer srv.Close()

	cfg := testSMSConfig()
	cfg.Port = -1
	cfg.ConnectorURL = srv.URL
	ch, _ := newTestWebhook(t, cfg)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ch.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := ch.Send(context.Background(), bus.OutboundMessage{To: "+233240000001", Text: "late reply"}); err != nil {
		t.Fatalf("Send after Stop: %v", err)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.payloads) != 1 || conn.payloads[0].Content != "late reply" {
		t.Fatalf("payloads = %+v", conn.payloads)
	}
}
