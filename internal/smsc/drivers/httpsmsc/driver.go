// Package httpsmsc implements an example SMSC connector driver speaking to
// an HTTP aggregator endpoint: one POST per outgoing sms, and an inbound
// webhook (/mo) for mobile-originated messages. Delivery reports are not
// received by this driver. This is the
// kind of wire-format-specific connector the core spec treats as an opaque
// driver (§1); it exists here to exercise the smsc.Driver contract end to
// end against a real transport.
package httpsmsc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/httpsubstrate"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/smsc"
)

// Config configures one httpsmsc driver instance.
type Config struct {
	SendURL      string
	ReceiveAddr  string // address this driver listens on for inbound webhooks
	AuthUsername string
	AuthPassword string
	Timeout      time.Duration
}

// Driver implements smsc.Driver against an HTTP aggregator.
type Driver struct {
	cfg Config

	client   *http.Client
	limiter  *rate.Limiter
	server   *httpsubstrate.Server
	mu       sync.Mutex
	stopping bool
}

func New(cfg Config) *Driver {
	clientCfg := httpsubstrate.DefaultClientConfig()
	if cfg.Timeout > 0 {
		clientCfg.RequestTimeout = cfg.Timeout
	}
	return &Driver{
		cfg:    cfg,
		client: httpsubstrate.NewClient(clientCfg),
	}
}

type outboundPayload struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	ID       uint64 `json:"id"`
}

func (d *Driver) Start(c *smsc.Conn) error {
	d.mu.Lock()
	d.stopping = false
	d.mu.Unlock()

	if c.Throughput > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(c.Throughput), 1)
	}

	if d.cfg.ReceiveAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/mo", d.handleInbound(c))
		d.server = httpsubstrate.NewServer(httpsubstrate.DefaultServerConfig(d.cfg.ReceiveAddr), mux)
		d.server.Start()
		go func() {
			if err := <-d.server.Err(); err != nil {
				blog.Errorf("httpsmsc: %s: webhook server failed: %v", c.ID, err)
			}
		}()
	}

	c.Pool().Ready(c)
	c.Pool().Connected(c)
	return nil
}

func (d *Driver) Stop(c *smsc.Conn) error {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	if d.server != nil {
		return d.server.Shutdown()
	}
	return nil
}

func (d *Driver) Send(c *smsc.Conn, m *message.Message) smsc.SendResult {
	if m.Kind != message.KindSMS {
		return smsc.SendFailedMalformed
	}

	d.mu.Lock()
	stopping := d.stopping
	d.mu.Unlock()
	if stopping {
		return smsc.SendFailedShutdown
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(context.Background()); err != nil {
			return smsc.SendFailedTemporarilyDown
		}
	}

	payload := outboundPayload{
		Sender:   m.SMS.Sender,
		Receiver: m.SMS.Receiver,
		Text:     string(m.SMS.MsgData),
		ID:       m.SMS.ID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return smsc.SendFailedMalformed
	}

	req, err := http.NewRequest(http.MethodPost, d.cfg.SendURL, bytes.NewReader(body))
	if err != nil {
		return smsc.SendFailedTemporarilyDown
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.AuthUsername != "" {
		req.SetBasicAuth(d.cfg.AuthUsername, d.cfg.AuthPassword)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return smsc.SendFailedTemporarilyDown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		c.Pool().Sent(c, m)
		return smsc.SendOK
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return smsc.SendFailedTemporarilyDown
	default:
		return smsc.SendFailedRejected
	}
}

func (d *Driver) Shutdown(c *smsc.Conn, finishSending bool) error {
	if err := d.Stop(c); err != nil {
		blog.Warnf("httpsmsc: %s: shutdown stop failed: %v", c.ID, err)
	}
	c.Pool().Killed(c, smsc.WhyShutdown)
	return nil
}

type inboundPayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

func (d *Driver) handleInbound(c *smsc.Conn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in inboundPayload
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		m := message.NewSMS(&message.SMS{
			Sender:   in.Sender,
			Receiver: "",
			MsgData:  []byte(in.Text),
		})

		if err := c.Pool().Receive(c, m); err != nil {
			blog.Infof("httpsmsc: %s: inbound rejected: %v", c.ID, err)
			fmt.Fprintf(w, "rejected")
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
