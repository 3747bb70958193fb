// Package admission implements inbound SMS admission (spec §4.4): sender
// normalization, allow/deny list enforcement, store-on-receive, and
// enqueue onto the incoming-SMS queue.
package admission

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
	"github.com/kannelcore/bearerbox/internal/store"
)

// Config holds the admission filter's configured lists and number
// normalization rule.
type Config struct {
	UnifiedPrefix string   // "+cc,alt1,alt2" rewrite rule, comma-separated
	WhiteList     []string // if non-empty, sender must match one entry
	BlackList     []string // if sender matches one entry, reject
}

// Filter is the admission gate every inbound sms from a connector driver
// passes through before reaching the incoming-SMS queue.
type Filter struct {
	cfg      Config
	store    *store.Store
	incoming *queue.Queue
	received queue.Counter

	suspended atomic.Bool
	closed    atomic.Bool
}

func New(cfg Config, st *store.Store, incoming *queue.Queue) *Filter {
	return &Filter{cfg: cfg, store: st, incoming: incoming}
}

// Suspend makes Admit reject every message without consulting the lists
// (supervisor state Suspended, §4.8; Isolate uses Close instead). Resume
// reverses it.
func (f *Filter) Suspend() { f.suspended.Store(true) }
func (f *Filter) Resume()  { f.suspended.Store(false) }

// Close permanently stops admission, the first step of the supervisor's
// avalanche shutdown sequence (§4.8 `Shutdown`: "admission closed ...").
// It does not touch the incoming queue's producer refcount: connectors
// (not admission) hold that producer role, one per Ready/Killed pair
// (internal/smsc.Pool), and continue delivering until each is killed.
func (f *Filter) Close() {
	f.closed.Store(true)
}

// Admit implements smsc.Admitter. On acceptance the sms is persisted,
// tagged sms_type=mo, and handed to the incoming queue; on rejection it
// returns an error describing the reason logged by the caller.
func (f *Filter) Admit(m *message.Message) error {
	if f.closed.Load() || f.suspended.Load() {
		return fmt.Errorf("admission: closed")
	}
	if m.Kind != message.KindSMS {
		return fmt.Errorf("admission: Admit requires an sms message")
	}
	s := m.SMS

	s.Sender = NormalizeNumber(s.Sender, f.cfg.UnifiedPrefix)

	if len(f.cfg.WhiteList) > 0 && !matchesList(s.Sender, f.cfg.WhiteList) {
		blog.Infof("admission: REJECTED - not white-listed: %s", s.Sender)
		return fmt.Errorf("admission: sender not white-listed")
	}

	if len(f.cfg.BlackList) > 0 && matchesList(s.Sender, f.cfg.BlackList) {
		blog.Infof("admission: REJECTED - black-listed: %s", s.Sender)
		return fmt.Errorf("admission: sender black-listed")
	}

	s.Type = message.SMSTypeMO

	if _, err := f.store.Save(m); err != nil {
		return fmt.Errorf("admission: store save failed: %w", err)
	}

	blog.Infof("admission: received sms id=%d from %s", s.ID, s.Sender)
	f.incoming.Produce(m)
	f.received.Increase()
	return nil
}

func matchesList(number string, list []string) bool {
	for _, entry := range list {
		if entry == number {
			return true
		}
	}
	return false
}

// NormalizeNumber applies a unified_prefix rewrite rule of the form
// "+cc,alt1,alt2": any number beginning with one of the alt prefixes is
// rewritten to begin with cc instead. Numbers already matching no alt
// prefix are returned unchanged.
func NormalizeNumber(number, unifiedPrefix string) string {
	if unifiedPrefix == "" {
		return number
	}

	parts := strings.Split(unifiedPrefix, ",")
	if len(parts) < 2 {
		return number
	}
	cc, alts := parts[0], parts[1:]

	for _, alt := range alts {
		if strings.HasPrefix(number, alt) {
			return cc + strings.TrimPrefix(number, alt)
		}
	}
	return number
}
