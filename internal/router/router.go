// Package router implements outgoing SMS routing (spec §4.3): a
// single long-lived task that consumes the outgoing-SMS queue and routes
// each message to an eligible, preferably-preferred, lowest-load SMSC
// connector.
package router

import (
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kannelcore/bearerbox/internal/admission"
	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/store"
)

// eligibility classifies a candidate connector for one message (§4.3 step 3).
type eligibility int

const (
	notEligible eligibility = iota
	eligible
	preferred
)

// Config configures the router.
type Config struct {
	UnifiedPrefix string
	// Rule is an optional expr-lang expression evaluated against a message
	// that carries no explicit smsc_id; when it is true, every connector
	// that passes the denied-id and prefix checks counts as preferred for
	// that message. It supplements (does not replace) the selector-based
	// eligibility rules of §4.3.
	Rule string
}

// Router owns the outgoing-SMS routing task.
type Router struct {
	cfg  Config
	pool *smsc.Pool
	st   *store.Store

	ruleProgram *vm.Program

	mu      sync.Mutex
	running bool
}

// routeEnv is the evaluation environment exposed to an expr-lang routing
// rule (Config.Rule). expr sees the Go field names: `Sender`, `Receiver`,
// `Service`, `Account`.
type routeEnv struct {
	Sender   string
	Receiver string
	Service  string
	Account  string
}

func New(cfg Config, pool *smsc.Pool, st *store.Store) (*Router, error) {
	r := &Router{cfg: cfg, pool: pool, st: st}
	if cfg.Rule != "" {
		prog, err := expr.Compile(cfg.Rule, expr.Env(routeEnv{}), expr.AsBool())
		if err != nil {
			return nil, err
		}
		r.ruleProgram = prog
	}
	return r, nil
}

// Run drains the outgoing queue until it is closed (all producers removed
// and empty), per §4.3's "on shutdown signal with empty queue it exits".
func (r *Router) Run() {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	for {
		m, ok := r.pool.Outgoing().Consume()
		if !ok {
			blog.Info("router: outgoing queue closed, exiting")
			return
		}
		r.rout(m)
	}
}

// rout implements the five-step routing algorithm of §4.3.
func (r *Router) rout(m *message.Message) {
	r.routeWithVisited(m, make(map[string]bool))
}

func (r *Router) routeWithVisited(m *message.Message, visited map[string]bool) {
	candidates := r.pool.Candidates()
	if len(candidates) == 0 {
		blog.Warnf("router: no connectors configured, discarding sms id=%d", m.SMS.ID)
		r.reject(m)
		return
	}

	m.SMS.Receiver = admission.NormalizeNumber(m.SMS.Receiver, r.cfg.UnifiedPrefix)

	var chosen *smsc.Conn
	var chosenPreferred bool
	badFound := false

	for _, c := range candidates {
		if visited[c.ID] {
			continue
		}
		elig := r.usable(c, m)
		if elig == notEligible {
			continue
		}
		if c.Status() != smsc.StatusActive {
			badFound = true
			continue
		}

		isPreferred := elig == preferred
		switch {
		case chosen == nil:
			chosen, chosenPreferred = c, isPreferred
		case isPreferred && !chosenPreferred:
			chosen, chosenPreferred = c, isPreferred
		case isPreferred == chosenPreferred && c.Load() < chosen.Load():
			chosen = c
		}
	}

	if chosen == nil {
		if badFound {
			// BadFound: every eligible connector is non-Active. Queue for
			// later retry rather than reject outright.
			r.pool.Outgoing().Produce(m)
			return
		}
		blog.Warnf("router: no eligible connector for sms id=%d to %s", m.SMS.ID, m.SMS.Receiver)
		r.reject(m)
		return
	}

	result := r.pool.Send(chosen, m)
	if result != smsc.SendOK {
		visited[chosen.ID] = true
		if len(visited) < len(candidates) {
			r.routeWithVisited(m, visited)
			return
		}
		r.pool.SendFailed(chosen, m, result)
		if result == smsc.SendFailedRejected || result == smsc.SendFailedMalformed {
			r.reject(m)
		}
		return
	}

	if err := r.st.SaveAck(m.SMS.ID, message.NackNone); err != nil {
		blog.Errorf("router: failed to record ack for id=%d: %v", m.SMS.ID, err)
	}
}

// usable classifies conn's eligibility for m (§4.3 step 3): smsc_id
// targeting, preferred/denied lists, allowed/denied receiver prefix.
func (r *Router) usable(c *smsc.Conn, m *message.Message) eligibility {
	sel := c.Selectors

	if m.SMS.SMSCID != "" {
		if m.SMS.SMSCID == c.ID {
			return preferred
		}
		return notEligible
	}

	for _, denied := range sel.DeniedSMSCIDs {
		if denied == c.ID {
			return notEligible
		}
	}

	if len(sel.DeniedPrefix) > 0 && matchesAnyPrefix(m.SMS.Receiver, sel.DeniedPrefix) {
		return notEligible
	}
	if len(sel.AllowedPrefix) > 0 && !matchesAnyPrefix(m.SMS.Receiver, sel.AllowedPrefix) {
		return notEligible
	}

	if r.ruleProgram != nil {
		env := routeEnv{Sender: m.SMS.Sender, Receiver: m.SMS.Receiver, Service: m.SMS.Service, Account: m.SMS.Account}
		out, err := expr.Run(r.ruleProgram, env)
		if err == nil {
			if match, ok := out.(bool); ok && match {
				return preferred
			}
		}
	}

	for _, pref := range sel.PreferredSMSCID {
		if pref == c.ID {
			return preferred
		}
	}

	return eligible
}

func matchesAnyPrefix(number string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(number, p) {
			return true
		}
	}
	return false
}

func (r *Router) reject(m *message.Message) {
	if err := r.st.SaveAck(m.SMS.ID, message.NackRejected); err != nil {
		blog.Errorf("router: failed to record nack for id=%d: %v", m.SMS.ID, err)
	}
}
