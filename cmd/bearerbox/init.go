package main

import (
	"fmt"
	"os"

	"github.com/kannelcore/bearerbox/internal/admin"
	"github.com/kannelcore/bearerbox/internal/admission"
	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/boxc"
	"github.com/kannelcore/bearerbox/internal/config"
	"github.com/kannelcore/bearerbox/internal/events"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/queue"
	"github.com/kannelcore/bearerbox/internal/router"
	"github.com/kannelcore/bearerbox/internal/scheduler"
	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/store"
	"github.com/kannelcore/bearerbox/internal/supervisor"
	"github.com/kannelcore/bearerbox/internal/wtp"
)

// boxDispatcher implements boxc.Dispatcher: sms submitted by a connected
// smsbox peer joins the outgoing-SMS queue (§4.3), wdp_datagram traffic from
// a wapbox peer is handed to the WTP responder (§6.3). Kept here rather than
// in any of the component packages since it is pure wiring, not a reusable
// abstraction any single package owns.
type boxDispatcher struct {
	outgoing *queue.Queue
	wtp      *wtp.Responder
}

func (d *boxDispatcher) Dispatch(m *message.Message) error {
	switch m.Kind {
	case message.KindSMS:
		d.outgoing.Produce(m)
		return nil
	case message.KindDatagram:
		dg := m.Datagram
		d.wtp.Deliver(dg.SourceAddress, dg.SourcePort, dg.DestinationPort, dg.DestinationAddress, dg.UserData)
		return nil
	default:
		return fmt.Errorf("boxc: dispatch: unsupported message kind %s", m.Kind)
	}
}

// boxSender implements wtp.Sender by wrapping an outbound PDU back into a
// wdp_datagram addressed to the peer it came from, and handing it to the
// box multiplexer's existing routing (§4.6 Route).
type boxSender struct {
	mux *boxc.Multiplexer
}

func (s *boxSender) SendPDU(key wtp.Key, pdu []byte) error {
	dg := message.NewDatagram(&message.WDPDatagram{
		SourceAddress:      key.LocalAddress,
		SourcePort:         key.LocalPort,
		DestinationAddress: key.PeerAddress,
		DestinationPort:    key.PeerPort,
		UserData:           pdu,
	})
	return s.mux.Route(dg)
}

// logIndicator implements wtp.Indicator. bearerbox implements WTP only, not
// the WSP service layer above it (no specified component consumes a
// TR-Invoke.ind), so an invoke is logged and acknowledged with an empty
// result rather than dispatched further.
type logIndicator struct{}

func (logIndicator) Invoke(key wtp.Key, class wtp.Class, data []byte) ([]byte, error) {
	blog.Debugf("wtp: invoke %s class=%d len=%d", key, class, len(data))
	return nil, nil
}

// components holds every long-lived piece wired together at startup, so
// server.go's start/shutdown sequence has one place to reach into.
type components struct {
	cfg config.ProgramConfig

	st  *store.Store
	in  *queue.Queue
	out *queue.Queue

	admissionFilter *admission.Filter
	pool            *smsc.Pool
	rt              *router.Router
	mux             *boxc.Multiplexer
	responder       *wtp.Responder

	sup   *supervisor.Supervisor
	admin *admin.Server
	sched *scheduler.Scheduler
}

func buildComponents(cfg config.ProgramConfig) (*components, error) {
	path, storeOpts := cfg.StoreOptions()
	st, err := store.New(path, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	in := queue.New()
	out := queue.New()

	// The box multiplexer is the long-lived producer of outgoing sms (smsbox
	// peers submitting traffic via boxDispatcher.Dispatch), registered here
	// rather than at Listen time so the recovery replay below has a producer
	// slot to produce under; removed on mux shutdown in server.go.
	out.AddProducer()

	// §4.5 recovery: replay every sms the store recovered as still un-acked
	// onto the outgoing queue, so delivery resumes after a crash instead of
	// merely being remembered in the store's bookkeeping.
	for _, m := range st.Dump() {
		out.Produce(m)
	}

	if cfg.Events.Address != "" {
		events.Keys = cfg.Events
		events.Connect()
	}

	admissionFilter := admission.New(cfg.AdmissionConfig(), st, in)
	pool := smsc.New(in, out, admissionFilter)

	rt, err := router.New(cfg.RouterConfig(), pool, st)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	// The responder needs a Sender wrapping the multiplexer, and the
	// multiplexer needs a Dispatcher wrapping the responder; box connections
	// are only accepted later in server.go's Start, so constructing mux
	// first and closing over it in boxSender breaks the cycle.
	mux := boxc.New(cfg.BoxMultiplexerAddr(), nil)
	responder := wtp.NewResponder(cfg.WTPMachineConfig(), &boxSender{mux: mux}, logIndicator{})
	mux.SetDispatcher(&boxDispatcher{outgoing: out, wtp: responder})

	sup := supervisor.New(admissionFilter, pool, in, out)

	sched, err := scheduler.New(cfg.SchedulerConfig(), st, pool, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	adminSrv := admin.New(cfg.AdminConfig(), sup, pool)

	return &components{
		cfg:             cfg,
		st:              st,
		in:              in,
		out:             out,
		admissionFilter: admissionFilter,
		pool:            pool,
		rt:              rt,
		mux:             mux,
		responder:       responder,
		sup:             sup,
		admin:           adminSrv,
		sched:           sched,
	}, nil
}
