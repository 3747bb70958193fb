package main

import (
	"context"
	"time"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/runtimeenv"
)

// serverStart brings every wired component up: the outgoing router task,
// the incoming-to-box delivery loop, the box-connection listener, the admin
// HTTP surface and the housekeeping scheduler. It returns once everything
// that can fail fast has started; the long-running pieces continue in their
// own goroutines, mirroring the teacher's serve-in-goroutine-then-return
// shape.
func serverStart(c *components) error {
	if err := c.pool.Start(c.cfg.SMSCPoolConfigs()); err != nil {
		return err
	}

	go c.rt.Run()
	go deliverIncoming(c)

	go func() {
		if err := c.mux.Listen(); err != nil {
			blog.Errorf("bearerbox: box multiplexer stopped: %v", err)
		}
	}()

	if err := c.admin.Start(); err != nil {
		return err
	}

	if err := c.sched.Start(); err != nil {
		return err
	}

	runtimeenv.SystemdNotify(true, "bearerbox running")
	blog.Infof("bearerbox: running (box_addr=%s admin_addr=%s)", c.cfg.BoxMultiplexerAddr(), c.cfg.AdminConfig().Addr)
	return nil
}

// deliverIncoming drains admitted mo sms toward connected smsbox peers
// until the incoming queue is closed (every SMSC connector killed, §4.8
// avalanche shutdown).
func deliverIncoming(c *components) {
	for {
		m, ok := c.in.Consume()
		if !ok {
			blog.Info("bearerbox: incoming queue closed, delivery loop exiting")
			return
		}
		if err := c.mux.Route(m); err != nil {
			blog.Warnf("bearerbox: delivering incoming sms id=%d failed: %v", m.SMS.ID, err)
		}
	}
}

// serverShutdown runs the supervisor's avalanche shutdown and waits,
// bounded, for every queue to drain before tearing down the ancillary
// servers — mirroring the teacher's shutdown-then-wait-for-pending-work
// sequencing (serverShutdown in cmd/cc-backend/server.go).
func serverShutdown(c *components) {
	runtimeenv.SystemdNotify(false, "shutting down")

	if err := c.sup.ShutdownAndWait(30 * time.Second); err != nil {
		blog.Warnf("bearerbox: shutdown did not reach Dead cleanly: %v", err)
	}

	if err := c.mux.Shutdown(); err != nil {
		blog.Warnf("bearerbox: box multiplexer shutdown: %v", err)
	}
	c.out.RemoveProducer()

	if err := c.sched.Shutdown(); err != nil {
		blog.Warnf("bearerbox: scheduler shutdown: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.admin.Shutdown(ctx); err != nil {
		blog.Warnf("bearerbox: admin shutdown: %v", err)
	}

	if err := c.st.Shutdown(); err != nil {
		blog.Warnf("bearerbox: store shutdown: %v", err)
	}
}
