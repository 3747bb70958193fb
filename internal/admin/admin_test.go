package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kannelcore/bearerbox/internal/smsc"
	"github.com/kannelcore/bearerbox/internal/supervisor"
)

type fakeSupervisor struct {
	calls []string
}

func (f *fakeSupervisor) Isolate() string       { f.calls = append(f.calls, "isolate"); return "isolated" }
func (f *fakeSupervisor) Suspend() string       { f.calls = append(f.calls, "suspend"); return "suspended" }
func (f *fakeSupervisor) Resume() string        { f.calls = append(f.calls, "resume"); return "running" }
func (f *fakeSupervisor) Shutdown() string      { f.calls = append(f.calls, "shutdown"); return "shutdown initiated" }
func (f *fakeSupervisor) RestartSMSC(id string) string {
	f.calls = append(f.calls, "restart:"+id)
	return "restarted " + id
}
func (f *fakeSupervisor) StopSMSC(id string) string {
	f.calls = append(f.calls, "stop:"+id)
	return "stopped " + id
}
func (f *fakeSupervisor) FlushDLR() string     { return "no buffered dlr to flush" }
func (f *fakeSupervisor) State() supervisor.State { return supervisor.Running }

type fakePool struct{}

func (fakePool) Status() []smsc.StatusSnapshot {
	return []smsc.StatusSnapshot{{ID: "a", Status: smsc.StatusActive}}
}

func newTestServer() (*Server, *fakeSupervisor) {
	sup := &fakeSupervisor{}
	s := New(Config{Addr: "127.0.0.1:0"}, sup, fakePool{})
	return s, sup
}

func TestShutdownRouteInvokesSupervisor(t *testing.T) {
	s, sup := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/admin/shutdown", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, sup.calls, "shutdown")
	assert.Contains(t, rr.Body.String(), "shutdown initiated")
}

func TestSMSCStopRoutePassesID(t *testing.T) {
	s, sup := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/admin/smsc/foo/stop", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Contains(t, sup.calls, "stop:foo")
	assert.Contains(t, rr.Body.String(), "stopped foo")
}

func TestStatusRouteReportsConnectors(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"running"`)
	assert.Contains(t, rr.Body.String(), `"a"`)
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/admin/metrics", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "bearerbox_smsc_connectors_active")
}
