package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EventReceived("message")
	m.Send(SendSent, time.Millisecond)
	m.StaleFetch("history")
	m.Reconnected()
	m.Resync("ok")
	m.SetUnread(3)
	m.ObserveFetch("directory", time.Now())
	m.RegisterGaugeFunc("x", "x", func() float64 { return 0 })
}

func TestServeExposesCollectors(t *testing.T) {
	m := New()
	m.EventReceived("message")
	m.EventReceived("message")
	m.Send(SendFailed, 0)
	m.StaleFetch("history")
	m.SetUnread(7)
	m.RegisterGaugeFunc("bus_dropped_events", "dropped", func() float64 { return 2 })

	srv, err := Listen("127.0.0.1:0", m, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`nexus_events_received_total{event="message"} 2`,
		`nexus_sends_total{result="failed"} 1`,
		`nexus_stale_fetches_discarded_total{fetch="history"} 1`,
		`nexus_unread_messages 7`,
		`nexus_bus_dropped_events 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
