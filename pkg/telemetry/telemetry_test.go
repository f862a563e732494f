package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsHandlerExposesSeries(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "stratus"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordOrderAdmitted("deploy")
	m.RecordOrderFinalized("deploy", "successful", 3*time.Second)
	m.RecordCallback(false)
	m.SetStaleOrders(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`stratus_orders_admitted_total{type="deploy"} 1`,
		`stratus_orders_finalized_total{status="successful",type="deploy"} 1`,
		`stratus_callbacks_total{result="discarded"} 1`,
		`stratus_stale_orders 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordOrderAdmitted("deploy")
	m.RecordPluginCall("openstack", "start", time.Second)
	m.SetStaleOrders(1)
	if m.Registry() != nil {
		t.Error("disabled metrics should not own a registry")
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByOrderID("o-1"))

	_ = ep.Publish(Event{Type: "order_finalized", OrderID: "o-1"})
	_ = ep.Publish(Event{Type: "order_finalized", OrderID: "o-2"})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("publisher should stamp id and timestamp")
	}
	if got[0].Level != EventLevelInfo {
		t.Errorf("expected default level info, got %s", got[0].Level)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		if err := ep.Publish(Event{Type: "order_admitted"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected 10 delivered events, got %d", count)
	}
}

func TestRecordPluginOperation(t *testing.T) {
	tel := NewNop()
	boom := errors.New("nova unavailable")

	err := tel.RecordPluginOperation(context.Background(), "openstack", "stop", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped plugin error, got %v", err)
	}
}
