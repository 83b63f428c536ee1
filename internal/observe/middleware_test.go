package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// roomsMux is a small mux with the same route shapes as the gateway.
func roomsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/rooms/{room}/transcript", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/rooms/{room}/media", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusNormalClosure, "")
	})
	return mux
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		traceparent string
		wantStatus  int
		wantSpan    string
		wantRoute   string
	}{
		{
			name:       "matched route",
			path:       "/v1/rooms/standup/transcript",
			wantStatus: http.StatusOK,
			wantSpan:   "HTTP GET /v1/rooms/{room}/transcript",
			wantRoute:  "/v1/rooms/{room}/transcript",
		},
		{
			name:       "unmatched route",
			path:       "/nope",
			wantStatus: http.StatusNotFound,
			wantSpan:   "HTTP GET unmatched",
			wantRoute:  "unmatched",
		},
		{
			name:        "incoming trace context",
			path:        "/v1/rooms/standup/transcript",
			traceparent: "00-" + incomingTraceID + "-00f067aa0ba902b7-01",
			wantStatus:  http.StatusOK,
			wantSpan:    "HTTP GET /v1/rooms/{room}/transcript",
			wantRoute:   "/v1/rooms/{room}/transcript",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reader := newTestMetrics(t)
			exp := installTracer(t)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			Middleware(m)(roomsMux()).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			cid := rec.Header().Get("X-Correlation-ID")
			if len(cid) != 32 {
				t.Errorf("X-Correlation-ID = %q", cid)
			}
			if tt.traceparent != "" && cid != incomingTraceID {
				t.Errorf("X-Correlation-ID = %q, want incoming trace %q", cid, incomingTraceID)
			}
			if seen := rec.Header().Get("X-Seen-Correlation"); seen != "" && seen != cid {
				t.Errorf("handler saw correlation %q, response carries %q", seen, cid)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			if spans[0].Name != tt.wantSpan {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantSpan)
			}
			var status int64
			for _, kv := range spans[0].Attributes {
				if kv.Key == "http.response.status_code" {
					status = kv.Value.AsInt64()
				}
			}
			if status != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", status, tt.wantStatus)
			}

			rm := collect(t, reader)
			met := findMetric(rm, "meetscribe.http.request.duration")
			if met == nil {
				t.Fatal("request duration not recorded")
			}
			dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
			if v, _ := dp.Attributes.Value("path"); v.AsString() != tt.wantRoute {
				t.Errorf("path attribute = %q, want %q", v.AsString(), tt.wantRoute)
			}
		})
	}
}

func TestMiddleware_WebsocketUpgrade(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)

	srv := httptest.NewServer(Middleware(m)(roomsMux()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/rooms/standup/media"
	c, resp, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("upgrade response lacks X-Correlation-ID")
	}
	_, _, _ = c.Read(context.Background())
	c.CloseNow()

	// the span ends when the handler returns, after the hijacked conn closed
	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" && kv.Value.AsInt64() != http.StatusSwitchingProtocols {
			t.Errorf("status attribute = %d, want 101", kv.Value.AsInt64())
		}
	}
}
