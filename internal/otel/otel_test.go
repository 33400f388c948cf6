package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" Authorization=Basic abc=, x-team = core ,bogus,=nokey")
	want := map[string]string{"Authorization": "Basic abc=", "x-team": "core"}
	if len(got) != len(want) {
		t.Fatalf("headers = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("header %q = %q, want %q", k, got[k], v)
		}
	}
	if len(parseHeaders("")) != 0 {
		t.Error("empty input should yield no headers")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		want    endpoint
		wantErr bool
	}{
		{"http://localhost:4318", endpoint{host: "localhost:4318", insecure: true}, false},
		{"https://cloud.langfuse.com/api/public/otel/", endpoint{host: "cloud.langfuse.com", basePath: "/api/public/otel"}, false},
		{"localhost:4318", endpoint{}, true},
		{"://bad", endpoint{}, true},
	}
	for _, tt := range tests {
		got, err := parseEndpoint(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEndpoint(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEndpoint(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	tel, err := Init(context.Background(), OTELConfig{Session: "orchflow-test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if tel.Enabled() {
		t.Error("telemetry without endpoint should be disabled")
	}
	if tel.Tracer == nil || tel.Metrics == nil {
		t.Fatal("tracer and metrics should be usable without an endpoint")
	}
	tel.Metrics.RecordSpawn(context.Background(), "tmux", true)
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}

	var none *Telemetry
	if none.Enabled() || none.Shutdown(context.Background()) != nil {
		t.Error("nil telemetry should be disabled and shut down cleanly")
	}
}
