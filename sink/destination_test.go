package sink

import (
	"errors"
	"testing"
	"time"
)

func TestParseSRTDestination(t *testing.T) {
	t.Parallel()

	d, err := ParseDestination("srt://ingest.example.com:7000?mode=caller&payloadsize=1316&transtype=live&streamid=live/abc&latency=120")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Scheme != "srt" {
		t.Fatalf("got scheme %q, want srt", d.Scheme)
	}
	if d.Host != "ingest.example.com:7000" {
		t.Fatalf("got host %q", d.Host)
	}
	if d.Mode != "caller" || d.PayloadSize != 1316 || d.TransType != "live" {
		t.Fatalf("got mode=%q payloadsize=%d transtype=%q", d.Mode, d.PayloadSize, d.TransType)
	}
	if d.StreamID != "live/abc" {
		t.Fatalf("got streamid %q", d.StreamID)
	}
	if d.Latency != 120*time.Millisecond {
		t.Fatalf("got latency %v, want 120ms", d.Latency)
	}
}

func TestParseSRTDefaultsPort(t *testing.T) {
	t.Parallel()

	d, err := ParseDestination("srt://host")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Host != "host:6000" {
		t.Fatalf("got host %q, want host:6000", d.Host)
	}
	if d.Mode != "" || d.PayloadSize != 0 || d.TransType != "" {
		t.Fatal("unset parameters should stay zero")
	}
}

func TestParseRTMPDestination(t *testing.T) {
	t.Parallel()

	d, err := ParseDestination("rtmp://media.example.com/live/streamkey123")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.Host != "media.example.com:1935" {
		t.Fatalf("got host %q", d.Host)
	}
	if d.App != "live" || d.StreamKey != "streamkey123" {
		t.Fatalf("got app=%q key=%q", d.App, d.StreamKey)
	}
	if got := d.TCURL(); got != "rtmp://media.example.com:1935/live" {
		t.Fatalf("got tcURL %q", got)
	}
}

func TestParseRTMPNestedApp(t *testing.T) {
	t.Parallel()

	d, err := ParseDestination("rtmp://host/live/eu/key")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if d.App != "live/eu" || d.StreamKey != "key" {
		t.Fatalf("got app=%q key=%q", d.App, d.StreamKey)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		"http://host/live/key",
		"srt://",
		"srt://host?payloadsize=banana",
		"srt://host?latency=-5",
		"rtmp://host",
		"rtmp://host/apponly",
	}
	for _, raw := range cases {
		_, err := ParseDestination(raw)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%q: got %v, want ConfigError", raw, err)
		}
	}
}
