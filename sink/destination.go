package sink

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConfigError marks an invalid destination detected before any I/O. Open
// fails synchronously with a ConfigError and makes no connection attempt.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sink: invalid destination parameter %q: %s", e.Param, e.Reason)
}

// Destination is a parsed egress target. SRT parameters arrive in the URL
// query string; RTMP carries only the app path and stream key.
type Destination struct {
	Scheme string // "srt", "rtmp", "rtmps"
	Host   string // host:port, port defaulted per scheme

	// SRT query parameters. Zero values mean "not set by the caller".
	Mode        string
	PayloadSize int
	TransType   string
	StreamID    string
	Latency     time.Duration

	// RTMP path components.
	App       string
	StreamKey string
}

const (
	defaultSRTPort  = "6000"
	defaultRTMPPort = "1935"
)

// ParseDestination parses and validates a destination URL. Unknown schemes
// and malformed parameters fail fast so no connection attempt is wasted on
// a target that cannot work.
func ParseDestination(raw string) (*Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("sink: parse destination: %w", err)
	}

	switch u.Scheme {
	case "srt":
		return parseSRT(u)
	case "rtmp", "rtmps":
		return parseRTMP(u)
	default:
		return nil, &ConfigError{Param: "scheme", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
}

func parseSRT(u *url.URL) (*Destination, error) {
	if u.Hostname() == "" {
		return nil, &ConfigError{Param: "host", Reason: "missing host"}
	}
	d := &Destination{
		Scheme: "srt",
		Host:   hostPort(u, defaultSRTPort),
	}

	q := u.Query()
	d.Mode = q.Get("mode")
	d.TransType = q.Get("transtype")
	d.StreamID = q.Get("streamid")

	if v := q.Get("payloadsize"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return nil, &ConfigError{Param: "payloadsize", Reason: fmt.Sprintf("invalid value %q", v)}
		}
		d.PayloadSize = size
	}
	if v := q.Get("latency"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, &ConfigError{Param: "latency", Reason: fmt.Sprintf("invalid value %q", v)}
		}
		d.Latency = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

func parseRTMP(u *url.URL) (*Destination, error) {
	if u.Hostname() == "" {
		return nil, &ConfigError{Param: "host", Reason: "missing host"}
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return nil, &ConfigError{Param: "path", Reason: "missing app/streamkey path"}
	}

	d := &Destination{
		Scheme: u.Scheme,
		Host:   hostPort(u, defaultRTMPPort),
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		d.App = path[:i]
		d.StreamKey = path[i+1:]
	} else {
		d.App = path
	}
	if d.StreamKey == "" {
		return nil, &ConfigError{Param: "path", Reason: "missing stream key"}
	}
	return d, nil
}

// TCURL returns the RTMP connect URL without the stream key, as expected by
// the NetConnection connect command.
func (d *Destination) TCURL() string {
	return fmt.Sprintf("%s://%s/%s", d.Scheme, d.Host, d.App)
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}
