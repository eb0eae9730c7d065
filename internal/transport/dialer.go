package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/protocol"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// UpstreamURL resolves the realtime socket address: an explicit override
// wins, then the base URL with its scheme switched to ws(s) and "/realtime"
// appended, then the public default. The model is added as a query parameter.
func UpstreamURL(baseURL, override, model string) (string, error) {
	raw := strings.TrimSpace(override)
	if raw == "" {
		raw = defaultRealtimeURL
		if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
			raw = base + "/realtime"
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported upstream url scheme %q", u.Scheme)
	}
	if m := strings.TrimSpace(model); m != "" {
		q := u.Query()
		q.Set("model", m)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dialer opens upstream realtime sockets.
type Dialer struct {
	URL        string
	BetaHeader string
	BetaValue  string
	Timeout    time.Duration
	Options    Options

	dialer websocket.Dialer
}

func NewDialer(url, betaHeader, betaValue string, timeout time.Duration, opts Options) *Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{
		URL:        url,
		BetaHeader: betaHeader,
		BetaValue:  betaValue,
		Timeout:    timeout,
		Options:    opts,
		dialer: websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  timeout,
			EnableCompression: false,
		},
	}
}

// Dial connects with the caller's bearer credential.
func (d *Dialer) Dial(ctx context.Context, bearer string) (protocol.Duplex, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+bearer)
	if d.BetaHeader != "" {
		headers.Set(d.BetaHeader, d.BetaValue)
	}

	conn, res, err := d.dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial upstream: status %d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	return NewBridge(conn, d.Options), nil
}
