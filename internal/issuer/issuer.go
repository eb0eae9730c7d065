package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/persona"
	"github.com/antoniostano/voicerelay/internal/policy"
	"github.com/antoniostano/voicerelay/internal/protocol"
)

const (
	BetaHeader      = "OpenAI-Beta"
	BetaHeaderValue = "realtime=v1"

	maxResponseBytes = 1 << 20
	maxErrorBytes    = 4 << 10
)

// Config holds the upstream settings the issuer needs per request.
type Config struct {
	BaseURL       string
	APIKey        string
	APIVersion    string
	Model         string
	Region        string
	AudioFormat   string
	Defaults      persona.Settings
	TurnDetection protocol.TurnDetection
	Timeout       time.Duration
}

// Credential is the normalized, persona-scoped result of one issuance.
type Credential struct {
	Secret             string
	ExpiresAt          time.Time
	RealtimeURL        string
	Voice              string
	SystemInstructions string
	PersonaID          string
}

// Issuer negotiates short-lived realtime credentials with the upstream.
// It holds no per-request state and is safe for concurrent use.
type Issuer struct {
	cfg      Config
	registry *persona.Registry
	client   *http.Client
	logger   *log.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

type Option func(*Issuer)

func WithHTTPClient(c *http.Client) Option {
	return func(i *Issuer) {
		if c != nil {
			i.client = c
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func New(cfg Config, registry *persona.Registry, opts ...Option) *Issuer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "pcm16"
	}
	i := &Issuer{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{},
		logger:   observability.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Configured reports whether the upstream base URL and key are present.
func (i *Issuer) Configured() bool {
	return strings.TrimSpace(i.cfg.BaseURL) != "" && strings.TrimSpace(i.cfg.APIKey) != ""
}

// ResolveSettings returns the effective voice/instructions for a persona id.
// Unknown ids fall back to the process defaults.
func (i *Issuer) ResolveSettings(personaID string) (persona.Settings, bool) {
	return i.registry.Resolve(personaID, i.cfg.Defaults)
}

// SessionSettings renders the configuration shared by issuance and the relay
// handshake.
func (i *Issuer) SessionSettings(s persona.Settings) protocol.SessionSettings {
	return protocol.NewSessionSettings(s.Voice, s.Instructions, i.cfg.AudioFormat, i.cfg.TurnDetection)
}

// CreateSessionToken asks the upstream for a credential scoped to personaID
// (which may be empty or unknown).
func (i *Issuer) CreateSessionToken(ctx context.Context, personaID string) (Credential, error) {
	cred, err := i.createSessionToken(ctx, personaID)
	i.metrics.ObserveIssuance(outcomeOf(err))
	return cred, err
}

func (i *Issuer) createSessionToken(ctx context.Context, personaID string) (Credential, error) {
	if !i.Configured() {
		return Credential{}, fmt.Errorf("%w: upstream base url and api key are required", ErrConfigurationInvalid)
	}
	endpoint, err := SessionsEndpoint(i.cfg.BaseURL, i.cfg.APIVersion)
	if err != nil {
		return Credential{}, err
	}

	personaID = strings.TrimSpace(personaID)
	settings, found := i.ResolveSettings(personaID)
	if personaID != "" && !found {
		i.logger.Warn("unknown persona, using defaults", "persona_id", personaID)
		personaID = ""
	}

	payload, err := json.Marshal(protocol.SessionCreateRequest{
		Model:           i.cfg.Model,
		SessionSettings: i.SessionSettings(settings),
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal session request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: create request: %v", ErrConfigurationInvalid, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", i.cfg.APIKey)
	req.Header.Set(BetaHeader, BetaHeaderValue)

	start := time.Now()
	res, err := i.client.Do(req)
	i.metrics.ObserveUpstreamLatency("create_session", time.Since(start))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBytes))
		body, _ := policy.RedactCredentials(strings.TrimSpace(string(raw)))
		i.logger.Error("upstream rejected session request", "status", res.StatusCode, "body", body)
		return Credential{}, &RejectedError{StatusCode: res.StatusCode, Body: body}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}

	parsed, err := parseSessionResponse(raw, i.now().UTC())
	if err != nil {
		i.logger.Error("unexpected session response", "err", err)
		return Credential{}, err
	}

	realtimeURL := parsed.RealtimeURL
	if realtimeURL == "" {
		realtimeURL = RegionRealtimeURL(i.cfg.Region)
	}

	i.logger.Info("issued realtime session",
		"persona_id", personaID,
		"voice", settings.Voice,
		"secret", policy.MaskSecret(parsed.Secret),
		"expires_at", parsed.ExpiresAt.Format(time.RFC3339),
	)

	return Credential{
		Secret:             parsed.Secret,
		ExpiresAt:          parsed.ExpiresAt,
		RealtimeURL:        realtimeURL,
		Voice:              settings.Voice,
		SystemInstructions: settings.Instructions,
		PersonaID:          personaID,
	}, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfigurationInvalid):
		return "configuration_invalid"
	case errors.Is(err, ErrUpstreamRejected):
		return "upstream_rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "upstream_unavailable"
	}
}
