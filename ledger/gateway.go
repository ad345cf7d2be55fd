package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrSubmission wraps any failed call to the permissioned ledger API.
	ErrSubmission = errors.New("ledger: submission failed")
	// ErrUnresolved marks a call that timed out after the request left. The
	// ledger may still have committed it.
	ErrUnresolved = errors.New("ledger: submission outcome unknown")
)

// TokenProvider supplies the bearer token for each call.
type TokenProvider interface {
	Token() (string, error)
}

// Account is the ledger identity created for a login.
type Account struct {
	Username string `json:"username"`
	Address  string `json:"address"`
}

// GatewayOptions tunes the HTTP client. Zero values select defaults.
type GatewayOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	RPS        float64
	Burst      int
	Logger     *slog.Logger
}

// Gateway calls the permissioned ledger's HTTP API.
type Gateway struct {
	profile Profile
	tokens  TokenProvider
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGateway builds a gateway for profile.
func NewGateway(profile Profile, tokens TokenProvider, opts GatewayOptions) *Gateway {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		profile: profile,
		tokens:  tokens,
		client:  client,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// RegisterAccount creates the ledger account bound to the caller's token.
func (g *Gateway) RegisterAccount(ctx context.Context, login string) (Account, error) {
	body := map[string]string{
		"loginFromJwt": "true",
		"password":     login,
	}
	var out Account
	if err := g.post(ctx, "/api/accounts", body, &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

type invokeRequest struct {
	Peers             []string `json:"peers"`
	ABI               string   `json:"abi"`
	Method            string   `json:"method"`
	Args              []string `json:"args"`
	CommitTransaction bool     `json:"commitTransaction"`
}

type invokeResult struct {
	Transaction string          `json:"transaction"`
	Result      json.RawMessage `json:"result"`
}

// Transfer moves amount tokens to the given address and returns the ledger
// transaction id.
func (g *Gateway) Transfer(ctx context.Context, to, amount string) (string, error) {
	res, err := g.invoke(ctx, "transfer", []string{to, amount}, true)
	if err != nil {
		return "", err
	}
	if res.Transaction == "" {
		return "", fmt.Errorf("%w: transfer returned no transaction id", ErrSubmission)
	}
	return res.Transaction, nil
}

// Balance queries the token balance of address without committing.
func (g *Gateway) Balance(ctx context.Context, address string) (string, error) {
	res, err := g.invoke(ctx, "getBalance", []string{address}, false)
	if err != nil {
		return "", err
	}
	return decodeScalar(res.Result)
}

func (g *Gateway) invoke(ctx context.Context, method string, args []string, commit bool) (invokeResult, error) {
	path := fmt.Sprintf("/api/networks/%s/contracts/%s/actions/invoke",
		url.PathEscape(g.profile.Network), url.PathEscape(g.profile.Token.Address))
	req := invokeRequest{
		Peers:             g.profile.Peers,
		ABI:               g.profile.Token.ABI,
		Method:            method,
		Args:              args,
		CommitTransaction: commit,
	}
	var out invokeResult
	if err := g.post(ctx, path, req, &out); err != nil {
		return invokeResult{}, err
	}
	return out, nil
}

func (g *Gateway) post(ctx context.Context, path string, body, out any) error {
	token, err := g.tokens.Token()
	if err != nil {
		return fmt.Errorf("ledger: credentials: %w", err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger: throttle: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ledger: encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	endpoint := strings.TrimRight(g.profile.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransport(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Warn("ledger call rejected", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d: %s", ErrSubmission, resp.StatusCode, snippet(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrSubmission, err)
	}
	return nil
}

// classifyTransport keeps timeouts apart from rejections.
func classifyTransport(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	return fmt.Errorf("%w: %w", ErrSubmission, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func decodeScalar(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "0", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("ledger: unexpected balance result %s", snippet(raw))
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
