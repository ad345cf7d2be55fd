package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ledgerflow/auth"
)

// errChannelDisconnected marks a session that ended without a close frame.
var errChannelDisconnected = errors.New("ledger: channel disconnected")

// Session consumes a live stream until it fails or ctx is cancelled.
type Session func(ctx context.Context, s *Stream) error

// DialFunc opens a websocket connection.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

// PushOptions tunes the push channel. Zero values select defaults.
type PushOptions struct {
	Backoff     time.Duration
	Dial        DialFunc
	OnReconnect func()
	Logger      *slog.Logger
}

// PushChannel keeps a websocket open to the ledger's event endpoint and
// reconnects according to how the previous connection closed.
type PushChannel struct {
	profile     Profile
	tokens      TokenProvider
	backoff     time.Duration
	dial        DialFunc
	wait        func(ctx context.Context, d time.Duration) bool
	onReconnect func()
	logger      *slog.Logger
}

// NewPushChannel builds a channel for profile.
func NewPushChannel(profile Profile, tokens TokenProvider, opts PushOptions) *PushChannel {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onReconnect := opts.OnReconnect
	if onReconnect == nil {
		onReconnect = func() {}
	}
	return &PushChannel{
		profile:     profile,
		tokens:      tokens,
		backoff:     backoff,
		dial:        dial,
		wait:        sleepCtx,
		onReconnect: onReconnect,
		logger:      logger,
	}
}

func dialWebsocket(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// sleepCtx waits d or until ctx ends. It reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type closeAction int

const (
	actionStop closeAction = iota
	actionReconnect
)

// Run dials, hands each connection to session, and reconnects per the close
// policy until ctx is cancelled or a non-recoverable close arrives.
func (p *PushChannel) Run(ctx context.Context, session Session) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		action, err := p.connectOnce(ctx, session)
		if action == actionStop {
			if err != nil {
				p.logger.Error("push channel stopped", slog.Any("err", err))
			}
			return nil
		}

		p.logger.Warn("push channel dropped, reconnecting", slog.Duration("backoff", p.backoff), slog.Any("err", err))
		if !p.wait(ctx, p.backoff) {
			return nil
		}
		p.onReconnect()
	}
}

func (p *PushChannel) connectOnce(ctx context.Context, session Session) (closeAction, error) {
	token, err := p.tokens.Token()
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrNoCredentials) {
			return actionStop, err
		}
		return actionReconnect, err
	}

	conn, err := p.dial(ctx, p.eventsURL(token))
	if err != nil {
		if ctx.Err() != nil {
			return actionStop, nil
		}
		return actionReconnect, fmt.Errorf("ledger: dial: %w", err)
	}
	p.logger.Info("push channel connected")

	err = p.serve(ctx, conn, session)
	return p.classify(ctx, conn, err)
}

func (p *PushChannel) serve(ctx context.Context, conn Conn, session Session) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session(sessCtx, NewStream(conn, p.profile))
	}()

	select {
	case <-ctx.Done():
		closeWith(conn, websocket.CloseNormalClosure, "shutdown")
		<-done
		return ctx.Err()
	case err := <-done:
		if err == nil {
			err = errChannelDisconnected
		}
		return err
	}
}

func (p *PushChannel) classify(ctx context.Context, conn Conn, err error) (closeAction, error) {
	if ctx.Err() != nil {
		return actionStop, nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		conn.Close()
		switch closeErr.Code {
		case websocket.CloseNormalClosure:
			p.logger.Info("push channel closed normally")
			return actionStop, nil
		case websocket.ClosePolicyViolation:
			return actionStop, fmt.Errorf("ledger: policy violation close: %s", closeErr.Text)
		default:
			return actionReconnect, err
		}
	}

	closeWith(conn, websocket.ClosePolicyViolation, "client error")
	return actionReconnect, err
}

func closeWith(conn Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (p *PushChannel) eventsURL(token string) string {
	base := strings.TrimRight(p.profile.WSURL, "/")
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	return base + "/events?tenant_token=" + url.QueryEscape(token)
}
