package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ledgerflow/auth"
)

type fakeConn struct {
	reads  chan any
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writes   []json.RawMessage
	controls []int
}

func newFakeConn(script ...any) *fakeConn {
	c := &fakeConn{reads: make(chan any, len(script)+1), closed: make(chan struct{})}
	for _, item := range script {
		c.reads <- item
	}
	return c
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case item := <-c.reads:
		if err, ok := item.(error); ok {
			return err
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	case <-c.closed:
		return errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, raw)
	return nil
}

func (c *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) >= 2 {
		c.controls = append(c.controls, int(binary.BigEndian.Uint16(data[:2])))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.controls...)
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token() (string, error) { return s.token, s.err }

type dialRecorder struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	next  int
}

func (d *dialRecorder) dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.next >= len(d.conns) {
		return nil, errors.New("no more connections")
	}
	c := d.conns[d.next]
	d.next++
	return c, nil
}

func (d *dialRecorder) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func drain(ctx context.Context, s *Stream) error {
	for {
		if _, err := s.Next(); err != nil {
			return err
		}
	}
}

func testProfile() Profile {
	return Profile{Network: "net", Peers: []string{"peer0"}, InitiateUser: "ops", BaseURL: "http://ledger", WSURL: "ledger:8080", Token: Token{Address: "tok"}}
}

func newTestChannel(d *dialRecorder) (*PushChannel, *[]time.Duration) {
	var waits []time.Duration
	p := NewPushChannel(testProfile(), staticTokens{token: "jwt"}, PushOptions{Backoff: 1500 * time.Millisecond, Dial: d.dial})
	p.wait = func(ctx context.Context, d time.Duration) bool {
		waits = append(waits, d)
		return ctx.Err() == nil
	}
	return p, &waits
}

func TestPushChannel_PolicyViolationDoesNotReconnect(t *testing.T) {
	d := &dialRecorder{conns: []*fakeConn{
		newFakeConn(&websocket.CloseError{Code: websocket.ClosePolicyViolation}),
	}}
	p, waits := newTestChannel(d)

	if err := p.Run(context.Background(), drain); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.dials() != 1 {
		t.Fatalf("expected 1 dial, got %d", d.dials())
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no reconnect scheduled, got %v", *waits)
	}
}

func TestPushChannel_AbnormalCloseReconnectsOnce(t *testing.T) {
	d := &dialRecorder{conns: []*fakeConn{
		newFakeConn(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}),
		newFakeConn(&websocket.CloseError{Code: websocket.CloseNormalClosure}),
	}}
	p, waits := newTestChannel(d)

	var reconnects int
	p.onReconnect = func() { reconnects++ }

	if err := p.Run(context.Background(), drain); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.dials() != 2 {
		t.Fatalf("expected 2 dials, got %d", d.dials())
	}
	if len(*waits) != 1 || (*waits)[0] != 1500*time.Millisecond {
		t.Fatalf("expected exactly one backoff wait, got %v", *waits)
	}
	if reconnects != 1 {
		t.Fatalf("expected 1 reconnect, got %d", reconnects)
	}
}

func TestPushChannel_ErrorForceClosesWithPolicyViolation(t *testing.T) {
	first := newFakeConn(errors.New("unexpected EOF"))
	d := &dialRecorder{conns: []*fakeConn{
		first,
		newFakeConn(&websocket.CloseError{Code: websocket.CloseNormalClosure}),
	}}
	p, waits := newTestChannel(d)

	if err := p.Run(context.Background(), drain); err != nil {
		t.Fatalf("run: %v", err)
	}
	codes := first.closeCodes()
	if len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
		t.Fatalf("expected force-close with 1008, got %v", codes)
	}
	if len(*waits) != 1 {
		t.Fatalf("expected one reconnect wait, got %d", len(*waits))
	}
}

func TestPushChannel_CancelClosesNormally(t *testing.T) {
	conn := newFakeConn()
	d := &dialRecorder{conns: []*fakeConn{conn}}
	p, waits := newTestChannel(d)

	ctx, cancel := context.WithCancel(context.Background())
	connected := make(chan struct{})
	session := func(ctx context.Context, s *Stream) error {
		close(connected)
		return drain(ctx, s)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, session) }()

	<-connected
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	codes := conn.closeCodes()
	if len(codes) != 1 || codes[0] != websocket.CloseNormalClosure {
		t.Fatalf("expected close with 1000, got %v", codes)
	}
	if len(*waits) != 0 {
		t.Fatalf("expected no reconnect after cancel, got %v", *waits)
	}
}

func TestPushChannel_ExpiredTokenStops(t *testing.T) {
	d := &dialRecorder{}
	p := NewPushChannel(testProfile(), staticTokens{err: auth.ErrTokenExpired}, PushOptions{Dial: d.dial})

	if err := p.Run(context.Background(), drain); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.dials() != 0 {
		t.Fatalf("expected no dial with expired token, got %d", d.dials())
	}
}

func TestPushChannel_EventsURL(t *testing.T) {
	d := &dialRecorder{conns: []*fakeConn{newFakeConn(&websocket.CloseError{Code: websocket.CloseNormalClosure})}}
	p, _ := newTestChannel(d)

	if err := p.Run(context.Background(), drain); err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := "ws://ledger:8080/events?tenant_token=jwt"; d.urls[0] != want {
		t.Fatalf("url = %s, want %s", d.urls[0], want)
	}
}

func TestStream_NextAndStatusRequest(t *testing.T) {
	conn := newFakeConn(
		map[string]any{"hello": "world"},
		map[string]any{"response": map[string]string{"status": "success", "txId": "tx-1"}},
		map[string]any{"type": "transaction", "payload": map[string]string{"status": "VALID", "transaction": "tx-2"}},
	)
	s := NewStream(conn, testProfile())

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.TxID != "tx-1" || ev.Status != "success" {
		t.Fatalf("unexpected event %+v", ev)
	}
	ev, err = s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.TxID != "tx-2" || ev.Status != "VALID" {
		t.Fatalf("unexpected legacy event %+v", ev)
	}

	if err := s.SendStatusRequest("tx-3"); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got struct {
		Command string `json:"command"`
		Args    struct {
			Network      string   `json:"network"`
			Peers        []string `json:"peers"`
			InitiateUser string   `json:"initiateUser"`
			TxID         string   `json:"txId"`
		} `json:"args"`
	}
	if err := json.Unmarshal(conn.writes[0], &got); err != nil {
		t.Fatalf("decode write: %v", err)
	}
	if got.Command != "TRANSACTION_STATUS" || got.Args.TxID != "tx-3" || got.Args.Network != "net" || got.Args.InitiateUser != "ops" {
		t.Fatalf("unexpected request %+v", got)
	}
}
