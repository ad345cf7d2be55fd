package ledger

import (
	"sync"
	"time"
)

// Conn is the subset of *websocket.Conn the push channel uses.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// StatusEvent is one inbound transaction-status report.
type StatusEvent struct {
	TxID   string
	Status string
}

type statusRequest struct {
	Command string            `json:"command"`
	Args    statusRequestArgs `json:"args"`
}

type statusRequestArgs struct {
	Network      string   `json:"network"`
	Peers        []string `json:"peers"`
	InitiateUser string   `json:"initiateUser"`
	TxID         string   `json:"txId"`
}

type inboundMessage struct {
	Response *struct {
		Status string `json:"status"`
		TxID   string `json:"txId"`
	} `json:"response"`

	// Older ledger builds push {type:"transaction", payload:{status, transaction}}.
	Type    string `json:"type"`
	Payload *struct {
		Status      string `json:"status"`
		Transaction string `json:"transaction"`
	} `json:"payload"`
}

// Stream is one live push-channel connection handed to a session.
type Stream struct {
	conn    Conn
	profile Profile

	writeMu sync.Mutex
}

// NewStream wraps an open connection for a session.
func NewStream(conn Conn, profile Profile) *Stream {
	return &Stream{conn: conn, profile: profile}
}

// SendStatusRequest asks the ledger to re-report the status of txID.
// Safe to call concurrently with Next.
func (s *Stream) SendStatusRequest(txID string) error {
	msg := statusRequest{
		Command: "TRANSACTION_STATUS",
		Args: statusRequestArgs{
			Network:      s.profile.Network,
			Peers:        s.profile.Peers,
			InitiateUser: s.profile.InitiateUser,
			TxID:         txID,
		},
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Next blocks until the next status event. Messages that carry no status
// are skipped.
func (s *Stream) Next() (StatusEvent, error) {
	for {
		var msg inboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return StatusEvent{}, err
		}
		switch {
		case msg.Response != nil && msg.Response.TxID != "":
			return StatusEvent{TxID: msg.Response.TxID, Status: msg.Response.Status}, nil
		case msg.Type == "transaction" && msg.Payload != nil && msg.Payload.Transaction != "":
			return StatusEvent{TxID: msg.Payload.Transaction, Status: msg.Payload.Status}, nil
		}
	}
}
