package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"ledgerflow/agreement"
	"ledgerflow/chain"
	"ledgerflow/intent"
	"ledgerflow/metrics"
	"ledgerflow/scheduler"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeSubmitter struct {
	ref string
	err error
	got uuid.UUID
}

func (f *fakeSubmitter) Submit(_ context.Context, id uuid.UUID) (string, error) {
	f.got = id
	return f.ref, f.err
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}})
	if rec := serve(r, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestRouter_ReadyReflectsDatabase(t *testing.T) {
	r := NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{err: errors.New("down")}})
	if rec := serve(r, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rec.Code)
	}

	r = NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}})
	if rec := serve(r, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	c := metrics.New()
	c.PushReconnects.Inc()
	r := NewRouter(Deps{Gatherer: c.Registry, DB: fakePinger{}})

	rec := serve(r, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ledgerflow_push_reconnects_total 1") {
		t.Fatalf("expected reconnect counter in body:\n%s", rec.Body.String())
	}
}

func TestRouter_Submit(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", intent.ErrNotFound, http.StatusNotFound},
		{"already submitted", intent.ErrNotUnconfirmed, http.StatusConflict},
		{"rejected", fmt.Errorf("%w: balance 0", chain.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{"unresolved", fmt.Errorf("%w: deadline", intent.ErrUnresolved), http.StatusGatewayTimeout},
		{"reference not recorded", fmt.Errorf("%w: 0xabc: db down", intent.ErrReferenceNotRecorded), http.StatusInternalServerError},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &fakeSubmitter{ref: "0xabc", err: tc.err}
			r := NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}, Submitter: s})

			rec := serve(r, http.MethodPost, "/internal/intents/"+id.String()+"/submit")
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if s.got != id {
				t.Fatalf("submitted %s, want %s", s.got, id)
			}
		})
	}
}

func TestRouter_SubmitRejectsBadID(t *testing.T) {
	r := NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}, Submitter: &fakeSubmitter{}})
	if rec := serve(r, http.MethodPost, "/internal/intents/not-a-uuid/submit"); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type fakeLifecycle struct {
	err      error
	deployed []uuid.UUID
	signed   []uuid.UUID
}

func (f *fakeLifecycle) Deploy(_ context.Context, id uuid.UUID) error {
	f.deployed = append(f.deployed, id)
	return f.err
}

func (f *fakeLifecycle) Sign(_ context.Context, id uuid.UUID) error {
	f.signed = append(f.signed, id)
	return f.err
}

func TestRouter_AgreementLifecycle(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"not found", agreement.ErrNotFound, http.StatusNotFound},
		{"already signed", agreement.ErrAlreadySigned, http.StatusConflict},
		{"wrong status", fmt.Errorf("%w: deploy from signed", agreement.ErrInvalidTransition), http.StatusConflict},
		{"not deployed", fmt.Errorf("%w: status draft", agreement.ErrNotDeployed), http.StatusConflict},
		{"unknown term", fmt.Errorf("%w: \"freeform\"", agreement.ErrUnknownAgreementTerm), http.StatusUnprocessableEntity},
		{"bad payment day", fmt.Errorf("agreement: payment day: %w", scheduler.ErrInvalidCadence), http.StatusUnprocessableEntity},
		{"rejected", fmt.Errorf("agreement: deploy: %w", chain.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, op := range []string{"deploy", "sign"} {
		for _, tc := range tests {
			t.Run(op+"/"+tc.name, func(t *testing.T) {
				l := &fakeLifecycle{err: tc.err}
				r := NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}, Agreements: l})

				rec := serve(r, http.MethodPost, "/internal/agreements/"+id.String()+"/"+op)
				if rec.Code != tc.want {
					t.Fatalf("status = %d, want %d", rec.Code, tc.want)
				}
				calls := l.deployed
				if op == "sign" {
					calls = l.signed
				}
				if len(calls) != 1 || calls[0] != id {
					t.Fatalf("expected one %s call for %s, got %v", op, id, calls)
				}
			})
		}
	}
}

func TestRouter_AgreementRoutesNeedLifecycle(t *testing.T) {
	r := NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}})
	if rec := serve(r, http.MethodPost, "/internal/agreements/"+uuid.New().String()+"/deploy"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	l := &fakeLifecycle{}
	r = NewRouter(Deps{Gatherer: metrics.New().Registry, DB: fakePinger{}, Agreements: l})
	if rec := serve(r, http.MethodPost, "/internal/agreements/nope/sign"); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(l.signed) != 0 {
		t.Fatal("expected no sign call for a malformed id")
	}
}
