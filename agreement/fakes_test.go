package agreement

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgerflow/chain"
	"ledgerflow/intent"
	"ledgerflow/scheduler"
	"ledgerflow/wallet"
)

type fakeStore struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]Agreement
	transitions []TransitionParams
}

func newFakeStore(rows ...Agreement) *fakeStore {
	s := &fakeStore{rows: make(map[uuid.UUID]Agreement)}
	for _, a := range rows {
		s.rows[a.ID] = a
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) GetByStatus(_ context.Context, status Status) ([]Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Agreement
	for _, a := range s.rows {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetByOnChainAddress(_ context.Context, address string) (Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.rows {
		if a.ContractAddress != "" && strings.EqualFold(a.ContractAddress, address) {
			return a, nil
		}
	}
	return Agreement{}, ErrNotFound
}

func (s *fakeStore) GetByTxRef(_ context.Context, ref string) (Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.rows {
		if ref != "" && (a.TxHash == ref || a.SignTxHash == ref) {
			return a, nil
		}
	}
	return Agreement{}, ErrNotFound
}

func (s *fakeStore) Save(_ context.Context, a Agreement) (Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[a.ID] = a
	return a, nil
}

func (s *fakeStore) Transition(_ context.Context, p TransitionParams) (bool, error) {
	if err := p.validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[p.AgreementID]
	if !ok {
		return false, ErrNotFound
	}
	if a.Status == p.NextStatus {
		return false, nil
	}
	if !CanTransition(a.Status, p.NextStatus) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, p.NextStatus)
	}
	a.Status = p.NextStatus
	switch p.NextStatus {
	case StatusDeployPending:
		a.TxHash = p.TxHash
	case StatusDeployed:
		a.ContractAddress = p.ContractAddress
	case StatusSignPending:
		a.SignTxHash = p.SignTxHash
	case StatusSigned:
		now := time.Now()
		a.IsSignedByEmployee = true
		a.SignedAt = &now
	}
	s.rows[a.ID] = a
	s.transitions = append(s.transitions, p)
	return true, nil
}

func (s *fakeStore) get(id uuid.UUID) Agreement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

type fakeChain struct {
	mu sync.Mutex

	deploys   []chain.DeployInput
	transacts []chain.CallInput
	submits   []chain.TransferInput

	deployRef   string
	deployErr   error
	transactRef string
	submitRef   string
	submitErr   error
	signedFlag  map[string]bool
	receipts    map[string]chain.Receipt
}

func (c *fakeChain) Deploy(_ context.Context, in chain.DeployInput, _ *ecdsa.PrivateKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deploys = append(c.deploys, in)
	return c.deployRef, c.deployErr
}

func (c *fakeChain) Transact(_ context.Context, in chain.CallInput, _ *ecdsa.PrivateKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transacts = append(c.transacts, in)
	return c.transactRef, nil
}

func (c *fakeChain) CallBool(_ context.Context, to, _, _ string, _ ...any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signedFlag[to], nil
}

func (c *fakeChain) Receipt(_ context.Context, ref string) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[ref]
	if !ok {
		return chain.Receipt{}, chain.ErrReceiptPending
	}
	return r, nil
}

func (c *fakeChain) Submit(_ context.Context, in chain.TransferInput, _ *ecdsa.PrivateKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, in)
	return c.submitRef, c.submitErr
}

type fakeWallets map[string]wallet.Wallet

func (f fakeWallets) GetByAddress(_ context.Context, address string) (wallet.Wallet, error) {
	w, ok := f[strings.ToLower(address)]
	if !ok {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return w, nil
}

type fakeKeys struct{}

func (fakeKeys) PrivateKey(w wallet.Wallet) (*ecdsa.PrivateKey, error) {
	if !w.CanSign() {
		return nil, wallet.ErrNoSigningMaterial
	}
	return &ecdsa.PrivateKey{}, nil
}

type fakeSchedules struct {
	mu      sync.Mutex
	entries map[scheduler.Key]scheduler.Entry
	calls   int
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{entries: make(map[scheduler.Key]scheduler.Entry)}
}

func (f *fakeSchedules) Register(_ context.Context, key scheduler.Key, cadence scheduler.Cadence, payload any) (scheduler.Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return scheduler.Entry{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	e := scheduler.Entry{Key: key, Kind: key.Kind(), Cadence: cadence, Payload: raw}
	f.entries[key] = e
	return e, nil
}

func (f *fakeSchedules) Deregister(_ context.Context, key scheduler.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeSchedules) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeIntents struct {
	mu      sync.Mutex
	created []intent.Intent
	err     error
}

func (f *fakeIntents) Create(_ context.Context, in intent.Intent) (intent.Intent, error) {
	if f.err != nil {
		return intent.Intent{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	in.ID = uuid.New()
	f.created = append(f.created, in)
	return in, nil
}

const (
	employerAddr = "0x00000000000000000000000000000000000000e1"
	employeeAddr = "0x00000000000000000000000000000000000000e2"
	contractAddr = "0x00000000000000000000000000000000000000c1"
)

func testWallets() fakeWallets {
	return fakeWallets{
		employerAddr: {Address: employerAddr, Mnemonic: "m", Salt: "s", Kind: wallet.KindCorporate},
		employeeAddr: {Address: employeeAddr, Mnemonic: "m", Salt: "s", Kind: wallet.KindPersonal},
	}
}
