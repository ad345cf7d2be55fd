package wallet

import (
	"time"

	"github.com/google/uuid"

	"ledgerflow/money"
)

// Kind distinguishes personal wallets from company treasury wallets.
type Kind string

const (
	KindPersonal  Kind = "personal"
	KindCorporate Kind = "corporate"
)

// Wallet mirrors the wallets table. Mnemonic and Salt are only present for
// wallets this system can sign with.
type Wallet struct {
	ID        uuid.UUID
	Address   string
	Currency  money.Currency
	Mnemonic  string
	Salt      string
	OwnerID   *string
	CompanyID string
	Kind      Kind
	CreatedAt time.Time
}

// CanSign reports whether signing material is available.
func (w Wallet) CanSign() bool {
	return w.Mnemonic != "" && w.Salt != ""
}
