// Package ledger owns wallet balances and the append-only entry log that
// backs them. Every mutation is a single conditional SQL statement (or a
// transaction of conditional statements), never a read-modify-write, so
// concurrent scheduled and manual invocations cannot race a balance below
// its locked floor.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"AllocMesh/internal/model"
)

// Ledger provides wallet operations over the shared store handle.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger. Tables are owned and migrated by the store.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// GetOrCreateWallet returns the wallet for owner, creating an empty one on
// first use.
func (l *Ledger) GetOrCreateWallet(ownerType model.OwnerType, owner string) (*model.Wallet, error) {
	if w, err := l.getWalletByOwner(ownerType, owner); err != nil {
		return nil, err
	} else if w != nil {
		return w, nil
	}

	id := uuid.NewString()
	_, err := l.db.Exec(`INSERT INTO wallets (id, owner_type, owner, balance, locked)
		VALUES (?,?,?,0,0) ON CONFLICT(owner_type, owner) DO NOTHING`,
		id, string(ownerType), owner)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	w, err := l.getWalletByOwner(ownerType, owner)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, model.E(model.KindNotFound, "wallet for %s %q not found after create", ownerType, owner)
	}
	return w, nil
}

// GetWallet loads a wallet by id.
func (l *Ledger) GetWallet(id string) (*model.Wallet, error) {
	row := l.db.QueryRow(`SELECT id, owner_type, owner, balance, locked FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, model.E(model.KindNotFound, "wallet %q not found", id)
	}
	return w, nil
}

func (l *Ledger) getWalletByOwner(ownerType model.OwnerType, owner string) (*model.Wallet, error) {
	row := l.db.QueryRow(`SELECT id, owner_type, owner, balance, locked FROM wallets
		WHERE owner_type = ? AND owner = ?`, string(ownerType), owner)
	return scanWallet(row)
}

func scanWallet(row *sql.Row) (*model.Wallet, error) {
	var w model.Wallet
	err := row.Scan(&w.ID, (*string)(&w.OwnerType), &w.Owner, &w.Balance, &w.Locked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// adjust applies delta to a wallet's balance in one conditional statement.
// The WHERE clause enforces balance >= locked >= 0; zero rows affected
// means the precondition failed and nothing was written.
func (l *Ledger) adjust(tx *sql.Tx, walletID string, delta float64) error {
	res, err := tx.Exec(`UPDATE wallets SET balance = balance + ?
		WHERE id = ? AND balance + ? >= locked`,
		delta, walletID, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.E(model.KindPrecondition,
			"wallet %s: adjustment of %.2f would break balance >= locked", walletID, delta)
	}
	return nil
}

func (l *Ledger) appendEntry(tx *sql.Tx, walletID string, txType model.TxType, amount float64, refID, memo string) error {
	_, err := tx.Exec(`INSERT INTO ledger_entries (wallet_id, tx_type, amount, ref_id, memo, created_at)
		VALUES (?,?,?,?,?,?)`,
		walletID, string(txType), amount, refID, memo, time.Now().Unix())
	return err
}

// apply runs one balance adjustment plus its ledger entry atomically.
func (l *Ledger) apply(walletID string, txType model.TxType, delta float64, refID, memo string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.adjust(tx, walletID, delta); err != nil {
		return err
	}
	if err := l.appendEntry(tx, walletID, txType, delta, refID, memo); err != nil {
		return err
	}
	return tx.Commit()
}

// Mint credits freshly issued SC to a wallet.
func (l *Ledger) Mint(walletID string, amount float64, refID, memo string) error {
	if amount <= 0 {
		return model.E(model.KindValidation, "mint amount must be positive, got %.2f", amount)
	}
	return l.apply(walletID, model.TxMint, amount, refID, memo)
}

// Reward credits earned SC to a wallet.
func (l *Ledger) Reward(walletID string, amount float64, refID, memo string) error {
	if amount <= 0 {
		return model.E(model.KindValidation, "reward amount must be positive, got %.2f", amount)
	}
	return l.apply(walletID, model.TxReward, amount, refID, memo)
}

// Burn removes SC from a wallet, failing when the spendable balance is short.
func (l *Ledger) Burn(walletID string, amount float64, refID, memo string) error {
	if amount <= 0 {
		return model.E(model.KindValidation, "burn amount must be positive, got %.2f", amount)
	}
	return l.apply(walletID, model.TxBurn, -amount, refID, memo)
}

// Lock reserves part of a wallet's balance. The guard keeps
// balance >= locked + amount; unlock with a negative amount.
func (l *Ledger) Lock(walletID string, amount float64, refID, memo string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE wallets SET locked = locked + ?
		WHERE id = ? AND locked + ? >= 0 AND balance >= locked + ?`,
		amount, walletID, amount, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindPrecondition,
			"wallet %s: lock of %.2f would break balance >= locked >= 0", walletID, amount)
	}
	if err := l.appendEntry(tx, walletID, model.TxLock, amount, refID, memo); err != nil {
		return err
	}
	return tx.Commit()
}

// Transfer moves SC between two wallets. Both legs are conditional updates
// inside one transaction: if the debit would overdraw the sender, nothing
// is written anywhere.
func (l *Ledger) Transfer(fromID, toID string, amount float64, refID, memo string) error {
	if amount <= 0 {
		return model.E(model.KindValidation, "transfer amount must be positive, got %.2f", amount)
	}
	if fromID == toID {
		return model.E(model.KindValidation, "transfer source and destination are the same wallet")
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := l.adjust(tx, fromID, -amount); err != nil {
		return err
	}
	if err := l.adjust(tx, toID, amount); err != nil {
		return err
	}
	if err := l.appendEntry(tx, fromID, model.TxTransferOut, -amount, refID, memo); err != nil {
		return err
	}
	if err := l.appendEntry(tx, toID, model.TxTransferIn, amount, refID, memo); err != nil {
		return err
	}
	return tx.Commit()
}

// Entries returns a wallet's ledger entries, oldest first.
func (l *Ledger) Entries(walletID string) ([]model.LedgerEntry, error) {
	rows, err := l.db.Query(`SELECT id, wallet_id, tx_type, COALESCE(amount,0),
		COALESCE(ref_id,''), COALESCE(memo,''), created_at
		FROM ledger_entries WHERE wallet_id = ? ORDER BY id`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.WalletID, (*string)(&e.TxType), &e.Amount, &e.RefID, &e.Memo, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reconcile recomputes a wallet's balance from its entries and compares it
// to the stored balance. The entry log is the source of truth.
func (l *Ledger) Reconcile(walletID string) (stored, derived float64, err error) {
	w, err := l.GetWallet(walletID)
	if err != nil {
		return 0, 0, err
	}
	var sum sql.NullFloat64
	err = l.db.QueryRow(`SELECT SUM(amount) FROM ledger_entries
		WHERE wallet_id = ? AND tx_type != ?`, walletID, string(model.TxLock)).Scan(&sum)
	if err != nil {
		return 0, 0, err
	}
	return w.Balance, sum.Float64, nil
}
