package relayer

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBRelayedTransaction struct {
	Hash        []byte         `db:"hash"`
	ChainType   int            `db:"chain_type"`
	ChainID     int64          `db:"chain_id"`
	Wallet      []byte         `db:"wallet"`
	Nonce       int64          `db:"nonce"`
	Kind        string         `db:"kind"`
	FeeToken    []byte         `db:"fee_token"`
	PackagedFee sql.NullString `db:"packaged_fee"`
	InsertedAt  time.Time      `db:"inserted_at"`
}

var createRelayedTransactionTable = `
CREATE TABLE IF NOT EXISTS relayed_transaction (
    hash         bytea PRIMARY KEY,
    chain_type   integer     NOT NULL,
    chain_id     bigint      NOT NULL,
    wallet       bytea       NOT NULL,
    nonce        bigint      NOT NULL,
    kind         text        NOT NULL,
    fee_token    bytea,
    packaged_fee numeric(78, 0),
    inserted_at  timestamptz NOT NULL DEFAULT now()
)`

var insertRelayedTransactionQuery = `
INSERT INTO relayed_transaction (hash, chain_type, chain_id, wallet, nonce, kind, fee_token, packaged_fee)
VALUES (:hash, :chain_type, :chain_id, :wallet, :nonce, :kind, :fee_token, :packaged_fee)
ON CONFLICT (hash) DO NOTHING`

// DBBackend is the postgres audit log of relayed and termination transactions.
type DBBackend struct {
	db *sqlx.DB

	insertTransaction *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(createRelayedTransactionTable); err != nil {
		return nil, err
	}
	insertTransaction, err := db.PrepareNamed(insertRelayedTransactionQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                db,
		insertTransaction: insertTransaction,
	}, nil
}

func (b *DBBackend) RecordTransaction(ctx context.Context, rec *TxRecord) error {
	dbTx := DBRelayedTransaction{
		Hash:      rec.Hash.Bytes(),
		ChainType: int(rec.Chain.Type),
		ChainID:   int64(rec.Chain.ID),
		Wallet:    rec.Wallet.Bytes(),
		Nonce:     int64(rec.Nonce),
		Kind:      string(rec.Kind),
	}
	if rec.FeeToken != nil {
		dbTx.FeeToken = rec.FeeToken.Bytes()
	}
	if rec.PackagedFee != nil {
		dbTx.PackagedFee = sql.NullString{String: rec.PackagedFee.String(), Valid: true}
	}
	_, err := b.insertTransaction.ExecContext(ctx, dbTx)
	return err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
