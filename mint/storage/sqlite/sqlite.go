package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, unit, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.Unit,
		mintQuote.State.String(),
		mintQuote.Expiry,
	)

	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM mint_quotes WHERE id = ?", quoteId)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM mint_quotes WHERE payment_hash = ?", paymentHash)
	return scanMintQuote(row)
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&mintQuote.Unit,
		&state,
		&mintQuote.Expiry,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	return mintQuote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, state nut04.State) error {
	updatedState := state.String()
	result, err := sqlite.db.Exec("UPDATE mint_quotes SET state = ? WHERE id = ?", updatedState, quoteId)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("mint quote was not updated")
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, unit, fee_reserve, state, expiry, preimage, amount_msat, partial_amount_msat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.Unit,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		meltQuote.AmountMsat,
		meltQuote.PartialAmountMsat,
	)

	return err
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM melt_quotes WHERE request = ?", request)
	return scanMeltQuote(row)
}

func scanMeltQuote(row *sql.Row) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.Unit,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
		&meltQuote.AmountMsat,
		&meltQuote.PartialAmountMsat,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MeltQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)

	return meltQuote, nil
}

func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId, preimage string, state nut05.State) error {
	updatedState := state.String()
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ?",
		updatedState, preimage, quoteId,
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("melt quote was not updated")
	}
	return nil
}
