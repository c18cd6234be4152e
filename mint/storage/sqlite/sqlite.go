// Package sqlite is the raw database/sql + mattn/go-sqlite3 implementation
// of storage.MintDB, with schema migrations managed by golang-migrate.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/satoshinuts/mint/cashu"
	"github.com/satoshinuts/mint/cashu/nuts/nut04"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
	"github.com/satoshinuts/mint/crypto"
	"github.com/satoshinuts/mint/mint/storage"
)

//go:embed migrations
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

// migrationsDir copies the embedded migration files to a temp directory,
// since migrate.New needs a real filesystem path, not an embed.FS.
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "migrations")
	if err != nil {
		return "", err
	}

	migrationFiles, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, file := range migrationFiles {
		filePath := filepath.Join(tempDir, file.Name())

		migrationFilePath := filepath.Join("migrations", file.Name())
		migrationFile, err := migrations.Open(migrationFilePath)
		if err != nil {
			return "", err
		}
		defer migrationFile.Close()

		destFile, err := os.Create(filePath)
		if err != nil {
			return "", err
		}
		defer destFile.Close()

		if _, err := io.Copy(destFile, migrationFile); err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	tempMigrationsDir, err := migrationsDir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempMigrationsDir)

	m, err := migrate.New(fmt.Sprintf("file://%s", tempMigrationsDir), fmt.Sprintf("sqlite3://%s", dbpath))
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

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`INSERT INTO seed (id, seed) VALUES (?, ?)`, "id", hexSeed)
	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	if err := row.Scan(&hexSeed); err != nil {
		return nil, err
	}

	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, seed, derivation_path_idx, input_fee_ppk)
		VALUES (?, ?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.Seed, keyset.DerivationPathIdx, keyset.InputFeePpk)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT id, unit, active, seed, derivation_path_idx, input_fee_ppk FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		if err := rows.Scan(
			&keyset.Id, &keyset.Unit, &keyset.Active, &keyset.Seed,
			&keyset.DerivationPathIdx, &keyset.InputFeePpk,
		); err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (sqlite *SQLiteDB) SaveProofs(proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func scanProofRows(rows *sql.Rows, withMeltQuote bool) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString
		var err error

		if withMeltQuote {
			err = rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &witness, &proof.MeltQuoteId)
		} else {
			err = rows.Scan(&proof.Y, &proof.Amount, &proof.Id, &proof.Secret, &proof.C, &witness)
		}
		if err != nil {
			return nil, err
		}
		if witness.Valid {
			proof.Witness = witness.String
		}
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}

	query := `SELECT y, amount, keyset_id, secret, c, witness FROM proofs WHERE y in (?` +
		strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofRows(rows, false)
}

func (sqlite *SQLiteDB) AddPendingProofs(proofs cashu.Proofs, quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	checkPending, err := tx.Prepare("SELECT 1 FROM pending_proofs WHERE y = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer checkPending.Close()

	checkSpent, err := tx.Prepare("SELECT 1 FROM proofs WHERE y = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer checkSpent.Close()

	insert, err := tx.Prepare(
		"INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, witness, melt_quote_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer insert.Close()

	for _, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		var exists int
		if err := checkPending.QueryRow(Yhex).Scan(&exists); err == nil {
			tx.Rollback()
			return storage.ErrProofsAlreadyReserved
		} else if err != sql.ErrNoRows {
			tx.Rollback()
			return err
		}

		if err := checkSpent.QueryRow(Yhex).Scan(&exists); err == nil {
			tx.Rollback()
			return storage.ErrProofsAlreadyReserved
		} else if err != sql.ErrNoRows {
			tx.Rollback()
			return err
		}

		if _, err := insert.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness, quoteId); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}

	query := `SELECT y, amount, keyset_id, secret, c, witness, melt_quote_id FROM pending_proofs WHERE y in (?` +
		strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofRows(rows, true)
}

func (sqlite *SQLiteDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query(
		"SELECT y, amount, keyset_id, secret, c, witness FROM pending_proofs WHERE melt_quote_id = ?", quoteId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanProofRows(rows, false)
}

func (sqlite *SQLiteDB) RemovePendingProofs(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("DELETE FROM pending_proofs WHERE y = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, y := range Ys {
		if _, err := stmt.Exec(y); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// MovePendingToSpent reads the pending rows back out, inserts them into the
// spent proofs table, and removes them from pending, all in one transaction
// so a melt settlement can never leave proofs in neither or both states.
func (sqlite *SQLiteDB) MovePendingToSpent(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	query := `SELECT y, amount, keyset_id, secret, c, witness FROM pending_proofs WHERE y in (?` +
		strings.Repeat(",?", len(Ys)-1) + `)`
	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := tx.Query(query, args...)
	if err != nil {
		tx.Rollback()
		return err
	}
	proofs, err := scanProofRows(rows, false)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return err
	}

	insertStmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer insertStmt.Close()

	for _, proof := range proofs {
		if _, err := insertStmt.Exec(proof.Y, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness); err != nil {
			tx.Rollback()
			return err
		}
	}

	deleteStmt, err := tx.Prepare("DELETE FROM pending_proofs WHERE y = ?")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer deleteStmt.Close()

	for _, y := range Ys {
		if _, err := deleteStmt.Exec(y); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func pubkeyToHex(pubkey *secp256k1.PublicKey) string {
	if pubkey == nil {
		return ""
	}
	return hex.EncodeToString(pubkey.SerializeCompressed())
}

func parsePubkeyColumn(pubkey sql.NullString) (*secp256k1.PublicKey, error) {
	if !pubkey.Valid || len(pubkey.String) == 0 {
		return nil, nil
	}

	hexPubkey, err := hex.DecodeString(pubkey.String)
	if err != nil {
		return nil, fmt.Errorf("invalid public key in db: %v", err)
	}
	return secp256k1.ParsePubKey(hexPubkey)
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes
		(id, unit, method, payment_request, lookup_id, amount, amount_paid, amount_issued, single_use, state, expiry, pubkey, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mintQuote.Id, mintQuote.Unit, mintQuote.Method, mintQuote.PaymentRequest, mintQuote.LookupId,
		mintQuote.Amount, mintQuote.AmountPaid, mintQuote.AmountIssued, mintQuote.SingleUse,
		mintQuote.State.String(), mintQuote.Expiry, pubkeyToHex(mintQuote.Pubkey), mintQuote.Version,
	)
	return err
}

func scanMintQuote(scan func(dest ...any) error) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string
	var pubkey sql.NullString

	err := scan(
		&mintQuote.Id, &mintQuote.Unit, &mintQuote.Method, &mintQuote.PaymentRequest, &mintQuote.LookupId,
		&mintQuote.Amount, &mintQuote.AmountPaid, &mintQuote.AmountIssued, &mintQuote.SingleUse,
		&state, &mintQuote.Expiry, &pubkey, &mintQuote.Version,
	)
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.DeriveState(mintQuote.AmountPaid, mintQuote.AmountIssued)

	mintQuote.Pubkey, err = parsePubkeyColumn(pubkey)
	if err != nil {
		return storage.MintQuote{}, err
	}

	return mintQuote, nil
}

const mintQuoteColumns = "id, unit, method, payment_request, lookup_id, amount, amount_paid, amount_issued, single_use, state, expiry, pubkey, version"

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE id = ?", quoteId)
	return scanMintQuote(row.Scan)
}

func (sqlite *SQLiteDB) GetMintQuoteByLookupId(lookupId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE lookup_id = ?", lookupId)
	return scanMintQuote(row.Scan)
}

func (sqlite *SQLiteDB) LookupMintQuotesByPubkey(pubkey string) ([]storage.MintQuote, error) {
	rows, err := sqlite.db.Query(
		"SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE pubkey = ? ORDER BY rowid DESC", pubkey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MintQuote{}
	for rows.Next() {
		quote, err := scanMintQuote(rows.Scan)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

// AddPayment records a payment_id against quoteId and bumps amount_paid by
// amount, both in one transaction. If payment_id was already recorded for
// this quote, the lookup before the insert finds it, the transaction is
// rolled back, and ErrDuplicatePaymentId is returned without touching
// amount_paid again.
func (sqlite *SQLiteDB) AddPayment(quoteId, paymentId string, amount uint64) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	var exists int
	err = tx.QueryRow(
		"SELECT 1 FROM mint_quote_payments WHERE quote_id = ? AND payment_id = ?", quoteId, paymentId,
	).Scan(&exists)
	if err == nil {
		tx.Rollback()
		return storage.ErrDuplicatePaymentId
	}
	if err != sql.ErrNoRows {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO mint_quote_payments (quote_id, payment_id, amount, created_at) VALUES (?, ?, ?, strftime('%s','now'))",
		quoteId, paymentId, amount,
	); err != nil {
		tx.Rollback()
		return err
	}

	result, err := tx.Exec(
		"UPDATE mint_quotes SET amount_paid = amount_paid + ?, version = version + 1 WHERE id = ?",
		amount, quoteId,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if count != 1 {
		tx.Rollback()
		return cashu.QuoteNotExistErr
	}

	return tx.Commit()
}

// AddIssuance bumps amount_issued by amount, refusing when that would push
// amount_issued past amount_paid. The WHERE clause makes the check and the
// write atomic: either the conditional update matches the row and applies,
// or no row matches and nothing is written.
func (sqlite *SQLiteDB) AddIssuance(quoteId string, amount uint64) error {
	result, err := sqlite.db.Exec(
		`UPDATE mint_quotes SET amount_issued = amount_issued + ?, version = version + 1
		WHERE id = ? AND amount_issued + ? <= amount_paid`,
		amount, quoteId, amount,
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		var exists int
		if scanErr := sqlite.db.QueryRow("SELECT 1 FROM mint_quotes WHERE id = ?", quoteId).Scan(&exists); scanErr != nil {
			return cashu.QuoteNotExistErr
		}
		return storage.ErrInsufficientPayment
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, unit, method, request, lookup_id, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id, meltQuote.Unit, meltQuote.Method, meltQuote.InvoiceRequest, meltQuote.LookupId,
		meltQuote.Amount, meltQuote.FeeReserve, meltQuote.State.String(), meltQuote.Expiry, meltQuote.Preimage,
		meltQuote.IsMpp, meltQuote.AmountMsat, meltQuote.Version,
	)
	return err
}

const meltQuoteColumns = "id, unit, method, request, lookup_id, amount, fee_reserve, state, expiry, preimage, is_mpp, amount_msat, version"

func scanMeltQuote(scan func(dest ...any) error) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string
	var preimage sql.NullString
	var isMpp sql.NullBool
	var amountMsat sql.NullInt64

	err := scan(
		&meltQuote.Id, &meltQuote.Unit, &meltQuote.Method, &meltQuote.InvoiceRequest, &meltQuote.LookupId,
		&meltQuote.Amount, &meltQuote.FeeReserve, &state, &meltQuote.Expiry, &preimage, &isMpp, &amountMsat,
		&meltQuote.Version,
	)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)
	if preimage.Valid {
		meltQuote.Preimage = preimage.String
	}
	if isMpp.Valid {
		meltQuote.IsMpp = isMpp.Bool
	}
	if amountMsat.Valid {
		meltQuote.AmountMsat = uint64(amountMsat.Int64)
	}

	return meltQuote, nil
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row.Scan)
}

func (sqlite *SQLiteDB) GetMeltQuoteByLookupId(lookupId string) (*storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE lookup_id = ?", lookupId)
	quote, err := scanMeltQuote(row.Scan)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId string, expectedVersion int, preimage string, state nut05.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ?, version = version + 1 WHERE id = ? AND version = ?",
		state.String(), preimage, quoteId, expectedVersion,
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return cashu.QuoteVersionMismatchErr
	}
	return nil
}

// SaveMeltChangeOutputs persists the blank outputs a melt request supplied
// for change, unsigned, tied to the quote id that reserved them.
func (sqlite *SQLiteDB) SaveMeltChangeOutputs(quoteId string, outputs cashu.BlindedMessages) error {
	if len(outputs) == 0 {
		return nil
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		"INSERT INTO melt_change_outputs (b_, melt_quote_id, amount, keyset_id, witness) VALUES (?, ?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, out := range outputs {
		if _, err := stmt.Exec(out.B_, quoteId, out.Amount, out.Id, out.Witness); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetMeltChangeOutputs(quoteId string) (cashu.BlindedMessages, error) {
	rows, err := sqlite.db.Query(
		"SELECT b_, amount, keyset_id, witness FROM melt_change_outputs WHERE melt_quote_id = ?", quoteId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outputs := cashu.BlindedMessages{}
	for rows.Next() {
		var out cashu.BlindedMessage
		var witness sql.NullString
		if err := rows.Scan(&out.B_, &out.Amount, &out.Id, &witness); err != nil {
			return nil, err
		}
		out.Witness = witness.String
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

func (sqlite *SQLiteDB) DeleteMeltChangeOutputs(quoteId string) error {
	_, err := sqlite.db.Exec("DELETE FROM melt_change_outputs WHERE melt_quote_id = ?", quoteId)
	return err
}

func (sqlite *SQLiteDB) SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(b_) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sig := range blindSignatures {
		var e, s string
		if sig.DLEQ != nil {
			e, s = sig.DLEQ.E, sig.DLEQ.S
		}
		if _, err := stmt.Exec(B_s[i], sig.C_, sig.Id, sig.Amount, e, s); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func scanBlindSignature(scan func(dest ...any) error) (cashu.BlindedSignature, error) {
	var signature cashu.BlindedSignature
	var e, s sql.NullString

	err := scan(&signature.Amount, &signature.C_, &signature.Id, &e, &s)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}

	if e.Valid && s.Valid && len(e.String) > 0 {
		signature.DLEQ = &cashu.DLEQProof{E: e.String, S: s.String}
	}

	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)
	return scanBlindSignature(row.Scan)
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return cashu.BlindedSignatures{}, nil
	}

	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` +
		strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signatures := cashu.BlindedSignatures{}
	for rows.Next() {
		sig, err := scanBlindSignature(rows.Scan)
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, sig)
	}
	return signatures, rows.Err()
}

func (sqlite *SQLiteDB) SaveSaga(saga storage.Saga) error {
	stepsJSON, err := json.Marshal(saga.Steps)
	if err != nil {
		return err
	}

	_, err = sqlite.db.Exec(`
		INSERT INTO sagas (id, melt_quote_id, state, step, compensations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		saga.Id, saga.MeltQuoteId, saga.State.String(), len(saga.Steps), string(stepsJSON), saga.CreatedAt, saga.UpdatedAt,
	)
	return err
}

func scanSaga(scan func(dest ...any) error) (storage.Saga, error) {
	var saga storage.Saga
	var state, stepsJSON string
	var step int

	err := scan(&saga.Id, &saga.MeltQuoteId, &state, &step, &stepsJSON, &saga.CreatedAt, &saga.UpdatedAt)
	if err != nil {
		return storage.Saga{}, err
	}
	saga.State = storage.StringToSagaState(state)

	if err := json.Unmarshal([]byte(stepsJSON), &saga.Steps); err != nil {
		return storage.Saga{}, fmt.Errorf("corrupt saga steps for %q: %v", saga.Id, err)
	}

	return saga, nil
}

const sagaColumns = "id, melt_quote_id, state, step, compensations, created_at, updated_at"

func (sqlite *SQLiteDB) GetSaga(id string) (storage.Saga, error) {
	row := sqlite.db.QueryRow("SELECT "+sagaColumns+" FROM sagas WHERE id = ?", id)
	return scanSaga(row.Scan)
}

func (sqlite *SQLiteDB) UpdateSagaState(id string, state storage.SagaState, step int) error {
	result, err := sqlite.db.Exec(
		"UPDATE sagas SET state = ?, step = ?, updated_at = strftime('%s','now') WHERE id = ?",
		state.String(), step, id,
	)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("saga %q was not updated", id)
	}
	return nil
}

func (sqlite *SQLiteDB) AppendSagaCompensation(id string, step storage.SagaStep) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	row := tx.QueryRow("SELECT compensations FROM sagas WHERE id = ?", id)
	var stepsJSON string
	if err := row.Scan(&stepsJSON); err != nil {
		tx.Rollback()
		return err
	}

	var steps []storage.SagaStep
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		tx.Rollback()
		return err
	}
	steps = append(steps, step)

	newJSON, err := json.Marshal(steps)
	if err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.Exec(
		"UPDATE sagas SET compensations = ?, step = ?, updated_at = strftime('%s','now') WHERE id = ?",
		string(newJSON), len(steps), id,
	); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) ListPendingSagas() ([]storage.Saga, error) {
	rows, err := sqlite.db.Query(
		"SELECT " + sagaColumns + " FROM sagas WHERE state NOT IN ('SETTLED', 'COMPENSATED')",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sagas := []storage.Saga{}
	for rows.Next() {
		saga, err := scanSaga(rows.Scan)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	return sagas, rows.Err()
}

func (sqlite *SQLiteDB) GetIssuedEcash() (map[string]uint64, error) {
	ecashIssued := make(map[string]uint64)

	rows, err := sqlite.db.Query("SELECT keyset_id, amount FROM total_issued")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		ecashIssued[keysetId] = amount
	}

	return ecashIssued, rows.Err()
}

func (sqlite *SQLiteDB) GetRedeemedEcash() (map[string]uint64, error) {
	ecashRedeemed := make(map[string]uint64)

	rows, err := sqlite.db.Query("SELECT keyset_id, amount FROM total_redeemed")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		ecashRedeemed[keysetId] = amount
	}

	return ecashRedeemed, rows.Err()
}
