// Package storage persists escrow orders in a single SQLite table.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weo-dev/escrowd/pkg/escrow"
)

// Store wraps the orders database. SQLite allows one writer at a time, so
// the pool is pinned to a single connection and the busy timeout absorbs
// short contention instead of surfacing SQLITE_BUSY.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (creating if needed) the orders database at path and applies
// schema migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open orders db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping orders db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate orders db: %w", err)
	}
	return s, nil
}

const createOrders = `CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	descriptor      TEXT NOT NULL DEFAULT '',
	idx             INTEGER NOT NULL DEFAULT 0,
	min_conf        INTEGER NOT NULL DEFAULT 2,
	label           TEXT NOT NULL DEFAULT '',
	amount_sat      INTEGER NOT NULL DEFAULT 0,
	fee_est_sat     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL DEFAULT 'awaiting_deposit',
	funding_txid    TEXT NOT NULL DEFAULT '',
	vout            INTEGER NOT NULL DEFAULT 0,
	confirmations   INTEGER NOT NULL DEFAULT 0,
	partials        TEXT NOT NULL DEFAULT '[]',
	rbf_partials    TEXT NOT NULL DEFAULT '[]',
	outputs         TEXT NOT NULL DEFAULT '{}',
	output_type     TEXT NOT NULL DEFAULT '',
	last_webhook_ts INTEGER NOT NULL DEFAULT 0,
	payout_txid     TEXT NOT NULL DEFAULT '',
	deadline_ts     INTEGER NOT NULL DEFAULT 0,
	rbf_psbt        TEXT NOT NULL DEFAULT '',
	rbf_state       TEXT NOT NULL DEFAULT ''
)`

// addedColumns lists columns introduced after the first release. Databases
// created by older builds lack them, so migrate adds whatever PRAGMA
// table_info does not report.
var addedColumns = []struct{ name, ddl string }{
	{"rbf_partials", "rbf_partials TEXT NOT NULL DEFAULT '[]'"},
	{"output_type", "output_type TEXT NOT NULL DEFAULT ''"},
	{"last_webhook_ts", "last_webhook_ts INTEGER NOT NULL DEFAULT 0"},
	{"payout_txid", "payout_txid TEXT NOT NULL DEFAULT ''"},
	{"deadline_ts", "deadline_ts INTEGER NOT NULL DEFAULT 0"},
	{"rbf_psbt", "rbf_psbt TEXT NOT NULL DEFAULT ''"},
	{"rbf_state", "rbf_state TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(createOrders); err != nil {
		return err
	}
	rows, err := s.db.Query(`PRAGMA table_info(orders)`)
	if err != nil {
		return err
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, col := range addedColumns {
		if existing[col.name] {
			continue
		}
		if _, err := s.db.Exec(`ALTER TABLE orders ADD COLUMN ` + col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database reachability for health reporting.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Put inserts the order or, when it already exists, refreshes only the
// registration columns. Lifecycle columns (state, created_at, partials and
// friends) are never touched on conflict, making creation retry-safe.
func (s *Store) Put(o *escrow.Order) error {
	_, err := s.db.Exec(`INSERT INTO orders
		(order_id, descriptor, idx, min_conf, label, amount_sat, fee_est_sat, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			descriptor  = excluded.descriptor,
			idx         = excluded.idx,
			min_conf    = excluded.min_conf,
			label       = excluded.label,
			amount_sat  = excluded.amount_sat,
			fee_est_sat = excluded.fee_est_sat`,
		o.ID, o.Descriptor, o.Index, o.MinConf, o.Label, o.AmountSat, o.FeeEstSat,
		o.CreatedAt, string(escrow.StateAwaitingDeposit))
	if err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}
	return nil
}

const orderColumns = `order_id, descriptor, idx, min_conf, label, amount_sat,
	fee_est_sat, created_at, state, funding_txid, vout, confirmations,
	partials, rbf_partials, outputs, output_type, last_webhook_ts,
	payout_txid, deadline_ts, rbf_psbt, rbf_state`

func scanOrder(row interface{ Scan(...any) error }) (*escrow.Order, error) {
	var (
		o                 escrow.Order
		state, rbfState   string
		partials, rbfPart string
		outputs           string
	)
	err := row.Scan(&o.ID, &o.Descriptor, &o.Index, &o.MinConf, &o.Label,
		&o.AmountSat, &o.FeeEstSat, &o.CreatedAt, &state, &o.FundingTxid,
		&o.Vout, &o.Confirmations, &partials, &rbfPart, &outputs,
		&o.OutputType, &o.LastWebhookTS, &o.PayoutTxid, &o.DeadlineTS,
		&o.RBFPSBT, &rbfState)
	if err != nil {
		return nil, err
	}
	o.State = escrow.State(state)
	o.RBFState = escrow.State(rbfState)
	if err := json.Unmarshal([]byte(partials), &o.Partials); err != nil {
		return nil, fmt.Errorf("order %s: bad partials blob: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(rbfPart), &o.RBFPartials); err != nil {
		return nil, fmt.Errorf("order %s: bad rbf_partials blob: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &o.Outputs); err != nil {
		return nil, fmt.Errorf("order %s: bad outputs blob: %w", o.ID, err)
	}
	return &o, nil
}

// Get returns the order or escrow.ErrNotFound.
func (s *Store) Get(orderID string) (*escrow.Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", orderID, escrow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

// NextIndex allocates the next derivation index across all orders.
func (s *Store) NextIndex() (uint32, error) {
	var next int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(idx) + 1, 0) FROM orders`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next index: %w", err)
	}
	return uint32(next), nil
}

// UpdateFunding records the first funding utxo and the observed minimum
// confirmation count.
func (s *Store) UpdateFunding(orderID, txid string, vout uint32, confs int64) error {
	_, err := s.db.Exec(`UPDATE orders SET funding_txid = ?, vout = ?, confirmations = ?
		WHERE order_id = ?`, txid, vout, confs, orderID)
	if err != nil {
		return fmt.Errorf("update funding %s: %w", orderID, err)
	}
	return nil
}

// UpdateConfirmations refreshes the confirmation count.
func (s *Store) UpdateConfirmations(orderID string, confs int64) error {
	_, err := s.db.Exec(`UPDATE orders SET confirmations = ? WHERE order_id = ?`, confs, orderID)
	if err != nil {
		return fmt.Errorf("update confirmations %s: %w", orderID, err)
	}
	return nil
}

// TransitionState is the per-order serialization point: the state column is
// both the guarded value and the guard. A writer that lost the race gets
// applied=false and must re-read.
func (s *Store) TransitionState(orderID string, from, to escrow.State, now, confs, deadlineTS int64) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if confs >= 0 {
		res, err = s.db.Exec(`UPDATE orders SET state = ?, created_at = ?, deadline_ts = ?, confirmations = ?
			WHERE order_id = ? AND state = ?`,
			string(to), now, deadlineTS, confs, orderID, string(from))
	} else {
		res, err = s.db.Exec(`UPDATE orders SET state = ?, created_at = ?, deadline_ts = ?
			WHERE order_id = ? AND state = ?`,
			string(to), now, deadlineTS, orderID, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", orderID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", orderID, from, to, err)
	}
	return n == 1, nil
}

// SavePartials replaces the stored partial set.
func (s *Store) SavePartials(orderID string, partials []string) error {
	blob, err := json.Marshal(partials)
	if err != nil {
		return fmt.Errorf("save partials %s: %w", orderID, err)
	}
	_, err = s.db.Exec(`UPDATE orders SET partials = ? WHERE order_id = ?`, string(blob), orderID)
	if err != nil {
		return fmt.Errorf("save partials %s: %w", orderID, err)
	}
	return nil
}

// SaveOutputs stores the outputs commitment.
func (s *Store) SaveOutputs(orderID string, outputs map[string]int64, outputType string) error {
	blob, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("save outputs %s: %w", orderID, err)
	}
	_, err = s.db.Exec(`UPDATE orders SET outputs = ?, output_type = ? WHERE order_id = ?`,
		string(blob), outputType, orderID)
	if err != nil {
		return fmt.Errorf("save outputs %s: %w", orderID, err)
	}
	return nil
}

// SetPayoutTxid records the broadcast settlement txid.
func (s *Store) SetPayoutTxid(orderID, txid string) error {
	_, err := s.db.Exec(`UPDATE orders SET payout_txid = ? WHERE order_id = ?`, txid, orderID)
	if err != nil {
		return fmt.Errorf("set payout txid %s: %w", orderID, err)
	}
	return nil
}

// SetLastWebhookTS stamps the first successful terminal delivery.
func (s *Store) SetLastWebhookTS(orderID string, ts int64) error {
	_, err := s.db.Exec(`UPDATE orders SET last_webhook_ts = ? WHERE order_id = ?`, ts, orderID)
	if err != nil {
		return fmt.Errorf("set last webhook ts %s: %w", orderID, err)
	}
	return nil
}

// StartRBF parks the current state and enters the fee-bump round. Both
// partial sets are cleared: signatures over the replaced transaction cannot
// be combined with signatures over the bump.
func (s *Store) StartRBF(orderID, psbt string, now int64) error {
	_, err := s.db.Exec(`UPDATE orders SET
			rbf_state = state,
			state = ?,
			rbf_psbt = ?,
			partials = '[]',
			rbf_partials = '[]',
			created_at = ?
		WHERE order_id = ?`,
		string(escrow.StateRBFSigning), psbt, now, orderID)
	if err != nil {
		return fmt.Errorf("start rbf %s: %w", orderID, err)
	}
	return nil
}

// ClearRBF restores the state parked by StartRBF and reports it.
func (s *Store) ClearRBF(orderID string, now int64) (escrow.State, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("clear rbf %s: %w", orderID, err)
	}
	defer tx.Rollback()

	var parked string
	err = tx.QueryRow(`SELECT rbf_state FROM orders WHERE order_id = ?`, orderID).Scan(&parked)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%s: %w", orderID, escrow.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("clear rbf %s: %w", orderID, err)
	}
	if parked == "" {
		return "", fmt.Errorf("%w: no fee bump in progress", escrow.ErrValidation)
	}
	_, err = tx.Exec(`UPDATE orders SET state = ?, rbf_state = '', rbf_psbt = '', created_at = ?
		WHERE order_id = ?`, parked, now, orderID)
	if err != nil {
		return "", fmt.Errorf("clear rbf %s: %w", orderID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("clear rbf %s: %w", orderID, err)
	}
	return escrow.State(parked), nil
}

// ListByStates returns all orders in any of the given states.
func (s *Store) ListByStates(states ...escrow.State) ([]*escrow.Order, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	ph := make([]string, len(states))
	for i, st := range states {
		args[i] = string(st)
		ph[i] = "?"
	}
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders WHERE state IN (`+
		strings.Join(ph, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*escrow.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

// PendingSignatures sums the signatures still missing across all signing
// orders, assuming the 2-of-3 threshold.
func (s *Store) PendingSignatures() (int64, error) {
	rows, err := s.db.Query(`SELECT partials FROM orders WHERE state = ?`,
		string(escrow.StateSigning))
	if err != nil {
		return 0, fmt.Errorf("pending signatures: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return 0, fmt.Errorf("pending signatures: %w", err)
		}
		var partials []string
		if err := json.Unmarshal([]byte(blob), &partials); err != nil {
			return 0, fmt.Errorf("pending signatures: bad partials blob: %w", err)
		}
		if missing := int64(escrow.SigThreshold) - int64(len(partials)); missing > 0 {
			total += missing
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("pending signatures: %w", err)
	}
	return total, nil
}
