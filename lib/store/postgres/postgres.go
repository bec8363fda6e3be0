// Package postgres implements the stream store interface for PostgreSQL. Each payee maps to one row in the
// streams table; state transitions are conditional UPDATE ... RETURNING statements, so they are atomic per key.
// Amount columns use NUMERIC, which lets CommitClaim add the settled delta inside the database.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/streamfi/streamd/lib/store"
)

type Postgres struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS streams (
	payee            TEXT PRIMARY KEY,
	rate             NUMERIC NOT NULL,
	accrual_start    TIMESTAMPTZ NOT NULL,
	total_claimed    NUMERIC NOT NULL DEFAULT 0,
	state            TEXT NOT NULL,
	claim_key        TEXT,
	claim_amount     NUMERIC,
	claim_new_start  TIMESTAMPTZ,
	claim_started_at TIMESTAMPTZ,
	last_key         TEXT,
	last_ref         TEXT
)`

const streamCols = `payee, rate, accrual_start, total_claimed, state,
	claim_key, claim_amount, claim_new_start, claim_started_at, last_key, last_ref`

// New returns a postgres client connection to the specified database in 'connection', creating the streams table
// if it does not exist yet.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("cannot create streams table: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close any database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// scanStream loads one streams row into a store.Stream.
func scanStream(row *sql.Row) (store.Stream, error) {
	var s store.Stream

	var rate, total string

	var cKey, cAmount, lastKey, lastRef sql.NullString

	var cNewStart, cStartedAt sql.NullTime

	err := row.Scan(&s.Payee, &rate, &s.AccrualStart, &total, &s.State,
		&cKey, &cAmount, &cNewStart, &cStartedAt, &lastKey, &lastRef)
	if err != nil {
		return store.Stream{}, err
	}

	if s.Rate, err = decimal.NewFromString(rate); err != nil {
		return store.Stream{}, fmt.Errorf("corrupt rate %q in db: %w", rate, err)
	}

	if s.TotalClaimed, err = decimal.NewFromString(total); err != nil {
		return store.Stream{}, fmt.Errorf("corrupt total_claimed %q in db: %w", total, err)
	}

	s.LastKey = lastKey.String
	s.LastRef = lastRef.String

	if cKey.Valid {
		amt, err := decimal.NewFromString(cAmount.String)
		if err != nil {
			return store.Stream{}, fmt.Errorf("corrupt claim_amount %q in db: %w", cAmount.String, err)
		}

		s.Claim = &store.Claim{Key: cKey.String, Amount: amt, NewStart: cNewStart.Time, StartedAt: cStartedAt.Time}
	}

	return s, nil
}

// CreateStream saves a new ACTIVE stream. A CLOSED row for the same payee is replaced; any other existing row
// yields ErrAlreadyActive.
func (p *Postgres) CreateStream(s store.Stream) (store.Stream, error) {
	row := p.db.QueryRow(`INSERT INTO streams (payee, rate, accrual_start, total_claimed, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payee) DO UPDATE SET
			rate = EXCLUDED.rate, accrual_start = EXCLUDED.accrual_start,
			total_claimed = EXCLUDED.total_claimed, state = EXCLUDED.state,
			claim_key = NULL, claim_amount = NULL, claim_new_start = NULL, claim_started_at = NULL,
			last_key = NULL, last_ref = NULL
		WHERE streams.state = $6
		RETURNING `+streamCols,
		s.Payee, s.Rate.String(), s.AccrualStart, s.TotalClaimed.String(), store.StreamActive, store.StreamClosed)

	out, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Stream{}, store.ErrAlreadyActive
	}

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return store.Stream{}, store.ErrAlreadyActive
		}

		return store.Stream{}, fmt.Errorf("could not insert stream in db: %w", err)
	}

	return out, nil
}

// GetStream returns the stream for the payee.
func (p *Postgres) GetStream(payee string) (store.Stream, error) {
	row := p.db.QueryRow(`SELECT `+streamCols+` FROM streams WHERE payee = $1`, payee)

	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not read stream from db: %w", err)
	}

	return s, nil
}

// CloseStream transitions the stream to CLOSED from any state, keeping a pending claim for reconciliation.
func (p *Postgres) CloseStream(payee string) (store.Stream, error) {
	row := p.db.QueryRow(`UPDATE streams SET state = $2 WHERE payee = $1 RETURNING `+streamCols,
		payee, store.StreamClosed)

	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Stream{}, store.ErrStreamNotFound
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not close stream in db: %w", err)
	}

	return s, nil
}

// BeginClaim atomically transitions ACTIVE -> CLAIM_IN_PROGRESS recording the pending claim. The filter carries
// the accrual start the claim was computed against, so a stale reader cannot begin over an advanced window.
func (p *Postgres) BeginClaim(payee string, prevStart time.Time, c store.Claim) (store.Stream, error) {
	row := p.db.QueryRow(`UPDATE streams SET state = $2,
			claim_key = $3, claim_amount = $4, claim_new_start = $5, claim_started_at = $6
		WHERE payee = $1 AND state = $7 AND accrual_start = $8
		RETURNING `+streamCols,
		payee, store.StreamClaiming, c.Key, c.Amount.String(), c.NewStart, c.StartedAt, store.StreamActive, prevStart)

	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		// no ACTIVE row: distinguish a missing stream from a conflicting one
		cur, errGet := p.GetStream(payee)
		if errGet != nil {
			return store.Stream{}, errGet
		}

		return cur, store.ErrClaimConflict
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not begin claim in db: %w", err)
	}

	return s, nil
}

// CommitClaim settles the pending claim matching key: the delta is added in SQL, the accrual start advances and
// the row reverts to ACTIVE (a CLOSED row stays CLOSED). Replays of an already-applied key return the row
// unchanged.
func (p *Postgres) CommitClaim(payee, key, ref string, newStart time.Time, delta decimal.Decimal) (store.Stream, error) {
	row := p.db.QueryRow(`UPDATE streams SET
			total_claimed = total_claimed + $3, accrual_start = $4, last_key = $2, last_ref = $5,
			state = CASE WHEN state = $6 THEN state ELSE $7 END,
			claim_key = NULL, claim_amount = NULL, claim_new_start = NULL, claim_started_at = NULL
		WHERE payee = $1 AND claim_key = $2
		RETURNING `+streamCols,
		payee, key, delta.String(), newStart, ref, store.StreamClosed, store.StreamActive)

	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, errGet := p.GetStream(payee)
		if errGet != nil {
			return store.Stream{}, errGet
		}

		if cur.LastKey == key { // idempotent replay
			return cur, nil
		}

		return cur, store.ErrNoClaim
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not commit claim in db: %w", err)
	}

	return s, nil
}

// AbortClaim drops the pending claim matching key without touching accrual fields.
func (p *Postgres) AbortClaim(payee, key string) (store.Stream, error) {
	row := p.db.QueryRow(`UPDATE streams SET
			state = CASE WHEN state = $3 THEN state ELSE $4 END,
			claim_key = NULL, claim_amount = NULL, claim_new_start = NULL, claim_started_at = NULL
		WHERE payee = $1 AND claim_key = $2
		RETURNING `+streamCols,
		payee, key, store.StreamClosed, store.StreamActive)

	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, errGet := p.GetStream(payee)
		if errGet != nil {
			return store.Stream{}, errGet
		}

		return cur, store.ErrNoClaim
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not abort claim in db: %w", err)
	}

	return s, nil
}

// MarkReconcile flags the pending claim matching key as ambiguous.
func (p *Postgres) MarkReconcile(payee, key string) (store.Stream, error) {
	row := p.db.QueryRow(`UPDATE streams SET state = $3
		WHERE payee = $1 AND claim_key = $2 AND state = $4
		RETURNING `+streamCols,
		payee, key, store.StreamReconcile, store.StreamClaiming)

	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		// a CLOSED row keeps its state; the pending claim alone marks it for the reconciler
		cur, errGet := p.GetStream(payee)
		if errGet != nil {
			return store.Stream{}, errGet
		}

		if cur.Claim == nil || cur.Claim.Key != key {
			return cur, store.ErrNoClaim
		}

		return cur, nil
	}

	if err != nil {
		return store.Stream{}, fmt.Errorf("could not mark claim for reconciliation in db: %w", err)
	}

	return s, nil
}

// ListByState returns all streams whose state is in states. An empty slice returns every stream.
func (p *Postgres) ListByState(states []string) ([]store.Stream, error) {
	var rows *sql.Rows

	var err error

	if len(states) == 0 {
		rows, err = p.db.Query(`SELECT ` + streamCols + ` FROM streams`)
	} else {
		rows, err = p.db.Query(`SELECT `+streamCols+` FROM streams WHERE state = ANY($1)`, pq.Array(states))
	}

	if err != nil {
		return nil, fmt.Errorf("could not list streams in db: %w", err)
	}
	defer rows.Close()

	out := []store.Stream{}

	for rows.Next() {
		var s store.Stream

		var rate, total string

		var cKey, cAmount, lastKey, lastRef sql.NullString

		var cNewStart, cStartedAt sql.NullTime

		if err = rows.Scan(&s.Payee, &rate, &s.AccrualStart, &total, &s.State,
			&cKey, &cAmount, &cNewStart, &cStartedAt, &lastKey, &lastRef); err != nil {
			return nil, fmt.Errorf("could not decode stream from db: %w", err)
		}

		if s.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("corrupt rate %q in db: %w", rate, err)
		}

		if s.TotalClaimed, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("corrupt total_claimed %q in db: %w", total, err)
		}

		s.LastKey = lastKey.String
		s.LastRef = lastRef.String

		if cKey.Valid {
			amt, errAmt := decimal.NewFromString(cAmount.String)
			if errAmt != nil {
				return nil, fmt.Errorf("corrupt claim_amount %q in db: %w", cAmount.String, errAmt)
			}

			s.Claim = &store.Claim{Key: cKey.String, Amount: amt, NewStart: cNewStart.Time, StartedAt: cStartedAt.Time}
		}

		out = append(out, s)
	}

	return out, rows.Err()
}
