package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontoforge/oms/pkg/contracts"
)

// PostgresLedger is a durable SQL-backed Ledger. The same statements run on
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); only `$n` placeholders
// are used, which both drivers accept.
type PostgresLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresLedger wraps an open database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *PostgresLedger) WithClock(clock func() time.Time) *PostgresLedger {
	l.clock = clock
	return l
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS commits (
	id TEXT NOT NULL,
	branch TEXT NOT NULL,
	parent TEXT NOT NULL DEFAULT '',
	merge_parent TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL,
	message TEXT NOT NULL,
	committed_at TIMESTAMP NOT NULL,
	seq BIGINT NOT NULL,
	PRIMARY KEY (branch, id)
);

CREATE TABLE IF NOT EXISTS branch_heads (
	branch TEXT PRIMARY KEY,
	head TEXT NOT NULL DEFAULT '',
	seq BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS commit_documents (
	branch TEXT NOT NULL,
	commit_id TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	doc_type TEXT NOT NULL DEFAULT '',
	body TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (branch, commit_id, doc_id)
);
`

// Init creates the ledger tables.
func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, ledgerSchema)
	return err
}

func (l *PostgresLedger) Read(ctx context.Context, branch, commit, docID string) (*contracts.Document, error) {
	if commit == "" {
		head, _, err := l.head(ctx, l.db, branch)
		if err != nil {
			return nil, err
		}
		commit = head
	}

	// Walk back from the commit to the most recent delta touching the doc.
	query := `
		SELECT d.doc_type, d.body, d.deleted
		FROM commit_documents d
		JOIN commits c ON c.branch = d.branch AND c.id = d.commit_id
		WHERE d.branch = $1 AND d.doc_id = $2
		  AND c.seq <= (SELECT seq FROM commits WHERE branch = $1 AND id = $3)
		ORDER BY c.seq DESC
		LIMIT 1
	`
	var docType string
	var body sql.NullString
	var deleted int
	err := l.db.QueryRowContext(ctx, query, branch, docID, commit).Scan(&docType, &body, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s at %s", ErrNotFound, docID, commit)
	}
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	if deleted != 0 {
		return nil, fmt.Errorf("%w: document %s deleted as of %s", ErrNotFound, docID, commit)
	}
	return &contracts.Document{ID: docID, Type: docType, Body: json.RawMessage(body.String)}, nil
}

func (l *PostgresLedger) Append(ctx context.Context, branch, parent, author, message string, delta Delta) (*contracts.Commit, error) {
	return l.append(ctx, branch, parent, "", author, message, delta)
}

// AppendMerge writes a merge commit carrying both parents.
func (l *PostgresLedger) AppendMerge(ctx context.Context, branch, parent, mergeParent, author, message string, delta Delta) (*contracts.Commit, error) {
	return l.append(ctx, branch, parent, mergeParent, author, message, delta)
}

func (l *PostgresLedger) append(ctx context.Context, branch, parent, mergeParent, author, message string, delta Delta) (*contracts.Commit, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	defer func() { _ = tx.Rollback() }()

	head, seq, err := l.head(ctx, tx, branch)
	if err != nil {
		return nil, err
	}
	if head != parent {
		return nil, fmt.Errorf("%w: branch %s head %s, parent %s", ErrParentMismatch, branch, head, parent)
	}

	id, err := commitID(branch, parent, author, message, delta)
	if err != nil {
		return nil, err
	}
	now := l.clock().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (id, branch, parent, merge_parent, author, message, committed_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, branch, parent, mergeParent, author, message, now, seq+1)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}

	for docID, doc := range delta {
		if doc == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO commit_documents (branch, commit_id, doc_id, deleted)
				VALUES ($1, $2, $3, 1)`, branch, id, docID)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO commit_documents (branch, commit_id, doc_id, doc_type, body, deleted)
				VALUES ($1, $2, $3, $4, $5, 0)`, branch, id, docID, doc.Type, string(doc.Body))
		}
		if err != nil {
			return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
		}
	}

	// Upsert-free head advance guarded by the old head value: if a concurrent
	// append won, zero rows change and the whole transaction rolls back.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO branch_heads (branch, head, seq) VALUES ($1, $2, $3)
		ON CONFLICT (branch) DO UPDATE SET head = $2, seq = $3
		WHERE branch_heads.head = $4`,
		branch, id, seq+1, parent)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: branch %s advanced concurrently", ErrParentMismatch, branch)
	}

	if err := tx.Commit(); err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	return &contracts.Commit{
		ID:          id,
		Parent:      parent,
		MergeParent: mergeParent,
		Author:      author,
		Message:     message,
		Time:        now,
		Branch:      branch,
	}, nil
}

func (l *PostgresLedger) Log(ctx context.Context, branch string, limit int, before string) ([]*contracts.Commit, error) {
	query := `
		SELECT id, parent, merge_parent, author, message, committed_at
		FROM commits
		WHERE branch = $1
	`
	args := []any{branch}
	if before != "" {
		query += ` AND seq < (SELECT seq FROM commits WHERE branch = $1 AND id = $2)`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Commit, 0, limit)
	for rows.Next() {
		c := &contracts.Commit{Branch: branch}
		if err := rows.Scan(&c.ID, &c.Parent, &c.MergeParent, &c.Author, &c.Message, &c.Time); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Reset(ctx context.Context, branch, targetCommit, author, reason string) (*contracts.Commit, error) {
	// Verify the target exists, then append a reset marker commit.
	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT seq FROM commits WHERE branch = $1 AND id = $2`, branch, targetCommit).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: commit %s on %s", ErrNotFound, targetCommit, branch)
	}
	if err != nil {
		return nil, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}

	head, _, err := l.head(ctx, l.db, branch)
	if err != nil {
		return nil, err
	}
	return l.append(ctx, branch, head, "", author, fmt.Sprintf("reset to %s: %s", targetCommit, reason), nil)
}

func (l *PostgresLedger) Health(ctx context.Context) Health {
	if err := l.db.PingContext(ctx); err != nil {
		return Health{OK: false, Reason: err.Error()}
	}
	return Health{OK: true}
}

// VerifyChain walks the branch lineage and checks every parent link.
func (l *PostgresLedger) VerifyChain(ctx context.Context, branch string) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, parent FROM commits WHERE branch = $1 ORDER BY seq ASC`, branch)
	if err != nil {
		return &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	defer func() { _ = rows.Close() }()

	prev := ""
	n := 0
	for rows.Next() {
		var id, parent string
		if err := rows.Scan(&id, &parent); err != nil {
			return err
		}
		if parent != prev {
			return fmt.Errorf("%w: commit %d (%s) parent %s, want %s",
				contracts.ErrChainBroken, n, id, parent, prev)
		}
		prev = id
		n++
	}
	return rows.Err()
}

// Head returns the current HEAD commit id, empty for an unborn branch.
func (l *PostgresLedger) Head(ctx context.Context, branch string) (string, error) {
	head, _, err := l.head(ctx, l.db, branch)
	return head, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l *PostgresLedger) head(ctx context.Context, q queryRower, branch string) (string, int64, error) {
	var head string
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT head, seq FROM branch_heads WHERE branch = $1`, branch).Scan(&head, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil // unborn branch
	}
	if err != nil {
		return "", 0, &contracts.StoreUnavailableError{Store: "ledger", Cause: err}
	}
	return head, seq, nil
}
