package lockstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "tasksched/pkg/logx"
)

//go:embed migrations.sql
var schema string

// The conditional upsert takes a free or expired lease, extends our own and
// touches nothing when another owner still holds it.
const (
	acquireSQL = `INSERT INTO leases(name, owner, expires_at) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE leases.owner = excluded.owner OR leases.expires_at < ?`
	releaseSQL = `DELETE FROM leases WHERE name = ? AND owner = ?`
	holderSQL  = `SELECT owner, expires_at FROM leases WHERE name = ?`
)

// sqlStore implements Store on database/sql for any driver accepting the
// upsert above; postgres needs $n placeholders.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	dollar bool
	now    func() time.Time
}

func newSQLStore(db *sql.DB, log logx.Logger, dollar bool) *sqlStore {
	return &sqlStore{db: db, log: log, dollar: dollar, now: time.Now}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) AcquireOrRenew(ctx context.Context, lockName, nodeID string, leaseSeconds int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if lockName == "" || nodeID == "" {
		return false, errors.New("lock name and node id are required")
	}
	now := s.now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second).UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(acquireSQL), lockName, nodeID, expires, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) Release(ctx context.Context, lockName, nodeID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.q(releaseSQL), lockName, nodeID)
	return err
}

func (s *sqlStore) Holder(ctx context.Context, lockName string) (Holder, bool, error) {
	if s == nil || s.db == nil {
		return Holder{}, false, ErrClosed
	}
	var owner string
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(holderSQL), lockName).Scan(&owner, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, err
	}
	exp := time.UnixMilli(ms)
	if !s.now().Before(exp) {
		return Holder{}, false, nil
	}
	return Holder{Name: lockName, Owner: owner, ExpiresAt: exp}, true, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
