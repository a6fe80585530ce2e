package governance

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists council membership in the council_members table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed council store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, m *Member) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO council_members (address, added_by, added_at)
		VALUES ($1, $2, $3)`,
		m.Address.Hex(), m.AddedBy.Hex(), m.AddedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyMember
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Remove(ctx context.Context, addr common.Address) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM council_members WHERE address = $1`, addr.Hex())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotMember
	}
	return nil
}

func (p *PostgresStore) IsMember(ctx context.Context, addr common.Address) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM council_members WHERE address = $1)`, addr.Hex(),
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Member, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, added_by, added_at FROM council_members
		ORDER BY added_at, address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var addr, by string
		m := &Member{}
		if err := rows.Scan(&addr, &by, &m.AddedAt); err != nil {
			return nil, err
		}
		m.Address = common.HexToAddress(addr)
		m.AddedBy = common.HexToAddress(by)
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
