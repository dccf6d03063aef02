package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulFidika/oidclink/password"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the account store the reconciliation core reads and writes.
type Store interface {
	// FindByMetadataField returns the single account whose metadata namespace
	// carries field == value, or nil when there is none.
	FindByMetadataField(ctx context.Context, namespace, field, value string) (*Account, error)
	// FindByEmail matches email exactly, ignoring case.
	FindByEmail(ctx context.Context, email string) ([]*Account, error)
	Create(ctx context.Context, in NewAccount) (*Account, error)
	Patch(ctx context.Context, id string, p AccountPatch) (*Account, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	DuplicateEmails(ctx context.Context) ([]DuplicateEmail, error)
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore keeps accounts in <schema>.users. Credentials are stored as
// argon2id PHC strings, never in the clear.
type PostgresStore struct {
	pg     *pgxpool.Pool
	schema string
}

func NewPostgresStore(pg *pgxpool.Pool, schema string) *PostgresStore {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "profiles"
	}
	return &PostgresStore{pg: pg, schema: s}
}

func (s *PostgresStore) usersTable() string { return s.schema + ".users" }

const accountColumns = `id, username, email, display_name, password_hash, plugin_extras, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var extras []byte
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.DisplayName, &a.Credential, &extras, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &a.Metadata); err != nil {
			return nil, fmt.Errorf("identity: decoding plugin_extras for %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) FindByMetadataField(ctx context.Context, namespace, field, value string) (*Account, error) {
	rows, err := s.pg.Query(ctx, `SELECT `+accountColumns+` FROM `+s.usersTable()+`
		WHERE plugin_extras -> $1 ->> $2 = $3 LIMIT 2`, namespace, field, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return nil, fmt.Errorf("%w: %s.%s", ErrMultipleMatches, namespace, field)
	}
}

// FindByEmail compares lower(email) rather than using ILIKE so that '_' and
// '%' in addresses are not treated as wildcards.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) ([]*Account, error) {
	rows, err := s.pg.Query(ctx, `SELECT `+accountColumns+` FROM `+s.usersTable()+`
		WHERE lower(email) = lower($1) ORDER BY created_at`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Create(ctx context.Context, in NewAccount) (*Account, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	hash, err := password.HashArgon2id(in.Credential)
	if err != nil {
		return nil, err
	}
	extras, err := json.Marshal(nonNil(in.Metadata))
	if err != nil {
		return nil, err
	}
	row := s.pg.QueryRow(ctx, `INSERT INTO `+s.usersTable()+`
		(id, username, email, display_name, password_hash, plugin_extras, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NOW(), NOW())
		RETURNING `+accountColumns, id, in.Username, in.Email, in.DisplayName, hash, extras)
	a, err := scanAccount(row)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return a, nil
}

// Patch merges p.Metadata over the stored blob at the top level, so only the
// namespaces present in the patch are replaced.
func (s *PostgresStore) Patch(ctx context.Context, id string, p AccountPatch) (*Account, error) {
	var hash *string
	if p.Credential != nil {
		h, err := password.HashArgon2id(*p.Credential)
		if err != nil {
			return nil, err
		}
		hash = &h
	}
	extras, err := json.Marshal(nonNil(p.Metadata))
	if err != nil {
		return nil, err
	}
	row := s.pg.QueryRow(ctx, `UPDATE `+s.usersTable()+` SET
		display_name = COALESCE($2, display_name),
		password_hash = COALESCE($3, password_hash),
		plugin_extras = COALESCE(plugin_extras, '{}'::jsonb) || $4::jsonb,
		updated_at = NOW()
		WHERE id = $1
		RETURNING `+accountColumns, id, p.DisplayName, hash, extras)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
		return nil, mapPgErr(err)
	}
	return a, nil
}

func (s *PostgresStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pg.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.usersTable()+` WHERE username = $1)`, username).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) DuplicateEmails(ctx context.Context) ([]DuplicateEmail, error) {
	rows, err := s.pg.Query(ctx, `SELECT lower(email), array_agg(id ORDER BY created_at)
		FROM `+s.usersTable()+` GROUP BY lower(email) HAVING count(*) > 1 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DuplicateEmail
	for rows.Next() {
		var d DuplicateEmail
		if err := rows.Scan(&d.Email, &d.AccountIDs); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nonNil(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	return m
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
