package auth

import (
	"context"
	"strings"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Validator checks a username and password pair
type Validator interface {
	Validate(ctx context.Context, username, password string) bool
}

// Static accepts a single username with a bcrypt hashed password
type Static struct {
	username string
	hash     []byte
}

// NewStatic needs both a username and a bcrypt hash, otherwise every
// attempt is refused
func NewStatic(username, passwordHash string) (*Static, error) {
	if username == "" || passwordHash == "" {
		return &Static{}, nil
	}

	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, errors.WithMessage(err, "bcrypt.Cost")
	}

	return &Static{
		username: username,
		hash:     []byte(passwordHash),
	}, nil
}

func (s *Static) Validate(ctx context.Context, username, password string) bool {
	if s.username == "" || username != s.username {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.hash, []byte(password)) == nil
}

type account struct {
	Email      string
	Password   []byte
	DisabledAt pgtype.Timestamptz
}

// Postgres checks credentials against the accounts table
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, errors.WithMessage(err, "pgxpool.Connect")
	}

	return &Postgres{
		db: db,
	}, nil
}

func (p *Postgres) Validate(ctx context.Context, username, password string) bool {
	var acct account

	err := pgxscan.Get(
		ctx,
		p.db,
		&acct,
		`
		SELECT email, password, disabled_at
		FROM accounts
		WHERE email = $1
		LIMIT 1
		`,
		strings.ToLower(username),
	)
	if err != nil {
		return false
	}

	if acct.DisabledAt.Status == pgtype.Present {
		return false
	}

	return bcrypt.CompareHashAndPassword(acct.Password, []byte(password)) == nil
}

func (p *Postgres) Close() {
	p.db.Close()
}
