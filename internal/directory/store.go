package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentrelay/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the provider directory repository. Listing order is directory
// order (insertion order), which the assignment resolver depends on.
type Store interface {
	List(ctx context.Context) ([]domain.ServiceProvider, error)
	Get(ctx context.Context, id string) (domain.ServiceProvider, error)
	Add(ctx context.Context, p domain.ServiceProvider) (domain.ServiceProvider, error)
	Update(ctx context.Context, p domain.ServiceProvider) error
	Delete(ctx context.Context, id string) error
}

// SQLStore persists the directory in SQLite.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

func validateProvider(p domain.ServiceProvider) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	if strings.TrimSpace(p.Wallet) == "" {
		return fmt.Errorf("provider wallet is required")
	}
	if _, ok := domain.ParseCategory(string(p.Category)); !ok {
		return fmt.Errorf("unknown provider category %q", p.Category)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]domain.ServiceProvider, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,name,wallet,category,COALESCE(description,'') FROM providers ORDER BY rowid_order ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ServiceProvider
	for rows.Next() {
		var p domain.ServiceProvider
		if err := rows.Scan(&p.ID, &p.Name, &p.Wallet, &p.Category, &p.Description); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, id string) (domain.ServiceProvider, error) {
	var p domain.ServiceProvider
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,wallet,category,COALESCE(description,'') FROM providers WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Wallet, &p.Category, &p.Description)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (s *SQLStore) Add(ctx context.Context, p domain.ServiceProvider) (domain.ServiceProvider, error) {
	if err := validateProvider(p); err != nil {
		return p, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO providers(id,name,wallet,category,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Wallet, string(p.Category), nullable(p.Description), now)
	if err != nil {
		return p, fmt.Errorf("insert provider: %w", err)
	}
	return p, nil
}

func (s *SQLStore) Update(ctx context.Context, p domain.ServiceProvider) error {
	if err := validateProvider(p); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE providers SET name=?,wallet=?,category=?,description=? WHERE id=?`,
		p.Name, p.Wallet, string(p.Category), nullable(p.Description), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedDefaults inserts the starter directory on first run. No-op when any
// provider already exists.
func (s *SQLStore) SeedDefaults(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM providers`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, p := range DefaultProviders() {
		if _, err := s.Add(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// DefaultProviders is the starter directory.
func DefaultProviders() []domain.ServiceProvider {
	return []domain.ServiceProvider{
		{ID: "1", Name: "Nexus Tech", Wallet: "0x71C765...881", Category: domain.CategoryTech, Description: "Specialized in smart contract audits."},
		{ID: "2", Name: "Quantum Research", Wallet: "0x3A2bFD...4cf", Category: domain.CategoryResearch, Description: "Data analysis and market trends."},
		{ID: "3", Name: "Aura Creative", Wallet: "0x9E11AC...12e", Category: domain.CategoryDesign, Description: "Visual identity and UI/UX assets."},
	}
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
