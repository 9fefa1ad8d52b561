package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	// timeLayout sorts lexically in both backends.
	timeLayout = "2006-01-02T15:04:05Z"
)

// ErrMerchantNotFound is returned for merchant ids with no row.
var ErrMerchantNotFound = errors.New("merchant not found")

// ErrCategoryNotFound is returned when updating a missing category.
var ErrCategoryNotFound = errors.New("category not found")

// Transaction is one ledger row.
type Transaction struct {
	ID              int64   `json:"id"`
	Amount          float64 `json:"amount"`
	TransactionType string  `json:"transaction_type"`
	Description     string  `json:"description"`
	TransactionDate string  `json:"transaction_date"`
	Category        *string `json:"category"`
	PaymentMethod   string  `json:"payment_method"`
	Status          string  `json:"status"`
	ReferenceID     string  `json:"reference_id"`
}

// Category is a transaction category.
type Category struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Filter narrows a transaction query. Zero values are ignored.
type Filter struct {
	MerchantID    int64
	Type          string
	CategoryID    int64
	From          time.Time
	Until         time.Time
	PaymentMethod string
	Status        string
	Limit         int
}

// CategoryTotal is an aggregated amount per category.
type CategoryTotal struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	Count    int     `json:"count"`
}

// Store is the SQL access layer. Queries are written with ? placeholders and
// rebound for the postgres driver.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to driver/dsn and creates the tables if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open db: %w", err)
	}
	if driver == DriverSQLite {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) serial() string {
	if s.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS merchants (
			id   ` + s.serial() + `,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id            ` + s.serial() + `,
			name          TEXT NOT NULL,
			category_type TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id               ` + s.serial() + `,
			merchant_id      BIGINT NOT NULL REFERENCES merchants(id),
			category_id      BIGINT REFERENCES categories(id),
			amount           DOUBLE PRECISION NOT NULL,
			transaction_type TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			transaction_date TEXT NOT NULL,
			payment_method   TEXT NOT NULL DEFAULT 'OTHER',
			status           TEXT NOT NULL DEFAULT 'COMPLETED',
			reference_id     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_merchant_date ON transactions(merchant_id, transaction_date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// MerchantExists reports whether id has a merchants row.
func (s *Store) MerchantExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM merchants WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateMerchant inserts a merchant and returns its id.
func (s *Store) CreateMerchant(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO merchants(name) VALUES(?) RETURNING id`), name).Scan(&id)
	return id, err
}

// RecordTransaction inserts t for merchant and returns its id. A zero
// categoryID stores NULL.
func (s *Store) RecordTransaction(ctx context.Context, merchant, categoryID int64, t Transaction) (int64, error) {
	var cat any
	if categoryID > 0 {
		cat = categoryID
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO transactions
		(merchant_id, category_id, amount, transaction_type, description, transaction_date, payment_method, status, reference_id)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		merchant, cat, t.Amount, t.TransactionType, t.Description, t.TransactionDate, t.PaymentMethod, t.Status, t.ReferenceID,
	).Scan(&id)
	return id, err
}

func (f Filter) where() (string, []any) {
	clauses := []string{"t.merchant_id = ?"}
	args := []any{f.MerchantID}
	if f.Type != "" && f.Type != "ALL" {
		clauses = append(clauses, "t.transaction_type = ?")
		args = append(args, f.Type)
	}
	if f.CategoryID > 0 {
		clauses = append(clauses, "t.category_id = ?")
		args = append(args, f.CategoryID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "t.transaction_date >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "t.transaction_date <= ?")
		args = append(args, formatTime(f.Until))
	}
	if f.PaymentMethod != "" {
		clauses = append(clauses, "t.payment_method = ?")
		args = append(args, f.PaymentMethod)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status = ?")
		args = append(args, f.Status)
	}
	return strings.Join(clauses, " AND "), args
}

// Transactions returns rows matching f, newest first.
func (s *Store) Transactions(ctx context.Context, f Filter) ([]Transaction, error) {
	where, args := f.where()
	q := `SELECT t.id, t.amount, t.transaction_type, t.description, t.transaction_date,
		c.name, t.payment_method, t.status, t.reference_id
		FROM transactions t LEFT JOIN categories c ON c.id = t.category_id
		WHERE ` + where + ` ORDER BY t.transaction_date DESC, t.id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		var t Transaction
		var cat sql.NullString
		if err := rows.Scan(&t.ID, &t.Amount, &t.TransactionType, &t.Description, &t.TransactionDate,
			&cat, &t.PaymentMethod, &t.Status, &t.ReferenceID); err != nil {
			return nil, err
		}
		if cat.Valid {
			t.Category = &cat.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Totals sums amounts and counts rows matching f.
func (s *Store) Totals(ctx context.Context, f Filter) (float64, int, error) {
	where, args := f.where()
	var (
		sum sql.NullFloat64
		n   int
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT SUM(t.amount), COUNT(*) FROM transactions t WHERE `+where), args...).Scan(&sum, &n)
	if err != nil {
		return 0, 0, err
	}
	return sum.Float64, n, nil
}

// CategoryTotals groups rows matching f by category, largest first.
// Uncategorised rows are left out.
func (s *Store) CategoryTotals(ctx context.Context, f Filter) ([]CategoryTotal, error) {
	where, args := f.where()
	q := `SELECT c.name, SUM(t.amount) AS total, COUNT(*)
		FROM transactions t JOIN categories c ON c.id = t.category_id
		WHERE ` + where + ` GROUP BY c.name ORDER BY total DESC, c.name`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CategoryTotal{}
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.Category, &ct.Amount, &ct.Count); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// Categories lists every category ordered by type then name.
func (s *Store) Categories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, category_type, description, created_at
		FROM categories ORDER BY category_type, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Category{}
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCategory inserts c and returns it with its id set.
func (s *Store) CreateCategory(ctx context.Context, c Category, now time.Time) (Category, error) {
	c.CreatedAt = formatTime(now)
	err := s.db.QueryRowContext(ctx, s.rebind(`INSERT INTO categories(name, category_type, description, created_at)
		VALUES(?, ?, ?, ?) RETURNING id`), c.Name, c.Type, c.Description, c.CreatedAt).Scan(&c.ID)
	return c, err
}

// UpdateCategory changes name and/or description of category id. Nil fields are kept.
func (s *Store) UpdateCategory(ctx context.Context, id int64, name, description *string) (Category, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Category{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var c Category
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id, name, category_type, description, created_at
		FROM categories WHERE id = ?`), id).Scan(&c.ID, &c.Name, &c.Type, &c.Description, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Category{}, fmt.Errorf("%w: %d", ErrCategoryNotFound, id)
	}
	if err != nil {
		return Category{}, err
	}
	if name != nil {
		c.Name = *name
	}
	if description != nil {
		c.Description = *description
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE categories SET name = ?, description = ? WHERE id = ?`),
		c.Name, c.Description, c.ID); err != nil {
		return Category{}, err
	}
	return c, tx.Commit()
}

// Seed fills an empty database with one merchant, a handful of categories and
// a month of transactions dated relative to now.
func (s *Store) Seed(ctx context.Context, now time.Time) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merchants`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	merchant, err := s.CreateMerchant(ctx, "Demo Merchant")
	if err != nil {
		return fmt.Errorf("seed merchant: %w", err)
	}
	cats := map[string]int64{}
	for _, c := range []Category{
		{Name: "Sales", Type: "INCOME", Description: "Product sales"},
		{Name: "Services", Type: "INCOME", Description: "Service revenue"},
		{Name: "Inventory", Type: "EXPENSE", Description: "Stock purchases"},
		{Name: "Rent", Type: "EXPENSE", Description: "Premises rent"},
		{Name: "Utilities", Type: "EXPENSE", Description: "Power, water and internet"},
	} {
		created, err := s.CreateCategory(ctx, c, now)
		if err != nil {
			return fmt.Errorf("seed category %s: %w", c.Name, err)
		}
		cats[c.Name] = created.ID
	}

	day := func(ago int) string { return formatTime(now.AddDate(0, 0, -ago)) }
	rows := []struct {
		cat string
		t   Transaction
	}{
		{"Sales", Transaction{Amount: 1200, TransactionType: "INCOME", Description: "Weekly sales", TransactionDate: day(2), PaymentMethod: "CARD", Status: "COMPLETED", ReferenceID: "INV-1001"}},
		{"Sales", Transaction{Amount: 950, TransactionType: "INCOME", Description: "Weekly sales", TransactionDate: day(9), PaymentMethod: "MOBILE", Status: "COMPLETED", ReferenceID: "INV-1002"}},
		{"Services", Transaction{Amount: 400, TransactionType: "INCOME", Description: "Repair job", TransactionDate: day(12), PaymentMethod: "CASH", Status: "COMPLETED", ReferenceID: "INV-1003"}},
		{"Sales", Transaction{Amount: 300, TransactionType: "INCOME", Description: "Pending invoice", TransactionDate: day(3), PaymentMethod: "BANK_TRANSFER", Status: "PENDING", ReferenceID: "INV-1004"}},
		{"Inventory", Transaction{Amount: 650, TransactionType: "EXPENSE", Description: "Restock", TransactionDate: day(5), PaymentMethod: "BANK_TRANSFER", Status: "COMPLETED", ReferenceID: "PO-2001"}},
		{"Rent", Transaction{Amount: 500, TransactionType: "EXPENSE", Description: "Monthly rent", TransactionDate: day(20), PaymentMethod: "BANK_TRANSFER", Status: "COMPLETED", ReferenceID: "RENT-10"}},
		{"Utilities", Transaction{Amount: 80, TransactionType: "EXPENSE", Description: "Electricity", TransactionDate: day(15), PaymentMethod: "MOBILE", Status: "COMPLETED", ReferenceID: "UTIL-7"}},
		{"Inventory", Transaction{Amount: 900, TransactionType: "EXPENSE", Description: "Bulk restock", TransactionDate: day(75), PaymentMethod: "BANK_TRANSFER", Status: "COMPLETED", ReferenceID: "PO-1990"}},
	}
	for _, r := range rows {
		if _, err := s.RecordTransaction(ctx, merchant, cats[r.cat], r.t); err != nil {
			return fmt.Errorf("seed transaction %s: %w", r.t.ReferenceID, err)
		}
	}
	return nil
}
