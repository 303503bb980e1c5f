package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alovak/payout-gate/gate/models"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

var ErrNotFound = fmt.Errorf("not found")

var ErrConflict = fmt.Errorf("conflict")

// Repository stores payment entries, auth profiles and auth sessions.
// With a nil db it runs fully in memory (tests and local development);
// otherwise every operation goes to Postgres.
type Repository struct {
	mu       sync.RWMutex
	entries  map[string]*models.PaymentEntry
	profiles map[string]*models.AuthProfile
	sessions map[string]*models.AuthSession

	db *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		entries:  make(map[string]*models.PaymentEntry),
		profiles: make(map[string]*models.AuthProfile),
		sessions: make(map[string]*models.AuthSession),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SeedPaymentEntry loads an entry into the memory backend. Payment entries
// are owned by the accounting system; the pg backend reads its tables and
// never creates them from here.
func (r *Repository) SeedPaymentEntry(entry *models.PaymentEntry) error {
	if r.db != nil {
		return fmt.Errorf("seeding is not supported in DB mode")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[entry.Name]; ok {
		return fmt.Errorf("payment entry exists: %w", ErrConflict)
	}
	r.entries[entry.Name] = entry
	return nil
}

// SeedAuthProfile loads a user profile into the memory backend.
func (r *Repository) SeedAuthProfile(profile *models.AuthProfile) error {
	if r.db != nil {
		return fmt.Errorf("seeding is not supported in DB mode")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.User] = profile
	return nil
}

func (r *Repository) GetPaymentEntry(ctx context.Context, name string) (*models.PaymentEntry, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		entry, ok := r.entries[name]
		if !ok {
			return nil, ErrNotFound
		}
		copied := *entry
		return &copied, nil
	}

	row := r.db.QueryRowContext(ctx, `
        SELECT name, payment_type, docstatus, integration_doctype, integration_docname,
               make_bank_online_payment, amended_from, party, paid_amount
          FROM gate.payment_entries WHERE name=$1
    `, name)
	var e models.PaymentEntry
	err := row.Scan(&e.Name, &e.PaymentType, &e.Docstatus, &e.IntegrationDoctype,
		&e.IntegrationDocname, &e.MakeBankOnlinePayment, &e.AmendedFrom, &e.Party, &e.PaidAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListPaymentEntries returns every known entry ordered by name. List views
// partition the result client-side; the repository does not filter.
func (r *Repository) ListPaymentEntries(ctx context.Context) ([]models.PaymentEntry, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		entries := make([]models.PaymentEntry, 0, len(r.entries))
		for _, entry := range r.entries {
			entries = append(entries, *entry)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return entries, nil
	}

	rows, err := r.db.QueryContext(ctx, `
        SELECT name, payment_type, docstatus, integration_doctype, integration_docname,
               make_bank_online_payment, amended_from, party, paid_amount
          FROM gate.payment_entries ORDER BY name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.PaymentEntry
	for rows.Next() {
		var e models.PaymentEntry
		if err := rows.Scan(&e.Name, &e.PaymentType, &e.Docstatus, &e.IntegrationDoctype,
			&e.IntegrationDocname, &e.MakeBankOnlinePayment, &e.AmendedFrom, &e.Party, &e.PaidAmount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetOnlinePaymentFlag marks or unmarks an entry for automated payment.
func (r *Repository) SetOnlinePaymentFlag(ctx context.Context, name string, marked bool) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry, ok := r.entries[name]
		if !ok {
			return ErrNotFound
		}
		entry.MakeBankOnlinePayment = marked
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
        UPDATE gate.payment_entries SET make_bank_online_payment=$2 WHERE name=$1
    `, name, marked)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSubmitted transitions a draft entry to submitted. A non-draft entry
// is a conflict, not a silent success.
func (r *Repository) MarkSubmitted(ctx context.Context, name string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry, ok := r.entries[name]
		if !ok {
			return ErrNotFound
		}
		if entry.Docstatus != models.DocstatusDraft {
			return fmt.Errorf("payment entry %s is not a draft: %w", name, ErrConflict)
		}
		entry.Docstatus = models.DocstatusSubmitted
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
        UPDATE gate.payment_entries SET docstatus=$2 WHERE name=$1 AND docstatus=$3
    `, name, models.DocstatusSubmitted, models.DocstatusDraft)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrConflict
	}
	return nil
}

func (r *Repository) GetAuthProfile(ctx context.Context, user string) (*models.AuthProfile, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		profile, ok := r.profiles[user]
		if !ok {
			return nil, ErrNotFound
		}
		copied := *profile
		copied.Roles = append([]string(nil), profile.Roles...)
		return &copied, nil
	}

	row := r.db.QueryRowContext(ctx, `
        SELECT username, roles, preferred_method, totp_secret, mobile, email
          FROM gate.auth_profiles WHERE username=$1
    `, user)
	var p models.AuthProfile
	var roles pq.StringArray
	var method string
	if err := row.Scan(&p.User, &roles, &method, &p.TOTPSecret, &p.Mobile, &p.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Roles = roles
	p.PreferredMethod = models.AuthMethod(method)
	return &p, nil
}

func (r *Repository) CreateAuthSession(ctx context.Context, session *models.AuthSession) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.sessions[session.AuthID]; ok {
			return fmt.Errorf("auth session exists: %w", ErrConflict)
		}
		copied := *session
		copied.Entries = append([]string(nil), session.Entries...)
		r.sessions[session.AuthID] = &copied
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO gate.auth_sessions(auth_id, username, method, entries, code_hash,
                                       setup, verified, consumed, attempts, created_at, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,false,false,0,$7,$8)
    `, session.AuthID, session.User, string(session.Method), pq.Array(session.Entries),
		session.CodeHash, session.Setup, session.CreatedAt, session.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *Repository) GetAuthSession(ctx context.Context, authID string) (*models.AuthSession, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		session, ok := r.sessions[authID]
		if !ok {
			return nil, ErrNotFound
		}
		copied := *session
		copied.Entries = append([]string(nil), session.Entries...)
		return &copied, nil
	}

	row := r.db.QueryRowContext(ctx, `
        SELECT auth_id, username, method, entries, code_hash, setup, verified,
               consumed, attempts, created_at, expires_at
          FROM gate.auth_sessions WHERE auth_id=$1
    `, authID)
	var s models.AuthSession
	var entries pq.StringArray
	var method string
	err := row.Scan(&s.AuthID, &s.User, &method, &entries, &s.CodeHash, &s.Setup,
		&s.Verified, &s.Consumed, &s.Attempts, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Entries = entries
	s.Method = models.AuthMethod(method)
	return &s, nil
}

// RecordFailedAttempt bumps the session's attempt counter and returns the
// new count.
func (r *Repository) RecordFailedAttempt(ctx context.Context, authID string) (int, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		session, ok := r.sessions[authID]
		if !ok {
			return 0, ErrNotFound
		}
		session.Attempts++
		return session.Attempts, nil
	}

	var attempts int
	err := r.db.QueryRowContext(ctx, `
        UPDATE gate.auth_sessions SET attempts = attempts + 1 WHERE auth_id=$1
        RETURNING attempts
    `, authID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

func (r *Repository) MarkVerified(ctx context.Context, authID string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		session, ok := r.sessions[authID]
		if !ok {
			return ErrNotFound
		}
		session.Verified = true
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
        UPDATE gate.auth_sessions SET verified=true WHERE auth_id=$1
    `, authID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeAuthSession retires a verified session so its auth id cannot
// authorize a second execution.
func (r *Repository) ConsumeAuthSession(ctx context.Context, authID string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		session, ok := r.sessions[authID]
		if !ok {
			return ErrNotFound
		}
		if session.Consumed {
			return ErrConflict
		}
		session.Consumed = true
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
        UPDATE gate.auth_sessions SET consumed=true WHERE auth_id=$1 AND consumed=false
    `, authID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrConflict
	}
	return nil
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
