package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/oauth-issuer/models"
	"github.com/upb/oauth-issuer/repositories"
	"go.uber.org/zap"
)

const browserSessionColumns = `id, tenant_id, created_at, last_activity, user_agent, ip_address, version, active_user_id`

// SessionRepository implements the repositories.SessionRepository interface
type SessionRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB, logger *zap.Logger) repositories.SessionRepository {
	return &SessionRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// CreateBrowserSession creates a new browser session
func (r *SessionRepository) CreateBrowserSession(ctx context.Context, session *models.BrowserSession) error {
	query := `
		INSERT INTO browser_sessions (` + browserSessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		session.ID,
		session.TenantID,
		session.CreatedAt,
		session.LastActivity,
		session.UserAgent,
		session.IPAddress,
		session.Version,
		nullString(session.ActiveUserID),
	)

	if err != nil {
		return fmt.Errorf("failed to create browser session: %w", err)
	}

	r.logger.Debug("browser session created", zap.String("id", session.ID.String()), zap.String("tenant_id", session.TenantID))
	return nil
}

// GetBrowserSession retrieves a browser session by ID
func (r *SessionRepository) GetBrowserSession(ctx context.Context, id uuid.UUID) (*models.BrowserSession, error) {
	query := `SELECT ` + browserSessionColumns + ` FROM browser_sessions WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	session, err := scanBrowserSession(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get browser session: %w", err)
	}

	return session, nil
}

// ListAccountSessions returns the account sessions of a browser session
func (r *SessionRepository) ListAccountSessions(ctx context.Context, browserSessionID uuid.UUID) ([]*models.AccountSession, error) {
	query := `
		SELECT id, browser_session_id, user_id, is_active, authenticated_at, expires_at,
		       subject_type, subject_properties, refresh_token, client_id
		FROM account_sessions
		WHERE browser_session_id = $1
		ORDER BY authenticated_at ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, browserSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query account sessions: %w", err)
	}
	defer rows.Close()

	var accounts []*models.AccountSession
	for rows.Next() {
		account := &models.AccountSession{}
		var expiresAt sql.NullTime
		err := rows.Scan(
			&account.ID,
			&account.BrowserSessionID,
			&account.UserID,
			&account.IsActive,
			&account.AuthenticatedAt,
			&expiresAt,
			&account.SubjectType,
			&account.SubjectProperties,
			&account.RefreshToken,
			&account.ClientID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account session: %w", err)
		}
		if expiresAt.Valid {
			account.ExpiresAt = expiresAt.Time
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account session rows: %w", err)
	}

	return accounts, nil
}

// CommitBrowserSession writes the new session state and its account changes in one
// transaction, guarded by the expected version
func (r *SessionRepository) CommitBrowserSession(ctx context.Context, commit repositories.SessionCommit) error {
	if commit.Session == nil {
		return fmt.Errorf("commit has no session")
	}

	return r.tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(txCtx, r.db)
		s := commit.Session

		result, err := executor.ExecContext(txCtx, `
			UPDATE browser_sessions
			SET last_activity = GREATEST(last_activity, $3),
			    user_agent = $4,
			    ip_address = $5,
			    version = $6,
			    active_user_id = $7
			WHERE id = $1 AND version = $2
		`,
			s.ID,
			commit.ExpectedVersion,
			s.LastActivity,
			s.UserAgent,
			s.IPAddress,
			s.Version,
			nullString(s.ActiveUserID),
		)
		if err != nil {
			return fmt.Errorf("failed to update browser session: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			var exists bool
			err := executor.QueryRowContext(txCtx,
				`SELECT EXISTS(SELECT 1 FROM browser_sessions WHERE id = $1)`, s.ID,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check browser session: %w", err)
			}
			if !exists {
				return repositories.ErrNotFound
			}
			return repositories.ErrVersionConflict
		}

		if len(commit.RemoveUserIDs) > 0 {
			_, err := executor.ExecContext(txCtx,
				`DELETE FROM account_sessions WHERE browser_session_id = $1 AND user_id = ANY($2)`,
				s.ID, pq.Array(commit.RemoveUserIDs),
			)
			if err != nil {
				return fmt.Errorf("failed to delete account sessions: %w", err)
			}
		}

		// Deactivations go first so the one-active index never sees two active rows
		upserts := append([]*models.AccountSession(nil), commit.Upserts...)
		sort.SliceStable(upserts, func(i, j int) bool {
			return !upserts[i].IsActive && upserts[j].IsActive
		})

		for _, account := range upserts {
			if err := upsertAccountSession(txCtx, executor, s.ID, account); err != nil {
				return err
			}
		}

		return nil
	})
}

func upsertAccountSession(ctx context.Context, executor Executor, browserSessionID uuid.UUID, account *models.AccountSession) error {
	query := `
		INSERT INTO account_sessions (
			id, browser_session_id, user_id, is_active, authenticated_at, expires_at,
			subject_type, subject_properties, refresh_token, client_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (browser_session_id, user_id) DO UPDATE
		SET is_active = EXCLUDED.is_active,
		    authenticated_at = EXCLUDED.authenticated_at,
		    expires_at = EXCLUDED.expires_at,
		    subject_type = EXCLUDED.subject_type,
		    subject_properties = EXCLUDED.subject_properties,
		    refresh_token = EXCLUDED.refresh_token,
		    client_id = EXCLUDED.client_id
	`

	_, err := executor.ExecContext(ctx, query,
		account.ID,
		browserSessionID,
		account.UserID,
		account.IsActive,
		account.AuthenticatedAt,
		nullTime(account.ExpiresAt),
		account.SubjectType,
		account.SubjectProperties,
		account.RefreshToken,
		account.ClientID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account session: %w", err)
	}
	return nil
}

// TouchBrowserSession moves last_activity forward without bumping the version.
// Expired sessions are not touched.
func (r *SessionRepository) TouchBrowserSession(ctx context.Context, id uuid.UUID, at, idleCutoff, lifetimeCutoff time.Time) (bool, error) {
	query := `
		UPDATE browser_sessions
		SET last_activity = GREATEST(last_activity, $2)
		WHERE id = $1 AND last_activity >= $3 AND created_at >= $4
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id, at, idleCutoff, lifetimeCutoff)
	if err != nil {
		return false, fmt.Errorf("failed to touch browser session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteBrowserSession deletes a browser session. Account sessions cascade.
func (r *SessionRepository) DeleteBrowserSession(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `DELETE FROM browser_sessions WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete browser session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		r.logger.Debug("browser session deleted", zap.String("id", id.String()))
	}
	return rowsAffected > 0, nil
}

// ListBrowserSessionsByUser returns the tenant's sessions that hold an account for the user
func (r *SessionRepository) ListBrowserSessionsByUser(ctx context.Context, tenantID, userID string) ([]*models.BrowserSession, error) {
	query := `
		SELECT b.id, b.tenant_id, b.created_at, b.last_activity, b.user_agent, b.ip_address, b.version, b.active_user_id
		FROM browser_sessions b
		JOIN account_sessions a ON a.browser_session_id = b.id
		WHERE b.tenant_id = $1 AND a.user_id = $2
		ORDER BY b.created_at ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query browser sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.BrowserSession
	for rows.Next() {
		session, err := scanBrowserSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan browser session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating browser session rows: %w", err)
	}

	return sessions, nil
}

// DeleteExpiredBrowserSessions removes sessions past their idle window or lifetime
func (r *SessionRepository) DeleteExpiredBrowserSessions(ctx context.Context, idleCutoff, lifetimeCutoff time.Time) (int64, error) {
	query := `DELETE FROM browser_sessions WHERE last_activity < $1 OR created_at < $2`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, idleCutoff, lifetimeCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired browser sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBrowserSession(row rowScanner) (*models.BrowserSession, error) {
	session := &models.BrowserSession{}
	var activeUserID sql.NullString
	err := row.Scan(
		&session.ID,
		&session.TenantID,
		&session.CreatedAt,
		&session.LastActivity,
		&session.UserAgent,
		&session.IPAddress,
		&session.Version,
		&activeUserID,
	)
	if err != nil {
		return nil, err
	}
	session.ActiveUserID = stringPtr(activeUserID)
	return session, nil
}
