package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tradegate/tradegate/internal/domain"
	"github.com/tradegate/tradegate/internal/persistence"
)

// credentialsRepo implements CredentialsRepo for PostgreSQL. The
// credential bag lives in a JSONB column whose keys vary per venue.
type credentialsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCredentialsRepo creates a new PostgreSQL credentials repository.
func NewCredentialsRepo(db *sqlx.DB, timeout time.Duration) persistence.CredentialsRepo {
	return &credentialsRepo{db: db, timeout: timeout}
}

func (r *credentialsRepo) Get(ctx context.Context, userID uuid.UUID, venue domain.Venue) (*domain.VenueCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Production rows win over sandbox when a user configured both.
	query := `
		SELECT user_id, venue, environment, COALESCE(label, ''), credentials
		FROM bot_credentials
		WHERE user_id = $1 AND venue = $2
		ORDER BY CASE WHEN environment = 'production' THEN 0 ELSE 1 END
		LIMIT 1`

	var (
		cred    domain.VenueCredential
		venueS  string
		envS    string
		bagJSON []byte
	)
	err := r.db.QueryRowxContext(ctx, query, userID, string(venue)).
		Scan(&cred.UserID, &venueS, &envS, &cred.Label, &bagJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	cred.Venue = domain.Venue(venueS)
	cred.Environment = domain.ParseEnvironment(envS)
	if len(bagJSON) > 0 {
		if err := json.Unmarshal(bagJSON, &cred.Bag); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential bag: %w", err)
		}
	}
	return &cred, nil
}
