package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrTeamNotFound = errors.New("team not found")

// TeamRepository resolves API tokens to team ids.
type TeamRepository struct {
	db DB
}

func NewTeamRepository(db DB) *TeamRepository {
	return &TeamRepository{db: db}
}

// GetTeamIDByToken returns the id of the team owning the token, or
// ErrTeamNotFound.
func (r *TeamRepository) GetTeamIDByToken(ctx context.Context, token string) (int64, error) {
	var teamID int64
	err := r.db.QueryRow(ctx, `SELECT id FROM teams WHERE api_token = $1`, token).Scan(&teamID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTeamNotFound
		}
		return 0, fmt.Errorf("get team by token: %w", err)
	}
	return teamID, nil
}
