/*
Copyright 2024 The CdsCTF Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store declares the query contracts the backend core consumes.
// The relational layer behind them is an external collaborator; gormstore
// is the production implementation, memstore backs tests and single-node
// development.
package store

import (
	"context"

	"github.com/cds-ctf/cds-server/pkg/model"
)

// Store bundles the per-entity contracts behind one handle.
type Store interface {
	Users() UserStore
	Teams() TeamStore
	Games() GameStore
	Challenges() ChallengeStore
	Submissions() SubmissionStore
}

// UserStore reads accounts. Soft-deleted rows are reported via
// User.IsDeleted, never filtered silently, so callers can tombstone
// dependent rows.
type UserStore interface {
	Get(ctx context.Context, id int64) (*model.User, error)
}

type TeamStore interface {
	Get(ctx context.Context, id int64) (*model.Team, error)
	// SetState moves a team through its review lifecycle. The
	// adjudicator uses it to force Passed -> Banned on detected cheating.
	SetState(ctx context.Context, id int64, state model.TeamState) error
	// UpdateScore writes the derived pts and rank. Scoring engine only.
	UpdateScore(ctx context.Context, id int64, pts, rank int64) error
	ListByGame(ctx context.Context, gameID int64) ([]model.Team, error)
}

type GameStore interface {
	Get(ctx context.Context, id int64) (*model.Game, error)
	ListEnabled(ctx context.Context) ([]model.Game, error)
	GetChallenge(ctx context.Context, gameID int64, challengeID string) (*model.GameChallenge, error)
	ListChallenges(ctx context.Context, gameID int64) ([]model.GameChallenge, error)
	// UpdateChallengePts writes the derived next-solver value. Scoring engine only.
	UpdateChallengePts(ctx context.Context, gameID int64, challengeID string, pts int64) error
}

type ChallengeStore interface {
	Get(ctx context.Context, id string) (*model.Challenge, error)
}

type SubmissionStore interface {
	Get(ctx context.Context, id int64) (*model.Submission, error)
	Create(ctx context.Context, s *model.Submission) error
	Delete(ctx context.Context, id int64) error
	// UpdateStatus persists the terminal adjudication outcome.
	UpdateStatus(ctx context.Context, id int64, status model.Status) error
	// UpdateScore writes the derived pts and rank. Scoring engine only.
	UpdateScore(ctx context.Context, id int64, pts, rank int64) error
	// ListPendingIDs returns ids of Pending submissions ordered by
	// created_at ascending, for startup recovery.
	ListPendingIDs(ctx context.Context) ([]int64, error)
	// HasCorrect reports whether a Correct submission already exists in
	// the same scope as s: (challenge, game, team) in a game,
	// (challenge, user) with null game/team in the playground.
	HasCorrect(ctx context.Context, s *model.Submission) (bool, error)
	// ListCorrectByGame returns all Correct submissions of a game
	// ordered by created_at ascending.
	ListCorrectByGame(ctx context.Context, gameID int64) ([]model.Submission, error)
}
