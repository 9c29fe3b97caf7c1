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

// Package gormstore implements the store contracts on postgres via gorm.
package gormstore

import (
	"context"
	"errors"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/cds-ctf/cds-server/pkg/errs"
	"github.com/cds-ctf/cds-server/pkg/model"
	"github.com/cds-ctf/cds-server/pkg/store"
)

type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to postgres and returns a ready store. Schema migration
// is owned elsewhere; Open does not touch table definitions.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errs.Wrap(err, errs.InternalServerError, "open database")
	}
	return &Store{db: db}, nil
}

// New wraps an existing gorm handle, mainly for tests against sqlite or
// a shared transaction.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Users() store.UserStore             { return (*userStore)(s) }
func (s *Store) Teams() store.TeamStore             { return (*teamStore)(s) }
func (s *Store) Games() store.GameStore             { return (*gameStore)(s) }
func (s *Store) Challenges() store.ChallengeStore   { return (*challengeStore)(s) }
func (s *Store) Submissions() store.SubmissionStore { return (*submissionStore)(s) }

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.New(errs.NotFound, "%s not found", what)
	}
	return errs.Wrap(err, errs.InternalServerError, what)
}

type userStore Store

func (s *userStore) Get(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err, "user")
	}
	return &u, nil
}

type teamStore Store

func (s *teamStore) Get(ctx context.Context, id int64) (*model.Team, error) {
	var t model.Team
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, translate(err, "team")
	}
	return &t, nil
}

func (s *teamStore) SetState(ctx context.Context, id int64, state model.TeamState) error {
	res := s.db.WithContext(ctx).Model(&model.Team{}).Where("id = ?", id).Update("state", state)
	if res.Error != nil {
		return translate(res.Error, "team state")
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, "team %d not found", id)
	}
	return nil
}

func (s *teamStore) UpdateScore(ctx context.Context, id int64, pts, rank int64) error {
	err := s.db.WithContext(ctx).Model(&model.Team{}).Where("id = ?", id).
		Updates(map[string]interface{}{"pts": pts, "rank": rank}).Error
	return translate(err, "team score")
}

func (s *teamStore) ListByGame(ctx context.Context, gameID int64) ([]model.Team, error) {
	var teams []model.Team
	err := s.db.WithContext(ctx).Where("game_id = ?", gameID).Find(&teams).Error
	return teams, translate(err, "teams")
}

type gameStore Store

func (s *gameStore) Get(ctx context.Context, id int64) (*model.Game, error) {
	var g model.Game
	if err := s.db.WithContext(ctx).First(&g, id).Error; err != nil {
		return nil, translate(err, "game")
	}
	return &g, nil
}

func (s *gameStore) ListEnabled(ctx context.Context) ([]model.Game, error) {
	var games []model.Game
	err := s.db.WithContext(ctx).Where("is_enabled = ?", true).Find(&games).Error
	return games, translate(err, "games")
}

func (s *gameStore) GetChallenge(ctx context.Context, gameID int64, challengeID string) (*model.GameChallenge, error) {
	var gc model.GameChallenge
	err := s.db.WithContext(ctx).
		Where("game_id = ? AND challenge_id = ?", gameID, challengeID).
		First(&gc).Error
	if err != nil {
		return nil, translate(err, "game challenge")
	}
	return &gc, nil
}

func (s *gameStore) ListChallenges(ctx context.Context, gameID int64) ([]model.GameChallenge, error) {
	var gcs []model.GameChallenge
	err := s.db.WithContext(ctx).
		Where("game_id = ? AND is_enabled = ?", gameID, true).
		Find(&gcs).Error
	return gcs, translate(err, "game challenges")
}

func (s *gameStore) UpdateChallengePts(ctx context.Context, gameID int64, challengeID string, pts int64) error {
	err := s.db.WithContext(ctx).Model(&model.GameChallenge{}).
		Where("game_id = ? AND challenge_id = ?", gameID, challengeID).
		Update("pts", pts).Error
	return translate(err, "game challenge pts")
}

type challengeStore Store

func (s *challengeStore) Get(ctx context.Context, id string) (*model.Challenge, error) {
	var c model.Challenge
	err := s.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&c).Error
	if err != nil {
		return nil, translate(err, "challenge")
	}
	return &c, nil
}

type submissionStore Store

func (s *submissionStore) Get(ctx context.Context, id int64) (*model.Submission, error) {
	var sub model.Submission
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, translate(err, "submission")
	}
	return &sub, nil
}

func (s *submissionStore) Create(ctx context.Context, sub *model.Submission) error {
	return translate(s.db.WithContext(ctx).Create(sub).Error, "submission")
}

func (s *submissionStore) Delete(ctx context.Context, id int64) error {
	return translate(s.db.WithContext(ctx).Delete(&model.Submission{}, id).Error, "submission")
}

func (s *submissionStore) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	err := s.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ?", id).Update("status", status).Error
	return translate(err, "submission status")
}

func (s *submissionStore) UpdateScore(ctx context.Context, id int64, pts, rank int64) error {
	err := s.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"pts": pts, "rank": rank}).Error
	return translate(err, "submission score")
}

func (s *submissionStore) ListPendingIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.Submission{}).
		Where("status = ?", model.StatusPending).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, translate(err, "pending submissions")
}

func (s *submissionStore) HasCorrect(ctx context.Context, sub *model.Submission) (bool, error) {
	q := s.db.WithContext(ctx).Model(&model.Submission{}).
		Where("challenge_id = ? AND status = ?", sub.ChallengeID, model.StatusCorrect)
	if sub.InGame() {
		q = q.Where("game_id = ? AND team_id = ?", *sub.GameID, *sub.TeamID)
	} else {
		q = q.Where("user_id = ? AND game_id IS NULL AND team_id IS NULL", sub.UserID)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, translate(err, "correct submissions")
	}
	return count > 0, nil
}

func (s *submissionStore) ListCorrectByGame(ctx context.Context, gameID int64) ([]model.Submission, error) {
	var subs []model.Submission
	err := s.db.WithContext(ctx).
		Where("game_id = ? AND status = ?", gameID, model.StatusCorrect).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, translate(err, "correct submissions")
}
