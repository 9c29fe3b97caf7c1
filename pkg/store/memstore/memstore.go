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

// Package memstore is a map-backed implementation of the store
// contracts, used by worker tests and single-node development.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/cds-ctf/cds-server/pkg/errs"
	"github.com/cds-ctf/cds-server/pkg/model"
	"github.com/cds-ctf/cds-server/pkg/store"
)

type Store struct {
	mu sync.RWMutex

	users          map[int64]*model.User
	teams          map[int64]*model.Team
	games          map[int64]*model.Game
	challenges     map[string]*model.Challenge
	gameChallenges map[int64]map[string]*model.GameChallenge
	submissions    map[int64]*model.Submission
	nextSubID      int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:          map[int64]*model.User{},
		teams:          map[int64]*model.Team{},
		games:          map[int64]*model.Game{},
		challenges:     map[string]*model.Challenge{},
		gameChallenges: map[int64]map[string]*model.GameChallenge{},
		submissions:    map[int64]*model.Submission{},
		nextSubID:      1,
	}
}

func (s *Store) Users() store.UserStore             { return (*userStore)(s) }
func (s *Store) Teams() store.TeamStore             { return (*teamStore)(s) }
func (s *Store) Games() store.GameStore             { return (*gameStore)(s) }
func (s *Store) Challenges() store.ChallengeStore   { return (*challengeStore)(s) }
func (s *Store) Submissions() store.SubmissionStore { return (*submissionStore)(s) }

// Seed helpers. Records are copied in so callers keep ownership.

func (s *Store) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

func (s *Store) PutTeam(t model.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = &t
}

func (s *Store) PutGame(g model.Game) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[g.ID] = &g
}

func (s *Store) PutChallenge(c model.Challenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.ID] = &c
}

func (s *Store) PutGameChallenge(gc model.GameChallenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameChallenges[gc.GameID] == nil {
		s.gameChallenges[gc.GameID] = map[string]*model.GameChallenge{}
	}
	s.gameChallenges[gc.GameID][gc.ChallengeID] = &gc
}

type userStore Store

func (s *userStore) Get(ctx context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "user %d not found", id)
	}
	cp := *u
	return &cp, nil
}

type teamStore Store

func (s *teamStore) Get(ctx context.Context, id int64) (*model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "team %d not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *teamStore) SetState(ctx context.Context, id int64, state model.TeamState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return errs.New(errs.NotFound, "team %d not found", id)
	}
	t.State = state
	return nil
}

func (s *teamStore) UpdateScore(ctx context.Context, id int64, pts, rank int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return errs.New(errs.NotFound, "team %d not found", id)
	}
	t.Pts = pts
	t.Rank = rank
	return nil
}

func (s *teamStore) ListByGame(ctx context.Context, gameID int64) ([]model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Team
	for _, t := range s.teams {
		if t.GameID == gameID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type gameStore Store

func (s *gameStore) Get(ctx context.Context, id int64) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.games[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "game %d not found", id)
	}
	cp := *g
	return &cp, nil
}

func (s *gameStore) ListEnabled(ctx context.Context) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Game
	for _, g := range s.games {
		if g.IsEnabled {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *gameStore) GetChallenge(ctx context.Context, gameID int64, challengeID string) (*model.GameChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gc, ok := s.gameChallenges[gameID][challengeID]
	if !ok {
		return nil, errs.New(errs.NotFound, "game challenge %d/%s not found", gameID, challengeID)
	}
	cp := *gc
	return &cp, nil
}

func (s *gameStore) ListChallenges(ctx context.Context, gameID int64) ([]model.GameChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.GameChallenge
	for _, gc := range s.gameChallenges[gameID] {
		if gc.IsEnabled {
			out = append(out, *gc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChallengeID < out[j].ChallengeID })
	return out, nil
}

func (s *gameStore) UpdateChallengePts(ctx context.Context, gameID int64, challengeID string, pts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gc, ok := s.gameChallenges[gameID][challengeID]
	if !ok {
		return errs.New(errs.NotFound, "game challenge %d/%s not found", gameID, challengeID)
	}
	gc.Pts = pts
	return nil
}

type challengeStore Store

func (s *challengeStore) Get(ctx context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok || c.DeletedAt != nil {
		return nil, errs.New(errs.NotFound, "challenge %s not found", id)
	}
	cp := *c
	return &cp, nil
}

type submissionStore Store

func (s *submissionStore) Get(ctx context.Context, id int64) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "submission %d not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (s *submissionStore) Create(ctx context.Context, sub *model.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.nextSubID
	}
	if sub.ID >= s.nextSubID {
		s.nextSubID = sub.ID + 1
	}
	cp := *sub
	s.submissions[sub.ID] = &cp
	return nil
}

func (s *submissionStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submissions, id)
	return nil
}

func (s *submissionStore) UpdateStatus(ctx context.Context, id int64, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return errs.New(errs.NotFound, "submission %d not found", id)
	}
	sub.Status = status
	return nil
}

func (s *submissionStore) UpdateScore(ctx context.Context, id int64, pts, rank int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[id]
	if !ok {
		return errs.New(errs.NotFound, "submission %d not found", id)
	}
	sub.Pts = pts
	sub.Rank = rank
	return nil
}

func (s *submissionStore) ListPendingIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []*model.Submission
	for _, sub := range s.submissions {
		if sub.Status == model.StatusPending {
			pending = append(pending, sub)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt != pending[j].CreatedAt {
			return pending[i].CreatedAt < pending[j].CreatedAt
		}
		return pending[i].ID < pending[j].ID
	})
	ids := make([]int64, 0, len(pending))
	for _, sub := range pending {
		ids = append(ids, sub.ID)
	}
	return ids, nil
}

func (s *submissionStore) HasCorrect(ctx context.Context, target *model.Submission) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.submissions {
		if sub.Status != model.StatusCorrect || sub.ChallengeID != target.ChallengeID {
			continue
		}
		if target.InGame() {
			if sub.GameID != nil && sub.TeamID != nil &&
				*sub.GameID == *target.GameID && *sub.TeamID == *target.TeamID {
				return true, nil
			}
		} else {
			if sub.GameID == nil && sub.TeamID == nil && sub.UserID == target.UserID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *submissionStore) ListCorrectByGame(ctx context.Context, gameID int64) ([]model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Submission
	for _, sub := range s.submissions {
		if sub.Status == model.StatusCorrect && sub.GameID != nil && *sub.GameID == gameID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
