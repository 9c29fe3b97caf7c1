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

package calculator

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cds-ctf/cds-server/pkg/model"
	"github.com/cds-ctf/cds-server/pkg/store/memstore"
)

func TestCurveMaxForFirstSolver(t *testing.T) {
	assert.Equal(t, int64(1000), curve(1000, 200, 5, 1, 0))
	assert.Equal(t, int64(1000), curve(1000, 200, 5, 1, 1))
}

func TestCurveDecaysMonotonically(t *testing.T) {
	prev := curve(1000, 200, 5, 1, 1)
	for n := 2; n <= 200; n++ {
		cur := curve(1000, 200, 5, 1, n)
		assert.LessOrEqual(t, cur, prev, "n=%d", n)
		assert.GreaterOrEqual(t, cur, int64(200), "n=%d", n)
		prev = cur
	}
	// Far out the curve sits at the floor.
	assert.Equal(t, int64(200), curve(1000, 200, 5, 1, 1000))
}

func TestCurveIsDeterministic(t *testing.T) {
	assert.Equal(t, int64(855), curve(1000, 200, 5, 1, 2))
	assert.Equal(t, curve(1000, 200, 5, 1, 7), curve(1000, 200, 5, 1, 7))
}

func TestCurveScaleStretchesDecay(t *testing.T) {
	// A larger scale keeps points higher for the same solve count.
	assert.Greater(t, curve(1000, 200, 5, 4, 10), curve(1000, 200, 5, 1, 10))
}

func TestApplyBonus(t *testing.T) {
	ratios := []int64{10, 5}
	assert.Equal(t, int64(1100), applyBonus(1000, ratios, 0))
	assert.Equal(t, int64(1050), applyBonus(1000, ratios, 1))
	assert.Equal(t, int64(1000), applyBonus(1000, ratios, 2), "missing ratio is 0")
	assert.Equal(t, int64(1000), applyBonus(1000, nil, 0))
}

func seedGame(st *memstore.Store) {
	st.PutGame(model.Game{ID: 3, IsEnabled: true, StartedAt: 0, FrozenAt: 1 << 40, EndedAt: 1 << 41})
	st.PutTeam(model.Team{ID: 7, GameID: 3, Name: "blue", State: model.TeamPassed})
	st.PutTeam(model.Team{ID: 8, GameID: 3, Name: "red", State: model.TeamPassed})
	st.PutTeam(model.Team{ID: 9, GameID: 3, Name: "grey", State: model.TeamBanned})
	st.PutChallenge(model.Challenge{ID: "web-101"})
	st.PutGameChallenge(model.GameChallenge{
		GameID: 3, ChallengeID: "web-101", IsEnabled: true,
		MaxPts: 1000, MinPts: 200, Difficulty: 5,
		BonusRatios: []int64{10, 5, 0},
	})
}

func correct(st *memstore.Store, t *testing.T, teamID int64, challengeID string, createdAt int64) int64 {
	t.Helper()
	gameID := int64(3)
	sub := &model.Submission{
		Content:     "flag",
		Status:      model.StatusCorrect,
		UserID:      teamID * 10,
		TeamID:      &teamID,
		GameID:      &gameID,
		ChallengeID: challengeID,
		CreatedAt:   createdAt,
	}
	require.NoError(t, st.Submissions().Create(context.Background(), sub))
	return sub.ID
}

func TestRecomputeAwardsSolversInOrder(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	first := correct(st, t, 7, "web-101", 100)
	second := correct(st, t, 8, "web-101", 200)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	// Two solvers: base = 200 + 800*exp(-1/5) = 855.
	s1, _ := st.Submissions().Get(context.Background(), first)
	assert.Equal(t, int64(940), s1.Pts, "855 * 110%")
	assert.Equal(t, int64(1), s1.Rank)

	s2, _ := st.Submissions().Get(context.Background(), second)
	assert.Equal(t, int64(897), s2.Pts, "855 * 105%")
	assert.Equal(t, int64(2), s2.Rank)

	gc, _ := st.Games().GetChallenge(context.Background(), 3, "web-101")
	assert.Equal(t, int64(855), gc.Pts, "what the third solver would earn")
}

func TestRecomputeFourthSolverGetsBase(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	st.PutTeam(model.Team{ID: 10, GameID: 3, Name: "green", State: model.TeamPassed})
	st.PutTeam(model.Team{ID: 11, GameID: 3, Name: "gold", State: model.TeamPassed})
	ids := []int64{
		correct(st, t, 7, "web-101", 100),
		correct(st, t, 8, "web-101", 200),
		correct(st, t, 10, "web-101", 300),
		correct(st, t, 11, "web-101", 400),
	}

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	// Four solvers: base = 200 + 800*exp(-3/5) = 639.
	s3, _ := st.Submissions().Get(context.Background(), ids[2])
	assert.Equal(t, int64(639), s3.Pts, "third ratio is 0")
	assert.Equal(t, int64(3), s3.Rank)

	// Past the ratio table the bonus is gone entirely.
	s4, _ := st.Submissions().Get(context.Background(), ids[3])
	assert.Equal(t, int64(639), s4.Pts)
	assert.Equal(t, int64(4), s4.Rank)
}

func TestRecomputeFirstBloodKeepsMax(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	only := correct(st, t, 7, "web-101", 100)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	s, _ := st.Submissions().Get(context.Background(), only)
	assert.Equal(t, int64(1100), s.Pts, "1000 * 110%")
}

func TestRecomputeRanksTeams(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	st.PutChallenge(model.Challenge{ID: "pwn-1"})
	st.PutGameChallenge(model.GameChallenge{
		GameID: 3, ChallengeID: "pwn-1", IsEnabled: true,
		MaxPts: 500, MinPts: 100, Difficulty: 5,
	})
	// Team 8 solves both challenges, team 7 only one.
	correct(st, t, 8, "web-101", 100)
	correct(st, t, 8, "pwn-1", 150)
	correct(st, t, 7, "web-101", 200)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	leader, _ := st.Teams().Get(context.Background(), 8)
	runnerUp, _ := st.Teams().Get(context.Background(), 7)
	assert.Equal(t, int64(1), leader.Rank)
	assert.Equal(t, int64(2), runnerUp.Rank)
	assert.Greater(t, leader.Pts, runnerUp.Pts)
}

func TestRecomputeTieBreaksByEarlierSolve(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	st.PutGameChallenge(model.GameChallenge{
		GameID: 3, ChallengeID: "web-101", IsEnabled: true,
		MaxPts: 1000, MinPts: 200, Difficulty: 5,
	})
	correct(st, t, 8, "web-101", 100)
	correct(st, t, 7, "web-101", 200)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	early, _ := st.Teams().Get(context.Background(), 8)
	late, _ := st.Teams().Get(context.Background(), 7)
	assert.Equal(t, early.Pts, late.Pts, "same base, no bonus ratios")
	assert.Equal(t, int64(1), early.Rank, "earlier last-correct wins the tie")
	assert.Equal(t, int64(2), late.Rank)
}

func TestRecomputeOrdersThreeEqualTeams(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	st.PutTeam(model.Team{ID: 10, GameID: 3, Name: "green", State: model.TeamPassed})
	st.PutGameChallenge(model.GameChallenge{
		GameID: 3, ChallengeID: "web-101", IsEnabled: true,
		MaxPts: 1000, MinPts: 200, Difficulty: 5,
	})
	correct(st, t, 10, "web-101", 100)
	correct(st, t, 8, "web-101", 200)
	correct(st, t, 7, "web-101", 300)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	want := []struct {
		teamID int64
		rank   int64
	}{{10, 1}, {8, 2}, {7, 3}}
	var pts []int64
	for _, w := range want {
		tm, err := st.Teams().Get(context.Background(), w.teamID)
		require.NoError(t, err)
		assert.Equal(t, w.rank, tm.Rank, "team %d", w.teamID)
		pts = append(pts, tm.Pts)
	}
	assert.Equal(t, pts[0], pts[1])
	assert.Equal(t, pts[1], pts[2])
}

func TestRecomputeIgnoresUnrankedTeams(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	correct(st, t, 9, "web-101", 100)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))

	banned, _ := st.Teams().Get(context.Background(), 9)
	assert.Zero(t, banned.Rank, "banned teams are not ranked")
}

func TestRecomputeIsIdempotent(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	id := correct(st, t, 7, "web-101", 100)

	calc := New(st, nil, 1, logr.Discard())
	require.NoError(t, calc.Recompute(context.Background(), 3))
	require.NoError(t, calc.Recompute(context.Background(), 3))

	s, _ := st.Submissions().Get(context.Background(), id)
	assert.Equal(t, int64(1100), s.Pts)
	assert.Equal(t, int64(1), s.Rank)
}

func TestRecomputeVanishedGame(t *testing.T) {
	calc := New(memstore.New(), nil, 1, logr.Discard())
	assert.NoError(t, calc.Recompute(context.Background(), 404))
}

func TestRecomputeAllSweepsEnabledGames(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	st.PutGame(model.Game{ID: 4, IsEnabled: false})
	id := correct(st, t, 7, "web-101", 100)

	calc := New(st, nil, 1, logr.Discard())
	calc.RecomputeAll(context.Background())

	s, _ := st.Submissions().Get(context.Background(), id)
	assert.Equal(t, int64(1100), s.Pts)
}

type fakeDelivery struct {
	body   []byte
	acked  bool
	nacked bool
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Ack() error   { d.acked = true; return nil }
func (d *fakeDelivery) Nack() error  { d.nacked = true; return nil }

func TestHandleAcksAfterPass(t *testing.T) {
	st := memstore.New()
	seedGame(st)
	id := correct(st, t, 7, "web-101", 100)

	calc := New(st, nil, 1, logr.Discard())
	d := &fakeDelivery{body: []byte(`{"game_id":3}`)}
	calc.handle(context.Background(), d)

	assert.True(t, d.acked)
	s, _ := st.Submissions().Get(context.Background(), id)
	assert.Equal(t, int64(1100), s.Pts)
}

func TestHandleAcksMalformedPayload(t *testing.T) {
	calc := New(memstore.New(), nil, 1, logr.Discard())
	d := &fakeDelivery{body: []byte("not json")}
	calc.handle(context.Background(), d)
	assert.True(t, d.acked, "malformed payloads are dropped, not requeued")
}
