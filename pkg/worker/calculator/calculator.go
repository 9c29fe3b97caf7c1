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

// Package calculator recomputes game scoring. It consumes recompute
// requests from the calculator topic and rewrites derived values only:
// submission pts/rank, game-challenge pts, team pts/rank. Recomputation
// is idempotent, so at-least-once delivery is safe.
package calculator

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/codes"

	"github.com/cds-ctf/cds-server/pkg/errs"
	"github.com/cds-ctf/cds-server/pkg/metrics"
	"github.com/cds-ctf/cds-server/pkg/model"
	"github.com/cds-ctf/cds-server/pkg/queue"
	"github.com/cds-ctf/cds-server/pkg/store"
	"github.com/cds-ctf/cds-server/pkg/tracing"
)

// Calculator is the game scoring worker.
type Calculator struct {
	store store.Store
	queue queue.Queue
	log   logr.Logger
	// difficultyScale stretches the decay horizon of every challenge.
	difficultyScale float64
}

func New(st store.Store, q queue.Queue, difficultyScale float64, log logr.Logger) *Calculator {
	if difficultyScale <= 0 {
		difficultyScale = 1
	}
	return &Calculator{
		store:           st,
		queue:           q,
		log:             log.WithName("calculator"),
		difficultyScale: difficultyScale,
	}
}

// Run subscribes to the calculator topic until ctx is done.
func (c *Calculator) Run(ctx context.Context) error {
	return c.queue.Subscribe(ctx, queue.TopicCalculator, c.handle)
}

// handle acks after the full pass. Entity-level store errors inside a
// pass log and continue; a panic falls through to broker redelivery.
func (c *Calculator) handle(ctx context.Context, d queue.Delivery) {
	var msg queue.CalculatorMessage
	if err := json.Unmarshal(d.Body(), &msg); err != nil {
		c.log.Error(err, "malformed calculator payload", "body", string(d.Body()))
		_ = d.Ack()
		metrics.QueueMessages.WithLabelValues(queue.TopicCalculator, "malformed").Inc()
		return
	}

	if msg.GameID != nil {
		c.recomputeLogged(ctx, *msg.GameID)
	} else {
		c.RecomputeAll(ctx)
	}
	_ = d.Ack()
	metrics.QueueMessages.WithLabelValues(queue.TopicCalculator, "ok").Inc()
}

// RecomputeAll sweeps every enabled game.
func (c *Calculator) RecomputeAll(ctx context.Context) {
	games, err := c.store.Games().ListEnabled(ctx)
	if err != nil {
		c.log.Error(err, "list enabled games")
		return
	}
	for _, g := range games {
		c.recomputeLogged(ctx, g.ID)
	}
}

func (c *Calculator) recomputeLogged(ctx context.Context, gameID int64) {
	if err := c.Recompute(ctx, gameID); err != nil {
		c.log.Error(err, "recompute game", "game", gameID)
	}
}

type teamTotal struct {
	pts         int64
	lastCorrect int64
}

// Recompute rewrites all derived scoring values of one game.
func (c *Calculator) Recompute(ctx context.Context, gameID int64) error {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanRecomputeGame)
	defer span.End()
	span.SetAttributes(tracing.AttrGameID.Int64(gameID))
	logger := c.log.WithValues("game", gameID)

	if _, err := c.store.Games().Get(ctx, gameID); err != nil {
		if errs.IsKind(err, errs.NotFound) {
			logger.Info("game vanished, skipping recompute")
			return nil
		}
		return err
	}

	subs, err := c.store.Submissions().ListCorrectByGame(ctx, gameID)
	if err != nil {
		return err
	}
	// Solvers per challenge, already ordered by created_at.
	solvers := map[string][]model.Submission{}
	for _, s := range subs {
		solvers[s.ChallengeID] = append(solvers[s.ChallengeID], s)
	}

	gcs, err := c.store.Games().ListChallenges(ctx, gameID)
	if err != nil {
		return err
	}

	totals := map[int64]*teamTotal{}
	for _, gc := range gcs {
		order := solvers[gc.ChallengeID]
		n := len(order)
		base := curve(gc.MaxPts, gc.MinPts, gc.Difficulty, c.difficultyScale, n)

		for k, sub := range order {
			pts := applyBonus(base, gc.BonusRatios, k)
			if err := c.store.Submissions().UpdateScore(ctx, sub.ID, pts, int64(k+1)); err != nil {
				logger.Error(err, "write submission score", "submission", sub.ID)
				continue
			}
			if sub.TeamID != nil {
				tt := totals[*sub.TeamID]
				if tt == nil {
					tt = &teamTotal{}
					totals[*sub.TeamID] = tt
				}
				tt.pts += pts
				if sub.CreatedAt > tt.lastCorrect {
					tt.lastCorrect = sub.CreatedAt
				}
			}
		}

		// The value the next solver would earn.
		nextPts := applyBonus(base, gc.BonusRatios, n)
		if nextPts != gc.Pts {
			if err := c.store.Games().UpdateChallengePts(ctx, gameID, gc.ChallengeID, nextPts); err != nil {
				logger.Error(err, "write challenge pts", "challenge", gc.ChallengeID)
			}
		}
	}

	teams, err := c.store.Teams().ListByGame(ctx, gameID)
	if err != nil {
		return err
	}
	ranked := make([]model.Team, 0, len(teams))
	for _, t := range teams {
		if t.State == model.TeamPassed {
			ranked = append(ranked, t)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := total(totals, ranked[i].ID), total(totals, ranked[j].ID)
		if a.pts != b.pts {
			return a.pts > b.pts
		}
		if a.lastCorrect != b.lastCorrect {
			return a.lastCorrect < b.lastCorrect
		}
		return ranked[i].ID < ranked[j].ID
	})
	for i, t := range ranked {
		if err := c.store.Teams().UpdateScore(ctx, t.ID, total(totals, t.ID).pts, int64(i+1)); err != nil {
			logger.Error(err, "write team score", "team", t.ID)
		}
	}

	metrics.GamesRecomputed.WithLabelValues().Inc()
	span.SetStatus(codes.Ok, "recomputed")
	logger.V(1).Info("game recomputed", "challenges", len(gcs), "teams", len(ranked))
	return nil
}

func total(totals map[int64]*teamTotal, teamID int64) teamTotal {
	if tt := totals[teamID]; tt != nil {
		return *tt
	}
	return teamTotal{}
}
