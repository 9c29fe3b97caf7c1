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

// Package checker adjudicates flag submissions. It consumes submission
// ids from the checker topic, drives the scoring script (or the static
// flag table), applies the duplicate/expiry/anti-cheat post-conditions
// and persists a terminal status. The Pending-predicate load is the
// serialization point: a submission reaches a terminal status exactly
// once even with concurrent consumers.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/codes"

	"github.com/cds-ctf/cds-server/pkg/engine"
	"github.com/cds-ctf/cds-server/pkg/errs"
	"github.com/cds-ctf/cds-server/pkg/metrics"
	"github.com/cds-ctf/cds-server/pkg/model"
	"github.com/cds-ctf/cds-server/pkg/queue"
	"github.com/cds-ctf/cds-server/pkg/store"
	"github.com/cds-ctf/cds-server/pkg/tracing"
)

// Checker is the submission adjudicator worker.
type Checker struct {
	store  store.Store
	queue  queue.Queue
	engine *engine.Engine
	log    logr.Logger
	now    func() int64
}

func New(st store.Store, q queue.Queue, eng *engine.Engine, log logr.Logger) *Checker {
	return &Checker{
		store:  st,
		queue:  q,
		engine: eng,
		log:    log.WithName("checker"),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Run subscribes to the checker topic and processes submissions until
// ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	return c.queue.Subscribe(ctx, queue.TopicChecker, c.handle)
}

// Recover republishes every Pending submission in created_at order.
// Called once at startup to cover crash-loss between enqueue and
// consume.
func (c *Checker) Recover(ctx context.Context) error {
	ids, err := c.store.Submissions().ListPendingIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.queue.Publish(ctx, queue.TopicChecker, queue.SubmissionPayload(id)); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		c.log.Info("republished pending submissions", "count", len(ids))
	}
	return nil
}

func (c *Checker) handle(ctx context.Context, d queue.Delivery) {
	id, err := queue.ParseSubmissionPayload(d.Body())
	if err != nil {
		c.log.Error(err, "malformed checker payload", "body", string(d.Body()))
		_ = d.Ack()
		metrics.QueueMessages.WithLabelValues(queue.TopicChecker, "malformed").Inc()
		return
	}

	switch err := c.Check(ctx, id); {
	case err == nil:
		_ = d.Ack()
		metrics.QueueMessages.WithLabelValues(queue.TopicChecker, "ok").Inc()
	default:
		c.log.Error(err, "adjudication failed, requeueing", "submission", id)
		_ = d.Nack()
		metrics.QueueMessages.WithLabelValues(queue.TopicChecker, "requeued").Inc()
	}
}

// Check adjudicates one submission to a terminal status. A nil return
// means the message is fully handled (including the delete-row paths);
// a non-nil return asks for broker redelivery.
func (c *Checker) Check(ctx context.Context, id int64) error {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanCheckSubmission)
	defer span.End()
	span.SetAttributes(tracing.AttrSubmissionID.Int64(id))
	logger := c.log.WithValues("submission", id)

	sub, err := c.store.Submissions().Get(ctx, id)
	if errs.IsKind(err, errs.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status != model.StatusPending {
		// Already adjudicated; redelivered message.
		return nil
	}

	user, err := c.store.Users().Get(ctx, sub.UserID)
	if errs.IsKind(err, errs.NotFound) || (err == nil && user.IsDeleted()) {
		logger.Info("submitter vanished, dropping submission")
		return c.store.Submissions().Delete(ctx, id)
	}
	if err != nil {
		return err
	}

	ch, err := c.store.Challenges().Get(ctx, sub.ChallengeID)
	if errs.IsKind(err, errs.NotFound) || (err == nil && ch.DeletedAt != nil) {
		logger.Info("challenge vanished, dropping submission")
		return c.store.Submissions().Delete(ctx, id)
	}
	if err != nil {
		return err
	}

	status, err := c.classify(ctx, logger, sub, ch)
	if err != nil {
		return err
	}

	if status == model.StatusCorrect {
		status, err = c.postConditions(ctx, sub)
		if err != nil {
			return err
		}
	}

	if err := c.store.Submissions().UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	metrics.SubmissionsChecked.WithLabelValues(status.String()).Inc()
	span.SetAttributes(tracing.AttrStatus.String(status.String()))
	span.SetStatus(codes.Ok, "adjudicated")
	logger.Info("submission adjudicated", "status", status.String())

	if status == model.StatusCorrect && sub.InGame() {
		payload, _ := json.Marshal(queue.CalculatorMessage{GameID: sub.GameID})
		if err := c.queue.Publish(ctx, queue.TopicCalculator, payload); err != nil {
			return errs.Wrap(err, errs.QueueError, "publish calculator")
		}
	}
	return nil
}

// classify produces the tentative status from the scoring script, or
// from the static flag table when the challenge carries no script.
// Engine failures classify as Incorrect rather than crash the worker.
func (c *Checker) classify(ctx context.Context, logger logr.Logger, sub *model.Submission, ch *model.Challenge) (model.Status, error) {
	content := model.NormalizeContent(sub.Content)
	if content == "" {
		return model.StatusInvalid, nil
	}

	if ch.Script == "" {
		return c.classifyStatic(ctx, sub, ch, content)
	}

	if err := c.engine.Preload(ch.ID, ch.Script, time.Unix(ch.UpdatedAt, 0)); err != nil {
		logger.Error(err, "script compile failed")
		return model.StatusIncorrect, nil
	}
	verdict, err := c.engine.ExecuteCheck(ctx, ch.ID, sub.OperatorID(), content)
	if err != nil {
		logger.Error(err, "script check failed")
		return model.StatusIncorrect, nil
	}

	switch {
	case verdict.Cheat:
		return c.applyCheat(ctx, logger, sub, verdict.PeerTeamID)
	case verdict.Correct:
		return model.StatusCorrect, nil
	}
	return model.StatusIncorrect, nil
}

// classifyStatic matches content against the flag table. A banned flag
// is a planted trap: matching it in a game bans the submitting team.
func (c *Checker) classifyStatic(ctx context.Context, sub *model.Submission, ch *model.Challenge, content string) (model.Status, error) {
	for _, flag := range ch.Flags {
		if flag.Type != model.FlagStatic || flag.Value != content {
			continue
		}
		if !flag.Banned {
			return model.StatusCorrect, nil
		}
		if !sub.InGame() {
			return model.StatusIncorrect, nil
		}
		if err := c.banTeam(ctx, *sub.GameID, *sub.TeamID); err != nil {
			return 0, err
		}
		return model.StatusCheat, nil
	}
	return model.StatusIncorrect, nil
}

// applyCheat bans both the submitting team and the peer team whose
// flag was replayed. Outside a game, or when the peer is not in the
// same game, the verdict degrades to Incorrect.
func (c *Checker) applyCheat(ctx context.Context, logger logr.Logger, sub *model.Submission, peerTeamID int64) (model.Status, error) {
	if !sub.InGame() {
		return model.StatusIncorrect, nil
	}
	peer, err := c.store.Teams().Get(ctx, peerTeamID)
	if errs.IsKind(err, errs.NotFound) {
		return model.StatusIncorrect, nil
	}
	if err != nil {
		return 0, err
	}
	if peer.GameID != *sub.GameID {
		return model.StatusIncorrect, nil
	}

	logger.Info("cheat detected, banning teams", "team", *sub.TeamID, "peer_team", peerTeamID)
	if err := c.banTeam(ctx, *sub.GameID, *sub.TeamID); err != nil {
		return 0, err
	}
	if err := c.banTeam(ctx, *sub.GameID, peerTeamID); err != nil {
		return 0, err
	}
	return model.StatusCheat, nil
}

// banTeam flips a team to Banned and notifies its contact address.
func (c *Checker) banTeam(ctx context.Context, gameID, teamID int64) error {
	team, err := c.store.Teams().Get(ctx, teamID)
	if err != nil {
		return err
	}
	if team.State == model.TeamBanned {
		return nil
	}
	if err := c.store.Teams().SetState(ctx, teamID, model.TeamBanned); err != nil {
		return err
	}
	if team.Email != "" {
		payload, _ := json.Marshal(queue.EmailMessage{
			Name:    team.Name,
			Email:   team.Email,
			Subject: "Your team has been banned",
			Body:    fmt.Sprintf("Team %q was banned from game %d for violating the rules.", team.Name, gameID),
		})
		if err := c.queue.Publish(ctx, queue.TopicEmail, payload); err != nil {
			c.log.Error(err, "failed to publish ban notification", "team", teamID)
		}
	}
	return nil
}

// postConditions downgrades a tentative Correct to Duplicate or
// Expired per the scope rules.
func (c *Checker) postConditions(ctx context.Context, sub *model.Submission) (model.Status, error) {
	dup, err := c.store.Submissions().HasCorrect(ctx, sub)
	if err != nil {
		return 0, err
	}
	if dup {
		return model.StatusDuplicate, nil
	}

	if !sub.InGame() {
		return model.StatusCorrect, nil
	}

	game, err := c.store.Games().Get(ctx, *sub.GameID)
	if err != nil {
		return 0, err
	}
	now := c.now()
	if now > game.FrozenAt || now > game.EndedAt {
		return model.StatusExpired, nil
	}
	gc, err := c.store.Games().GetChallenge(ctx, *sub.GameID, sub.ChallengeID)
	if err != nil && !errs.IsKind(err, errs.NotFound) {
		return 0, err
	}
	if gc != nil && gc.FrozenAt != nil && now > *gc.FrozenAt {
		return model.StatusExpired, nil
	}
	return model.StatusCorrect, nil
}
