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

// Package queue is the at-least-once topic bus between the HTTP layer
// and the background workers. Delivery is at-least-once on every
// driver, so handlers must be idempotent.
package queue

import (
	"context"
	"strconv"
)

const (
	// TopicChecker carries submission ids (decimal ASCII) to the adjudicator.
	TopicChecker = "checker"
	// TopicCalculator carries CalculatorMessage JSON to the scoring engine.
	TopicCalculator = "calculator"
	// TopicEmail carries EmailMessage JSON to the mail worker.
	TopicEmail = "email"
)

// CalculatorMessage asks for a recomputation of one game, or of every
// enabled game when GameID is absent.
type CalculatorMessage struct {
	GameID *int64 `json:"game_id,omitempty"`
}

// EmailMessage is produced by the core and consumed by an external
// mail worker.
type EmailMessage struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Delivery is one consumed message. Exactly one of Ack or Nack must be
// called; a handler that returns without either leaves the message to
// broker-level redelivery.
type Delivery interface {
	Body() []byte
	Ack() error
	// Nack returns the message to the broker for redelivery.
	Nack() error
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery)

// Queue is a durable topic-based message bus.
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe consumes topic with handler until ctx is done.
	// It returns after the consumer loop is started.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// SubmissionPayload encodes a submission id for TopicChecker.
func SubmissionPayload(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// ParseSubmissionPayload decodes a TopicChecker payload.
func ParseSubmissionPayload(body []byte) (int64, error) {
	return strconv.ParseInt(string(body), 10, 64)
}
