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

// Package model holds the entity records the backend core operates on.
// Relations are expanded on demand by the store; records never embed
// owned children that point back at their owner.
package model

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Group is the privilege class of a user.
type Group int32

const (
	GroupGuest Group = iota
	GroupBanned
	GroupUser
	GroupAdmin
)

// User is an account. Soft deletion tombstones the row: DeletedAt is
// set and username/email are prefix-renamed so they can be reused.
type User struct {
	ID             int64  `gorm:"primaryKey"`
	Username       string `gorm:"uniqueIndex;size:64"`
	DisplayName    string `gorm:"size:128"`
	Email          string `gorm:"size:256"`
	Group          Group
	HashedPassword string `gorm:"size:256"`
	DeletedAt      *int64 `gorm:"index"`
}

// IsDeleted reports whether the user row is a tombstone.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

// TeamState is the review state of a team within its game.
type TeamState int32

const (
	TeamPreparing TeamState = iota
	TeamPending
	TeamPassed
	TeamBanned
)

// Team belongs to exactly one game. Pts and Rank are derived by the
// scoring engine and writable only by it.
type Team struct {
	ID     int64  `gorm:"primaryKey"`
	GameID int64  `gorm:"index"`
	Name   string `gorm:"size:128"`
	Email  string `gorm:"size:256"`
	Slogan string `gorm:"size:256"`
	State  TeamState
	Pts    int64
	Rank   int64
}

// Game is a time-bounded competition.
// Invariant: StartedAt <= FrozenAt <= EndedAt.
type Game struct {
	ID             int64 `gorm:"primaryKey"`
	Title          string
	IsEnabled      bool
	IsPublic       bool
	MemberLimitMin int32
	MemberLimitMax int32
	StartedAt      int64
	FrozenAt       int64
	EndedAt        int64
}

// FlagType distinguishes literal flags from per-environment templates.
type FlagType int32

const (
	FlagStatic FlagType = iota
	FlagDynamic
)

// Flag is one acceptable (or banned) answer for a challenge.
type Flag struct {
	Value      string   `json:"value"`
	Type       FlagType `json:"type"`
	EnvVarName string   `json:"env_var_name,omitempty"`
	Banned     bool     `json:"banned"`
}

var uuidToken = regexp.MustCompile(`(?i)\[UUID\]`)

// Resolve materializes the flag for one environment. Every [UUID]
// token (case-insensitive) is replaced with a fresh UUID, so two
// environments spawned from the same template get distinct flags.
func (f Flag) Resolve() Flag {
	if f.Type != FlagDynamic {
		return f
	}
	resolved := f
	resolved.Value = uuidToken.ReplaceAllStringFunc(f.Value, func(string) string {
		return uuid.NewString()
	})
	return resolved
}

// ChallengeEnv is the container template of a challenge.
type ChallengeEnv struct {
	Image           string            `json:"image"`
	Envs            map[string]string `json:"envs,omitempty"`
	Ports           []int32           `json:"ports"`
	DurationSeconds int64             `json:"duration_seconds"`
	CPULimit        int64             `json:"cpu_limit"`
	MemoryLimitMiB  int64             `json:"memory_limit_MiB"`
}

// Challenge is a solvable task. IDs are opaque strings so deployments
// may back them with UUIDs or bigints.
type Challenge struct {
	ID        string `gorm:"primaryKey;size:64"`
	Title     string
	Category  string
	Tags      string
	IsPublic  bool
	IsDynamic bool
	Env       *ChallengeEnv `gorm:"serializer:json"`
	Script    string
	Flags     []Flag `gorm:"serializer:json"`
	UpdatedAt int64
	DeletedAt *int64 `gorm:"index"`
}

// Desensitize strips secret fields before the record is serialized to
// untrusted readers (pod annotations, API projections).
func (c Challenge) Desensitize() Challenge {
	clean := c
	clean.Script = ""
	clean.Flags = nil
	if c.Env != nil {
		env := *c.Env
		env.Envs = nil
		clean.Env = &env
	}
	return clean
}

// GameChallenge binds a challenge into a game with game-specific
// scoring parameters. Pts is derived by the scoring engine.
type GameChallenge struct {
	GameID      int64  `gorm:"primaryKey"`
	ChallengeID string `gorm:"primaryKey;size:64"`
	IsEnabled   bool
	Difficulty  int64
	MaxPts      int64
	MinPts      int64
	BonusRatios []int64 `gorm:"serializer:json"`
	Pts         int64
	FrozenAt    *int64
}

// Status is the adjudication outcome of a submission.
type Status int32

const (
	StatusPending Status = iota
	StatusCorrect
	StatusIncorrect
	StatusCheat
	StatusInvalid
	StatusDuplicate
	// StatusExpired marks a would-be-correct submission that arrived
	// after the game (or game-challenge) freeze. Recorded, not awarded.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusCorrect:
		return "Correct"
	case StatusIncorrect:
		return "Incorrect"
	case StatusCheat:
		return "Cheat"
	case StatusInvalid:
		return "Invalid"
	case StatusDuplicate:
		return "Duplicate"
	case StatusExpired:
		return "Expired"
	}
	return "Unknown"
}

// Submission is one flag attempt.
// Invariant: TeamID and GameID are both set or both unset.
// Pts and Rank are derived and writable only by the scoring engine.
type Submission struct {
	ID          int64 `gorm:"primaryKey"`
	Content     string
	Status      Status `gorm:"index"`
	UserID      int64  `gorm:"index"`
	TeamID      *int64 `gorm:"index"`
	GameID      *int64 `gorm:"index"`
	ChallengeID string `gorm:"index;size:64"`
	CreatedAt   int64  `gorm:"index"`
	Pts         int64
	Rank        int64
}

// InGame reports whether the submission was made inside a game.
func (s *Submission) InGame() bool {
	return s.GameID != nil && s.TeamID != nil
}

// OperatorID is the identity handed to the scoring script: the team
// inside a game, the user in the playground.
func (s *Submission) OperatorID() int64 {
	if s.TeamID != nil {
		return *s.TeamID
	}
	return s.UserID
}

// NormalizeContent trims the whitespace players habitually paste in.
func NormalizeContent(content string) string {
	return strings.TrimSpace(content)
}
