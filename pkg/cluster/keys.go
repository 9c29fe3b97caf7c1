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

package cluster

// Label and annotation schema of challenge environments. Front-ends
// read these directly off the pods; the keys are a stable contract.
const (
	AppKey   = "cds/app"
	AppValue = "challenges"

	ResourceIDKey  = "cds/resource_id"
	UserIDKey      = "cds/user_id"
	TeamIDKey      = "cds/team_id"
	GameIDKey      = "cds/game_id"
	ChallengeIDKey = "cds/challenge_id"

	ChallengeSnapshotKey = "cds/challenge"
	FlagKey              = "cds/flag"
	RenewKey             = "cds/renew"
	DurationKey          = "cds/duration"
	PortsKey             = "cds/ports"
	NatsKey              = "cds/nats"
)

// MaxRenewals bounds cds/renew.
const MaxRenewals = 3

// envNamePrefix prefixes pod and service names with the environment id.
const envNamePrefix = "cds-"
