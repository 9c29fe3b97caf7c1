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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

func init() {
	metrics.Registry.MustRegister(SubmissionsChecked)
	metrics.Registry.MustRegister(GamesRecomputed)
	metrics.Registry.MustRegister(EnvironmentsCreated)
	metrics.Registry.MustRegister(EnvironmentsReaped)
	metrics.Registry.MustRegister(QueueMessages)
	metrics.Registry.MustRegister(ScriptUnitsCached)
}

var (
	SubmissionsChecked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_submissions_checked_total",
			Help: "The number of adjudicated submissions per terminal status",
		},
		[]string{"status"},
	)
	GamesRecomputed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_games_recomputed_total",
			Help: "The number of per-game scoring recomputations",
		},
		[]string{},
	)
	EnvironmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_environments_created_total",
			Help: "The number of challenge environments created",
		},
		[]string{},
	)
	EnvironmentsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_environments_reaped_total",
			Help: "The number of challenge environments removed by the reaper",
		},
		[]string{"reason"},
	)
	QueueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cds_queue_messages_total",
			Help: "The number of queue messages per topic and outcome",
		},
		[]string{"topic", "outcome"},
	)
	ScriptUnitsCached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cds_script_units_cached",
			Help: "The number of compiled script units currently cached",
		},
		[]string{},
	)
)
