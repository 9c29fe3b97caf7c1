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

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cds-ctf/cds-server/pkg/metrics"
	"github.com/cds-ctf/cds-server/pkg/tracing"
)

const (
	reapReasonExpired  = "expired"
	reapReasonTerminal = "terminal"
	reapReasonOrphan   = "orphan"
)

// RunReaper sweeps the namespace on every tick and deletes
// environments that are past their deadline or whose pod reached a
// terminal phase. Services whose pod is gone are swept as orphans, so
// a crash between pod delete and service delete self-heals here.
// Blocks until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanReapEnv)
	defer span.End()

	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: AppKey + "=" + AppValue,
	})
	if err != nil {
		m.log.Error(err, "reaper: list pods")
		return
	}

	alive := make(map[string]bool, len(pods.Items))
	now := time.Now()
	for i := range pods.Items {
		pod := &pods.Items[i]
		envID := pod.GetLabels()[ResourceIDKey]

		reason := ""
		switch {
		case isTerminalPhase(pod.Status.Phase):
			reason = reapReasonTerminal
		case m.isExpired(pod, now):
			reason = reapReasonExpired
		}
		if reason == "" {
			alive[envID] = true
			continue
		}

		if err := m.Delete(ctx, envID); err != nil {
			m.log.Error(err, "reaper: delete environment", "env", envID)
			continue
		}
		metrics.EnvironmentsReaped.WithLabelValues(reason).Inc()
		m.log.Info("environment reaped", "env", envID, "reason", reason)
	}

	svcs, err := m.client.CoreV1().Services(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: AppKey + "=" + AppValue,
	})
	if err != nil {
		m.log.Error(err, "reaper: list services")
		return
	}
	for i := range svcs.Items {
		envID := svcs.Items[i].GetLabels()[ResourceIDKey]
		if alive[envID] {
			continue
		}
		if err := m.deleteServices(ctx, envID); err != nil {
			m.log.Error(err, "reaper: delete orphan service", "env", envID)
			continue
		}
		metrics.EnvironmentsReaped.WithLabelValues(reapReasonOrphan).Inc()
		m.log.Info("orphan service reaped", "env", envID)
	}
}

// isExpired applies the lifetime rule: an environment lives
// (renew+1)*duration seconds from pod creation.
func (m *Manager) isExpired(pod *corev1.Pod, now time.Time) bool {
	duration := annotationInt(pod, DurationKey)
	if duration <= 0 {
		return false
	}
	renew := annotationInt(pod, RenewKey)
	deadline := pod.CreationTimestamp.Add(time.Duration(renew+1) * time.Duration(duration) * time.Second)
	return !now.Before(deadline)
}
