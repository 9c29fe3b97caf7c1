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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"

	"github.com/cds-ctf/cds-server/pkg/errs"
	"github.com/cds-ctf/cds-server/pkg/metrics"
	"github.com/cds-ctf/cds-server/pkg/model"
	"github.com/cds-ctf/cds-server/pkg/tracing"
	"github.com/cds-ctf/cds-server/pkg/util"
)

// CreateRequest identifies who an environment is for. Team and Game
// are nil in the playground.
type CreateRequest struct {
	User      *model.User
	Team      *model.Team
	Game      *model.Game
	Challenge *model.Challenge
}

// Environment is the projection of one live pod+service pair, parsed
// from labels, annotations and container state.
type Environment struct {
	ID          string  `json:"id"`
	UserID      int64   `json:"user_id"`
	TeamID      int64   `json:"team_id"`
	GameID      int64   `json:"game_id"`
	ChallengeID string  `json:"challenge_id"`
	Ports       []int32 `json:"ports"`
	Nats        string  `json:"nats"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason"`
	Duration    int64   `json:"duration"`
	Renew       int64   `json:"renew"`
	StartedAt   int64   `json:"started_at"`
	PublicEntry string  `json:"public_entry"`
}

// Create materializes one challenge environment: a pod running the
// challenge image plus a service exposing every challenge port. The
// injected flag and lifecycle metadata are stamped as annotations.
// Creation is not atomic across pod+service; on service failure the
// pod is deleted as compensation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Environment, error) {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanCreateEnv)
	defer span.End()

	ch := req.Challenge
	if ch == nil || ch.Env == nil {
		return nil, errs.New(errs.BadRequest, "challenge has no environment template")
	}
	if len(ch.Flags) == 0 {
		return nil, errs.New(errs.UnprocessableEntity, "challenge %s has no flags", ch.ID)
	}

	envID := uuid.NewString()
	name := envNamePrefix + envID
	span.SetAttributes(tracing.AttrEnvID.String(envID), tracing.AttrChallengeID.String(ch.ID))
	logger := m.log.WithValues("env", envID, "challenge", ch.ID, "user", req.User.ID)

	flag := ch.Flags[0].Resolve()

	var teamID, gameID int64
	if req.Team != nil {
		teamID = req.Team.ID
	}
	if req.Game != nil {
		gameID = req.Game.ID
	}

	snapshot, err := json.Marshal(ch.Desensitize())
	if err != nil {
		return nil, errs.Wrap(err, errs.InternalServerError, "marshal challenge snapshot")
	}
	portsJSON, err := json.Marshal(ch.Env.Ports)
	if err != nil {
		return nil, errs.Wrap(err, errs.InternalServerError, "marshal ports")
	}

	labels := map[string]string{
		AppKey:         AppValue,
		ResourceIDKey:  envID,
		UserIDKey:      strconv.FormatInt(req.User.ID, 10),
		TeamIDKey:      strconv.FormatInt(teamID, 10),
		GameIDKey:      strconv.FormatInt(gameID, 10),
		ChallengeIDKey: ch.ID,
	}
	annotations := map[string]string{
		ChallengeSnapshotKey: string(snapshot),
		FlagKey:              flag.Value,
		RenewKey:             "0",
		DurationKey:          strconv.FormatInt(ch.Env.DurationSeconds, 10),
		PortsKey:             string(portsJSON),
	}

	flagVarName := flag.EnvVarName
	if flagVarName == "" {
		flagVarName = "FLAG"
	}
	containerEnvs := util.MergeMapString(ch.Env.Envs, map[string]string{flagVarName: flag.Value})
	envVars := make([]corev1.EnvVar, 0, len(containerEnvs))
	for _, k := range sortedKeys(containerEnvs) {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: containerEnvs[k]})
	}

	containerPorts := make([]corev1.ContainerPort, 0, len(ch.Env.Ports))
	for _, p := range ch.Env.Ports {
		containerPorts = append(containerPorts, corev1.ContainerPort{
			ContainerPort: p,
			Protocol:      corev1.ProtocolTCP,
		})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   m.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{
				{
					Name:            "challenge",
					Image:           ch.Env.Image,
					ImagePullPolicy: corev1.PullIfNotPresent,
					Env:             envVars,
					Ports:           containerPorts,
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    *resource.NewMilliQuantity(10, resource.DecimalSI),
							corev1.ResourceMemory: *resource.NewQuantity(32*1024*1024, resource.BinarySI),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    *resource.NewMilliQuantity(ch.Env.CPULimit, resource.DecimalSI),
							corev1.ResourceMemory: *resource.NewQuantity(ch.Env.MemoryLimitMiB*1024*1024, resource.BinarySI),
						},
					},
				},
			},
		},
	}

	created, err := m.client.CoreV1().Pods(m.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create pod")
		return nil, errs.Wrap(err, errs.ClusterError, "create pod")
	}

	svcType := corev1.ServiceTypeNodePort
	if m.proxyEnabled {
		svcType = corev1.ServiceTypeClusterIP
	}
	svcPorts := make([]corev1.ServicePort, 0, len(ch.Env.Ports))
	for _, p := range ch.Env.Ports {
		svcPorts = append(svcPorts, corev1.ServicePort{
			Name:     strconv.Itoa(int(p)),
			Port:     p,
			Protocol: corev1.ProtocolTCP,
		})
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
			Labels: map[string]string{
				AppKey:        AppValue,
				ResourceIDKey: envID,
			},
		},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: map[string]string{ResourceIDKey: envID},
			Ports:    svcPorts,
		},
	}
	createdSvc, err := m.client.CoreV1().Services(m.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		// Compensation: do not leave a pod without its service.
		logger.Error(err, "service creation failed, deleting pod")
		_ = m.deletePods(ctx, envID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create service")
		return nil, errs.Wrap(err, errs.ClusterError, "create service")
	}

	nats := formatNats(createdSvc.Spec.Ports)
	if nats != "" {
		if err := m.patchAnnotations(ctx, created.Name, map[string]string{NatsKey: nats}); err != nil {
			logger.Error(err, "failed to record NAT mappings")
		}
	}

	metrics.EnvironmentsCreated.WithLabelValues().Inc()
	logger.Info("environment created",
		"service_type", string(svcType), "ports", util.IntsToString(ch.Env.Ports), "nats", nats)
	span.SetStatus(codes.Ok, "environment created")

	return &Environment{
		ID:          envID,
		UserID:      req.User.ID,
		TeamID:      teamID,
		GameID:      gameID,
		ChallengeID: ch.ID,
		Ports:       ch.Env.Ports,
		Nats:        nats,
		Status:      string(corev1.PodPending),
		Duration:    ch.Env.DurationSeconds,
		Renew:       0,
		StartedAt:   created.CreationTimestamp.Unix(),
		PublicEntry: m.publicEntry,
	}, nil
}

// Renew extends the environment lifetime by one duration increment.
// Fails with NoMoreRenewal after three renewals and with
// RenewalWithin10Minutes while more than ten minutes of life remain.
func (m *Manager) Renew(ctx context.Context, envID string) error {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanRenewEnv)
	defer span.End()
	span.SetAttributes(tracing.AttrEnvID.String(envID))

	pod, err := m.findPod(ctx, envID)
	if err != nil {
		return err
	}

	renew := annotationInt(pod, RenewKey)
	if renew >= MaxRenewals {
		return errs.New(errs.NoMoreRenewal, "environment %s has no renewals left", envID)
	}
	duration := annotationInt(pod, DurationKey)
	expiry := pod.CreationTimestamp.Add(time.Duration(renew+1) * time.Duration(duration) * time.Second)
	if remaining := time.Until(expiry); remaining > 10*time.Minute {
		return errs.New(errs.RenewalWithin10Minutes, "environment %s is not within 10 minutes of expiry", envID)
	}

	if err := m.patchAnnotations(ctx, pod.Name, map[string]string{
		RenewKey: strconv.FormatInt(renew+1, 10),
	}); err != nil {
		return err
	}
	m.log.Info("environment renewed", "env", envID, "renew", renew+1)
	return nil
}

// Delete removes every pod and service of the environment with zero
// grace period. Duplicate deletes are no-ops.
func (m *Manager) Delete(ctx context.Context, envID string) error {
	ctx, span := tracing.Tracer().Start(ctx, tracing.SpanDeleteEnv)
	defer span.End()
	span.SetAttributes(tracing.AttrEnvID.String(envID))

	podErr := m.deletePods(ctx, envID)
	svcErr := m.deleteServices(ctx, envID)
	if podErr != nil {
		return podErr
	}
	return svcErr
}

// List projects the live environments matched by selector. Pods in a
// terminal phase are filtered out.
func (m *Manager) List(ctx context.Context, selector string) ([]Environment, error) {
	if selector == "" {
		selector = AppKey + "=" + AppValue
	}
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errs.Wrap(err, errs.ClusterError, "list pods")
	}
	envs := make([]Environment, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if isTerminalPhase(pod.Status.Phase) {
			continue
		}
		envs = append(envs, m.project(pod))
	}
	return envs, nil
}

// Get returns the single live environment with the given id.
func (m *Manager) Get(ctx context.Context, envID string) (*Environment, error) {
	pod, err := m.findPod(ctx, envID)
	if err != nil {
		return nil, err
	}
	env := m.project(pod)
	return &env, nil
}

func (m *Manager) project(pod *corev1.Pod) Environment {
	labels := pod.GetLabels()
	ann := pod.GetAnnotations()

	var ports []int32
	_ = json.Unmarshal([]byte(ann[PortsKey]), &ports)

	reason := ""
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			reason = cs.State.Waiting.Reason
		}
	}

	return Environment{
		ID:          labels[ResourceIDKey],
		UserID:      labelInt(labels, UserIDKey),
		TeamID:      labelInt(labels, TeamIDKey),
		GameID:      labelInt(labels, GameIDKey),
		ChallengeID: labels[ChallengeIDKey],
		Ports:       ports,
		Nats:        ann[NatsKey],
		Status:      string(pod.Status.Phase),
		Reason:      reason,
		Duration:    annotationInt(pod, DurationKey),
		Renew:       annotationInt(pod, RenewKey),
		StartedAt:   pod.CreationTimestamp.Unix(),
		PublicEntry: m.publicEntry,
	}
}

func (m *Manager) findPod(ctx context.Context, envID string) (*corev1.Pod, error) {
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: ResourceIDKey + "=" + envID,
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.ClusterError, "list pods")
	}
	if len(pods.Items) == 0 {
		return nil, errs.New(errs.NotFound, "environment %s not found", envID)
	}
	return &pods.Items[0], nil
}

func (m *Manager) deletePods(ctx context.Context, envID string) error {
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: ResourceIDKey + "=" + envID,
	})
	if err != nil {
		return errs.Wrap(err, errs.ClusterError, "list pods")
	}
	for i := range pods.Items {
		err := m.client.CoreV1().Pods(m.namespace).Delete(ctx, pods.Items[i].Name, metav1.DeleteOptions{
			GracePeriodSeconds: ptr.To(int64(0)),
		})
		if err != nil {
			return errs.Wrap(err, errs.ClusterError, "delete pod")
		}
	}
	return nil
}

func (m *Manager) deleteServices(ctx context.Context, envID string) error {
	svcs, err := m.client.CoreV1().Services(m.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: ResourceIDKey + "=" + envID,
	})
	if err != nil {
		return errs.Wrap(err, errs.ClusterError, "list services")
	}
	for i := range svcs.Items {
		err := m.client.CoreV1().Services(m.namespace).Delete(ctx, svcs.Items[i].Name, metav1.DeleteOptions{
			GracePeriodSeconds: ptr.To(int64(0)),
		})
		if err != nil {
			return errs.Wrap(err, errs.ClusterError, "delete service")
		}
	}
	return nil
}

func (m *Manager) patchAnnotations(ctx context.Context, podName string, annotations map[string]string) error {
	patch := map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": annotations,
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return errs.Wrap(err, errs.InternalServerError, "marshal patch")
	}
	_, err = m.client.CoreV1().Pods(m.namespace).Patch(ctx, podName, types.StrategicMergePatchType, data, metav1.PatchOptions{})
	return errs.Wrap(err, errs.ClusterError, "patch pod annotations")
}

// formatNats renders "containerPort=nodePort,..." from the assigned
// service ports. Empty when no node port has been allocated.
func formatNats(ports []corev1.ServicePort) string {
	pairs := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.NodePort == 0 {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%d=%d", p.Port, p.NodePort))
	}
	return strings.Join(pairs, ",")
}

func isTerminalPhase(phase corev1.PodPhase) bool {
	switch phase {
	case corev1.PodSucceeded, corev1.PodFailed, corev1.PodUnknown:
		return true
	}
	return false
}

func annotationInt(pod *corev1.Pod, key string) int64 {
	n, _ := strconv.ParseInt(pod.GetAnnotations()[key], 10, 64)
	return n
}

func labelInt(labels map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(labels[key], 10, 64)
	return n
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
