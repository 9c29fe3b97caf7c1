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

// Package cluster materializes challenge environments as pod+service
// pairs on the orchestration cluster and owns their whole lifecycle:
// creation, renewal, deletion, NAT discovery, WebSocket proxying and
// the background reaper.
package cluster

import (
	"github.com/go-logr/logr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cds-ctf/cds-server/pkg/config"
	"github.com/cds-ctf/cds-server/pkg/errs"
)

// Manager is the process-singleton handle on the cluster. All
// operations are idempotent by label selector, so no locking is
// required around the shared client.
type Manager struct {
	client       kubernetes.Interface
	restConfig   *rest.Config
	namespace    string
	publicEntry  string
	proxyEnabled bool
	log          logr.Logger
}

// NewManager connects using the configured kubeconfig path, falling
// back to in-cluster credentials when the path is empty.
func NewManager(cfg config.Cluster, log logr.Logger) (*Manager, error) {
	var restConfig *rest.Config
	var err error
	if cfg.KubeConfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.ClusterError, "load cluster credentials")
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errs.Wrap(err, errs.ClusterError, "create cluster client")
	}
	return &Manager{
		client:       client,
		restConfig:   restConfig,
		namespace:    cfg.Namespace,
		publicEntry:  cfg.PublicEntry,
		proxyEnabled: cfg.Proxy.IsEnabled,
		log:          log.WithName("cluster"),
	}, nil
}

// NewManagerWithClient wires an existing clientset, used by tests with
// the fake clientset.
func NewManagerWithClient(client kubernetes.Interface, cfg config.Cluster, log logr.Logger) *Manager {
	return &Manager{
		client:       client,
		namespace:    cfg.Namespace,
		publicEntry:  cfg.PublicEntry,
		proxyEnabled: cfg.Proxy.IsEnabled,
		log:          log.WithName("cluster"),
	}
}
