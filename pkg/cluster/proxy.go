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
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

// ProxyWS bridges an established WebSocket connection to one TCP port
// of the environment's pod through the API server's port-forward
// subresource. Binary frames carry the raw stream in both directions.
// Returns when either side closes or ctx is done.
func (m *Manager) ProxyWS(ctx context.Context, ws *websocket.Conn, envID string, port int32) error {
	if m.restConfig == nil {
		return errs.New(errs.ClusterError, "proxying requires a live cluster connection")
	}
	pod, err := m.findPod(ctx, envID)
	if err != nil {
		return err
	}

	transport, upgrader, err := spdy.RoundTripperFor(m.restConfig)
	if err != nil {
		return errs.Wrap(err, errs.ClusterError, "build spdy transport")
	}
	target := &url.URL{
		Scheme: "https",
		Host:   urlHost(m.restConfig.Host),
		Path:   fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/portforward", m.namespace, pod.Name),
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, target)

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	fw, err := portforward.New(dialer, []string{fmt.Sprintf("0:%d", port)}, stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return errs.Wrap(err, errs.ClusterError, "create port forwarder")
	}
	defer close(stopCh)

	fwErr := make(chan error, 1)
	go func() { fwErr <- fw.ForwardPorts() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fwErr:
		return errs.Wrap(err, errs.ClusterError, "port forward")
	case <-readyCh:
	}

	ports, err := fw.GetPorts()
	if err != nil || len(ports) == 0 {
		return errs.Wrap(err, errs.ClusterError, "read forwarded ports")
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", ports[0].Local))
	if err != nil {
		return errs.Wrap(err, errs.ClusterError, "dial forwarded port")
	}
	defer conn.Close()

	done := make(chan error, 2)
	go pumpToPod(ws, conn, done)
	go pumpToClient(conn, ws, done)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-fwErr:
		return errs.Wrap(err, errs.ClusterError, "port forward")
	case err := <-done:
		if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	}
}

func pumpToPod(ws *websocket.Conn, conn net.Conn, done chan<- error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		if _, err := conn.Write(data); err != nil {
			done <- err
			return
		}
	}
}

func pumpToClient(conn net.Conn, ws *websocket.Conn, done chan<- error) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				done <- werr
				return
			}
		}
		if err != nil {
			done <- err
			return
		}
	}
}

// urlHost strips any scheme prefix off the rest config host.
func urlHost(host string) string {
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		return u.Host
	}
	return host
}
