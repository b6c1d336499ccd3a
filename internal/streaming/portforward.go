/*
   Copyright The containerd Authors.

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

package streaming

import (
	"fmt"
	"io"
	"net"

	"github.com/containernetworking/plugins/pkg/ns"

	"github.com/ananthb/systemd-cri-sub000/internal/cri"
)

// dialInNamespace dials 127.0.0.1:port from inside the network namespace at
// nsPath (spec §4.8 port-forward: "opens a TCP connection to
// 127.0.0.1:{port}"), without shelling out to a helper process.
// containernetworking/plugins/pkg/ns handles the OS-thread lock and origin
// namespace restore around the single dial, the same helper CNI plugins
// themselves use to enter a pod's namespace.
func dialInNamespace(nsPath string, port int32) (net.Conn, error) {
	targetNS, err := ns.GetNS(nsPath)
	if err != nil {
		return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("open netns %q: %w", nsPath, err))
	}
	defer targetNS.Close()

	var conn net.Conn
	err = targetNS.Do(func(ns.NetNS) error {
		var dialErr error
		conn, dialErr = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		return dialErr
	})
	if err != nil {
		return nil, cri.NewDependencyError("NetworkSetupFailed", fmt.Errorf("dial 127.0.0.1:%d in netns %q: %w", port, nsPath, err))
	}
	return conn, nil
}

// pumpPortForward shuttles bytes between stream (the client's HTTP-upgraded
// connection) and a TCP connection dialed inside the pod's network
// namespace (spec §4.8).
func pumpPortForward(nsPath string, port int32, stream io.ReadWriteCloser) error {
	conn, err := dialInNamespace(nsPath, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, stream)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errc <- err
	}()
	go func() {
		_, err := io.Copy(stream, conn)
		errc <- err
	}()
	err = <-errc
	return err
}
