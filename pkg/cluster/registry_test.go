package cluster

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/ring"
)

func newTestRegistry(nodeID string) (*Registry, *httptest.Server) {
	local := NewNodeInfo(nodeID, "127.0.0.1", 0)
	r := NewRegistry(local, ring.New(150), 1.0, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", r.ServeWS)
	srv := httptest.NewServer(mux)
	return r, srv
}

func wsAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestRegistryJoinClusterEstablishesPeer(t *testing.T) {
	serverRegistry, server := newTestRegistry("server")
	defer server.Close()
	serverRegistry.Start()
	defer serverRegistry.Stop()

	clientRegistry, clientSrv := newTestRegistry("client")
	defer clientSrv.Close()
	clientRegistry.Start()
	defer clientRegistry.Stop()

	clientRegistry.JoinCluster([]string{wsAddr(server)})

	require.Eventually(t, func() bool {
		_, ok := serverRegistry.GetPeer("client")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "server must learn about the joining client")

	require.Eventually(t, func() bool {
		_, ok := clientRegistry.GetPeer("server")
		return ok
	}, 2*time.Second, 10*time.Millisecond, "client must learn about the server via cluster_state sync")

	assert.Equal(t, 2, serverRegistry.Ring.NodeCount())
	assert.Equal(t, 2, clientRegistry.Ring.NodeCount())
}

func TestRegistryOnNodeChangeFiresOnJoin(t *testing.T) {
	serverRegistry, server := newTestRegistry("server")
	defer server.Close()
	serverRegistry.Start()
	defer serverRegistry.Stop()

	joined := make(chan string, 1)
	serverRegistry.OnNodeChange(func(event string, node *NodeInfo) {
		if event == "join" {
			joined <- node.NodeID
		}
	})

	clientRegistry, clientSrv := newTestRegistry("client")
	defer clientSrv.Close()
	clientRegistry.Start()
	defer clientRegistry.Stop()
	clientRegistry.JoinCluster([]string{wsAddr(server)})

	select {
	case id := <-joined:
		assert.Equal(t, "client", id)
	case <-time.After(2 * time.Second):
		t.Fatal("join callback never fired")
	}
}

func TestRegistryEvictsStalePeer(t *testing.T) {
	local := NewNodeInfo("server", "127.0.0.1", 0)
	r := NewRegistry(local, ring.New(150), 1.0, testLogger())
	r.Ring.AddNode(local.NodeID, 1.0)

	stale := NewNodeInfo("stale-peer", "10.0.0.9", 7000)
	stale.SetState(StateActive)
	stale.mu.Lock()
	stale.lastHeartbeat = time.Now().Add(-HeartbeatTimeout * 2)
	stale.mu.Unlock()

	r.mu.Lock()
	r.peers[stale.NodeID] = stale
	r.mu.Unlock()
	r.Ring.AddNode(stale.NodeID, 1.0)

	r.evictStalePeers()

	_, ok := r.GetPeer("stale-peer")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Ring.NodeCount())
}
