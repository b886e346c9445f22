package main

import (
	"context"
	"sync"

	"github.com/tdsync/raft/raft"
	pb "github.com/tdsync/raft/raftpb"
	"github.com/tdsync/raft/store"
)

// loopbackTransport wires every node's outbound queue to the matching
// node's Step call, all within this one process. Delivery runs on a
// dedicated goroutine so a node's Step call never recurses back into its
// own (already-held) lock while routing a reply.
type loopbackTransport struct {
	mu    sync.Mutex
	nodes map[pb.NodeId]*raft.Node

	queue chan pb.Message
	stop  chan struct{}
}

func newLoopbackTransport() *loopbackTransport {
	t := &loopbackTransport{
		nodes: make(map[pb.NodeId]*raft.Node),
		queue: make(chan pb.Message, 4096),
		stop:  make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *loopbackTransport) run() {
	for {
		select {
		case m := <-t.queue:
			t.mu.Lock()
			n := t.nodes[m.To]
			t.mu.Unlock()
			if n != nil {
				_ = n.Step(context.Background(), m)
			}
		case <-t.stop:
			return
		}
	}
}

func (t *loopbackTransport) register(id pb.NodeId, n *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

func (t *loopbackTransport) Send(msgs []pb.Message) {
	for _, m := range msgs {
		t.queue <- m
	}
}

func (t *loopbackTransport) close() { close(t.stop) }

// demoCluster is an in-process, all-memory-storage raft group used by
// every raftctl subcommand to demonstrate the library end to end without
// requiring a separately running server.
type demoCluster struct {
	transport *loopbackTransport
	nodes     map[pb.NodeId]*raft.Node
	fsms      map[pb.NodeId]*store.MemFSM
	order     []pb.NodeId
}

func newDemoCluster(size int) *demoCluster {
	peers := make([]pb.NodeId, size)
	for i := 0; i < size; i++ {
		peers[i] = pb.NodeId(i + 1)
	}

	transport := newLoopbackTransport()
	d := &demoCluster{
		transport: transport,
		nodes:     make(map[pb.NodeId]*raft.Node, size),
		fsms:      make(map[pb.NodeId]*store.MemFSM, size),
		order:     peers,
	}

	for _, id := range peers {
		fsm := store.NewMemFSM()
		cfg := &raft.Config{
			ID:              id,
			GroupID:         1,
			ElectionTick:    10,
			HeartbeatTick:   1,
			MaxInflightMsgs: 256,
			MaxSizePerMsg:   1 << 20,
			PreVote:         true,
			CheckQuorum:     true,
			Peers:           peers,
		}
		n := raft.StartNode(cfg, store.NewMemLogStore(), store.NewMemStateManager(), fsm, transport)
		transport.register(id, n)
		d.nodes[id] = n
		d.fsms[id] = fsm
	}
	return d
}

func (d *demoCluster) tick(n int) {
	for i := 0; i < n; i++ {
		for _, id := range d.order {
			d.nodes[id].Tick()
		}
	}
}

// electLeader forces the first node to campaign rather than waiting out
// a randomized election timeout, so the demo is deterministic.
func (d *demoCluster) electLeader() pb.NodeId {
	first := d.order[0]
	_ = d.nodes[first].Campaign()
	for round := 0; round < 50; round++ {
		for _, id := range d.order {
			if d.nodes[id].Status().State == raft.StateLeader {
				return id
			}
		}
		d.tick(1)
	}
	return 0
}

func (d *demoCluster) close() { d.transport.close() }
