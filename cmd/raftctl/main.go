// Command raftctl is an operability CLI for the raft module: each
// subcommand spins up a small in-process, all-memory demo cluster and
// exercises one operation against it, printing what happened. It is a
// demonstration and smoke-test harness, not a client for a remote
// server — this module ships a library, not a standalone daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	pb "github.com/tdsync/raft/raftpb"
)

func main() {
	root := &cobra.Command{
		Use:   "raftctl",
		Short: "operate and inspect an in-process raft demo cluster",
	}

	var clusterSize int
	root.PersistentFlags().IntVar(&clusterSize, "size", 3, "number of nodes in the demo cluster")

	root.AddCommand(
		statusCmd(&clusterSize),
		campaignCmd(&clusterSize),
		proposeCmd(&clusterSize),
		tickCmd(&clusterSize),
		transferLeaderCmd(&clusterSize),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printStatuses(d *demoCluster) {
	for _, id := range d.order {
		st := d.nodes[id].Status()
		fmt.Printf("node=%d group=%d state=%-18s term=%d leader=%d commit=%d applied=%d lastLog=%d\n",
			st.ID, st.GroupID, st.State, st.Term, st.Leader, st.Commit, st.Applied, st.LastLog)
	}
}

func statusCmd(size *int) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "elect a leader in a fresh demo cluster and print every node's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := newDemoCluster(*size)
			defer d.close()
			d.electLeader()
			printStatuses(d)
			return nil
		},
	}
}

func campaignCmd(size *int) *cobra.Command {
	return &cobra.Command{
		Use:   "campaign",
		Short: "force the first node to start an election and report the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := newDemoCluster(*size)
			defer d.close()
			leader := d.electLeader()
			if leader == 0 {
				return fmt.Errorf("no leader elected")
			}
			fmt.Printf("elected leader: node %d\n", leader)
			printStatuses(d)
			return nil
		},
	}
}

func proposeCmd(size *int) *cobra.Command {
	return &cobra.Command{
		Use:   "propose [data]",
		Short: "elect a leader, propose a value, and print what every node applied",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "hello-raft"
			if len(args) == 1 {
				payload = args[0]
			}
			d := newDemoCluster(*size)
			defer d.close()
			leader := d.electLeader()
			if leader == 0 {
				return fmt.Errorf("no leader elected")
			}
			if err := d.nodes[leader].Propose(context.Background(), []byte(payload), 0, false); err != nil {
				return err
			}
			d.tick(5)
			time.Sleep(50 * time.Millisecond)
			for _, id := range d.order {
				fmt.Printf("node=%d applied=%v\n", id, stringsOf(d.fsms[id].Applied()))
			}
			return nil
		},
	}
}

func tickCmd(size *int) *cobra.Command {
	return &cobra.Command{
		Use:   "tick [n]",
		Short: "advance every node's logical clock by n ticks (default 1) and print status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 1 {
				if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
					return fmt.Errorf("invalid tick count %q: %w", args[0], err)
				}
			}
			d := newDemoCluster(*size)
			defer d.close()
			d.tick(n)
			printStatuses(d)
			return nil
		},
	}
}

func transferLeaderCmd(size *int) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer-leader [target-node-id]",
		Short: "elect a leader, then transfer leadership to the given node (default: the second node)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := newDemoCluster(*size)
			defer d.close()
			leader := d.electLeader()
			if leader == 0 {
				return fmt.Errorf("no leader elected")
			}
			target := pb.NodeId(0)
			for _, id := range d.order {
				if id != leader {
					target = id
					break
				}
			}
			if len(args) == 1 {
				var raw int
				if _, err := fmt.Sscanf(args[0], "%d", &raw); err != nil {
					return fmt.Errorf("invalid node id %q: %w", args[0], err)
				}
				target = pb.NodeId(raw)
			}
			d.nodes[leader].TransferLeadership(target)
			d.tick(10)
			time.Sleep(50 * time.Millisecond)
			printStatuses(d)
			return nil
		},
	}
}

func stringsOf(bufs [][]byte) []string {
	out := make([]string, len(bufs))
	for i, b := range bufs {
		out[i] = string(b)
	}
	return out
}
