package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrAborted is returned from a collective when the head gave up.
	ErrAborted = errors.New("aborted by head")
	// ErrPeerLost is returned when a peer connection closes mid-collective.
	ErrPeerLost = errors.New("peer connection lost")
)

// Communicator is the slice of a message-passing runtime the run needs:
// a rank, a group size, barriers, and a broadcast from rank 0.
type Communicator interface {
	Rank() int
	Size() int
	// Barrier returns once every rank has called Barrier.
	Barrier(ctx context.Context) error
	// Broadcast returns rank 0's value on every rank. Values from other
	// ranks are ignored.
	Broadcast(ctx context.Context, value string) (string, error)
	// Abort releases peers blocked in a collective with ErrAborted.
	// Only meaningful on rank 0; elsewhere it just drops the connection.
	Abort(reason string)
	Close() error
}

type localComm struct{}

func (localComm) Rank() int                         { return 0 }
func (localComm) Size() int                         { return 1 }
func (localComm) Barrier(ctx context.Context) error { return ctx.Err() }
func (localComm) Abort(string)                      {}
func (localComm) Close() error                      { return nil }

func (localComm) Broadcast(_ context.Context, v string) (string, error) { return v, nil }

// Topology is what the launcher told this process about its place in the group.
type Topology struct {
	Rank      int
	Size      int
	CoordAddr string
	// Source names the environment variables that supplied rank and size,
	// empty when nothing was found.
	Source string
}

var rankEnvs = []struct{ rank, size string }{
	{"STANMPI_RANK", "STANMPI_SIZE"},
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
	{"SLURM_PROCID", "SLURM_NTASKS"},
	{"RANK", "WORLD_SIZE"},
}

// DetectTopology reads rank and size from the first launcher convention
// present in env. fallbackSize is used when no size is advertised.
func DetectTopology(getenv func(string) string, fallbackSize int) (Topology, error) {
	topo := Topology{Size: fallbackSize}
	for _, e := range rankEnvs {
		rs := strings.TrimSpace(getenv(e.rank))
		if rs == "" {
			continue
		}
		rank, err := strconv.Atoi(rs)
		if err != nil {
			return Topology{}, fmt.Errorf("parse %s=%q: %w", e.rank, rs, err)
		}
		topo.Rank = rank
		topo.Source = e.rank
		if ss := strings.TrimSpace(getenv(e.size)); ss != "" {
			size, err := strconv.Atoi(ss)
			if err != nil {
				return Topology{}, fmt.Errorf("parse %s=%q: %w", e.size, ss, err)
			}
			topo.Size = size
			topo.Source += "/" + e.size
		}
		break
	}
	if topo.Size < 1 {
		topo.Size = 1
	}
	if topo.Rank < 0 || topo.Rank >= topo.Size {
		return Topology{}, fmt.Errorf("rank %d out of range for group size %d", topo.Rank, topo.Size)
	}
	topo.CoordAddr = strings.TrimSpace(getenv("STANMPI_COORD_ADDR"))
	if topo.CoordAddr == "" {
		if host := strings.TrimSpace(getenv("MASTER_ADDR")); host != "" {
			port := strings.TrimSpace(getenv("MASTER_PORT"))
			if port == "" {
				port = defaultCoordPort
			}
			topo.CoordAddr = net.JoinHostPort(host, port)
		}
	}
	return topo, nil
}

// Connect joins the group described by topo. A group of one never touches
// the network.
func Connect(ctx context.Context, topo Topology) (Communicator, error) {
	if topo.Size == 1 {
		return localComm{}, nil
	}
	if topo.CoordAddr == "" {
		return nil, fmt.Errorf("coordination address is required for a group of %d (set --coord-addr or STANMPI_COORD_ADDR)", topo.Size)
	}
	if topo.Rank == 0 {
		_, port, err := net.SplitHostPort(topo.CoordAddr)
		if err != nil {
			return nil, fmt.Errorf("coord-addr %q: %w", topo.CoordAddr, err)
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("", port))
		if err != nil {
			return nil, fmt.Errorf("listen for workers: %w", err)
		}
		return AcceptWorkers(ctx, ln, topo.Size)
	}
	return DialHead(ctx, topo.CoordAddr, topo.Rank, topo.Size)
}
