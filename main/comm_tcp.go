package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultCoordPort = "29400"

// dialPolicy bounds how long a worker keeps knocking while the head starts up.
var dialPolicy = retry.MaxTries(retry.Backoff(250*time.Millisecond, 5*time.Second, 1.5), 40)

// Wire format, one line per message:
//
//	worker -> head: HELLO <rank> <size>
//	worker -> head: ARRIVE <seq>
//	head -> worker: RELEASE <seq>
//	head -> worker: BCAST <quoted value>
//	head -> worker: ABORT <quoted reason>
type peer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func newPeer(rank int, conn net.Conn) *peer {
	return &peer{rank: rank, conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(format string, args ...interface{}) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := fmt.Fprintf(p.conn, format+"\n", args...); err != nil {
		return fmt.Errorf("rank %d: %w: %v", p.rank, ErrPeerLost, err)
	}
	return nil
}

// recv reads one message, unblocking when ctx is done.
func (p *peer) recv(ctx context.Context) (verb, arg string, err error) {
	stop := context.AfterFunc(ctx, func() { p.conn.SetReadDeadline(time.Unix(1, 0)) })
	defer func() {
		if !stop() {
			p.conn.SetReadDeadline(time.Time{})
		}
	}()
	line, err := p.r.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return "", "", fmt.Errorf("rank %d: %w", p.rank, ErrPeerLost)
		}
		return "", "", fmt.Errorf("rank %d: %w: %v", p.rank, ErrPeerLost, err)
	}
	line = strings.TrimRight(line, "\r\n")
	verb, arg, _ = strings.Cut(line, " ")
	return verb, arg, nil
}

// helloTimeout bounds how long an accepted connection may stay silent.
var helloTimeout = 10 * time.Second

// headComm is rank 0: it holds one connection per worker.
type headComm struct {
	size  int
	peers []*peer
	seq   int
	log   *zap.Logger

	abortOnce sync.Once
}

type hello struct {
	p          *peer
	rank, size int
	err        error
}

// AcceptWorkers waits until size-1 workers have said hello on ln. Each
// connection's HELLO is read on its own goroutine, so a stray connection
// cannot hold up the real workers. ln is closed on return.
func AcceptWorkers(ctx context.Context, ln net.Listener, size int) (Communicator, error) {
	h := &headComm{size: size, peers: make([]*peer, size), log: zap.L()}
	defer ln.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hellos := make(chan hello)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			go func() {
				p := newPeer(-1, conn)
				hctx, hcancel := context.WithTimeout(ctx, helloTimeout)
				defer hcancel()
				hl := hello{p: p}
				var verb, arg string
				if verb, arg, hl.err = p.recv(hctx); hl.err == nil {
					hl.rank, hl.size, hl.err = parseHello(verb, arg)
				}
				select {
				case hellos <- hl:
				case <-ctx.Done():
					conn.Close()
				}
			}()
		}
	}()

	h.log.Info("waiting for workers", zap.String("addr", ln.Addr().String()), zap.Int("size", size))
	for joined := 1; joined < size; {
		select {
		case hl := <-hellos:
			if hl.err != nil || hl.size != size || hl.rank <= 0 || hl.rank >= size || h.peers[hl.rank] != nil {
				h.log.Warn("rejecting connection", zap.Int("worker", hl.rank), zap.Int("size", hl.size), zap.Error(hl.err))
				hl.p.conn.Close()
				continue
			}
			hl.p.rank = hl.rank
			h.peers[hl.rank] = hl.p
			joined++
			h.log.Debug("worker joined", zap.Int("worker", hl.rank), zap.Int("joined", joined))
		case err := <-acceptErr:
			h.Close()
			return nil, fmt.Errorf("accept workers: %w", err)
		case <-ctx.Done():
			h.Close()
			return nil, fmt.Errorf("accept workers: %w", ctx.Err())
		}
	}
	return h, nil
}

func parseHello(verb, arg string) (rank, size int, err error) {
	if verb != "HELLO" {
		return 0, 0, fmt.Errorf("expected HELLO, got %q", verb)
	}
	var parts = strings.Fields(arg)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed HELLO %q", arg)
	}
	if rank, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, err
	}
	if size, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, err
	}
	return rank, size, nil
}

func (h *headComm) Rank() int { return 0 }
func (h *headComm) Size() int { return h.size }

func (h *headComm) workers() []*peer { return h.peers[1:] }

func (h *headComm) Barrier(ctx context.Context) error {
	h.seq++
	seq := strconv.Itoa(h.seq)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range h.workers() {
		p := p
		g.Go(func() error {
			verb, arg, err := p.recv(gctx)
			if err != nil {
				return err
			}
			if verb != "ARRIVE" || arg != seq {
				return fmt.Errorf("rank %d: expected ARRIVE %s, got %q", p.rank, seq, verb+" "+arg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("barrier %s: %w", seq, err)
	}
	for _, p := range h.workers() {
		if err := p.send("RELEASE %s", seq); err != nil {
			return fmt.Errorf("barrier %s: %w", seq, err)
		}
	}
	return nil
}

func (h *headComm) Broadcast(_ context.Context, value string) (string, error) {
	for _, p := range h.workers() {
		if err := p.send("BCAST %s", strconv.Quote(value)); err != nil {
			return "", fmt.Errorf("broadcast: %w", err)
		}
	}
	return value, nil
}

func (h *headComm) Abort(reason string) {
	h.abortOnce.Do(func() {
		h.log.Warn("aborting workers", zap.String("reason", reason))
		for _, p := range h.workers() {
			if p == nil {
				continue
			}
			if err := p.send("ABORT %s", strconv.Quote(reason)); err != nil {
				h.log.Debug("abort not delivered", zap.Int("worker", p.rank), zap.Error(err))
			}
		}
	})
}

func (h *headComm) Close() error {
	var first error
	for _, p := range h.peers {
		if p != nil {
			if err := p.conn.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// workerComm is any rank other than 0.
type workerComm struct {
	rank, size int
	head       *peer
	seq        int
}

// DialHead connects to the head at addr, retrying while it comes up.
func DialHead(ctx context.Context, addr string, rank, size int) (Communicator, error) {
	var (
		d    net.Dialer
		conn net.Conn
		err  error
	)
	for retries := 0; ; retries++ {
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		zap.L().Debug("head not reachable yet", zap.String("addr", addr), zap.Int("attempt", retries+1), zap.Error(err))
		if werr := retry.Wait(ctx, dialPolicy, retries); werr != nil {
			return nil, fmt.Errorf("dial head %s: %v (last error: %w)", addr, werr, err)
		}
	}
	w := &workerComm{rank: rank, size: size, head: newPeer(0, conn)}
	if err := w.head.send("HELLO %d %d", rank, size); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func (w *workerComm) Rank() int { return w.rank }
func (w *workerComm) Size() int { return w.size }

func (w *workerComm) Barrier(ctx context.Context) error {
	w.seq++
	seq := strconv.Itoa(w.seq)
	if err := w.head.send("ARRIVE %s", seq); err != nil {
		return fmt.Errorf("barrier %s: %w", seq, err)
	}
	verb, arg, err := w.head.recv(ctx)
	if err != nil {
		return fmt.Errorf("barrier %s: %w", seq, err)
	}
	switch verb {
	case "RELEASE":
		if arg != seq {
			return fmt.Errorf("barrier %s: released for %s", seq, arg)
		}
		return nil
	case "ABORT":
		return fmt.Errorf("barrier %s: %w: %s", seq, ErrAborted, unquote(arg))
	default:
		return fmt.Errorf("barrier %s: unexpected %q", seq, verb)
	}
}

func (w *workerComm) Broadcast(ctx context.Context, _ string) (string, error) {
	verb, arg, err := w.head.recv(ctx)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	switch verb {
	case "BCAST":
		return unquote(arg), nil
	case "ABORT":
		return "", fmt.Errorf("broadcast: %w: %s", ErrAborted, unquote(arg))
	default:
		return "", fmt.Errorf("broadcast: unexpected %q", verb)
	}
}

func (w *workerComm) Abort(string) { w.head.conn.Close() }

func (w *workerComm) Close() error { return w.head.conn.Close() }

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}
