// Package anycoll provides collective operations for
// replicas which train one model on several devices.
package anycoll

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/unixpickle/anyspeech"
	"github.com/unixpickle/anyvec"
)

var (
	// ErrAborted is wrapped by the errors of calls made
	// after another participant failed.
	ErrAborted = errors.New("collective group aborted")

	// ErrMismatch is wrapped by the errors of calls whose
	// operation, root, or buffer length disagrees with the
	// other participants.
	ErrMismatch = errors.New("collective call mismatch")
)

// A Channel is one participant's view of a collective
// group.
//
// Every participant must make the same sequence of calls
// with the same roots and buffer lengths.
// Each call blocks until all participants have joined it.
type Channel interface {
	Rank() int
	Size() int

	// ReduceSum leaves the elementwise sum of every
	// participant's buf in the root's buf.
	// Non-root buffers must not be modified until the call
	// returns.
	ReduceSum(ctx context.Context, buf anyvec.Vector, root int) error

	// Broadcast copies the root's buf into every other
	// participant's buf.
	Broadcast(ctx context.Context, buf anyvec.Vector, root int) error

	// Abort fails every pending and future call in the
	// group with err.
	Abort(err error)
}

type opKind int

const (
	opReduce opKind = iota
	opBroadcast
)

func (o opKind) String() string {
	if o == opReduce {
		return "reduce sum"
	}
	return "broadcast"
}

// A round is one collective call in progress.
type round struct {
	op     opKind
	root   int
	length int
	bufs   []anyvec.Vector
	joined int
	done   chan struct{}
}

type localGroup struct {
	size int

	lock    sync.Mutex
	current *round

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error
}

// NewLocalGroup creates a group of n participants which
// share host memory.
// The i-th Channel has rank i.
func NewLocalGroup(n int) []Channel {
	if n < 1 {
		panic("group must have at least one participant")
	}
	g := &localGroup{size: n, aborted: make(chan struct{})}
	res := make([]Channel, n)
	for i := range res {
		res[i] = &member{group: g, rank: i}
	}
	return res
}

func (g *localGroup) abort(err error) {
	g.abortOnce.Do(func() {
		g.abortErr = err
		close(g.aborted)
	})
}

func (g *localGroup) join(ctx context.Context, rank int, op opKind, buf anyvec.Vector,
	root int) error {
	if root < 0 || root >= g.size {
		return g.fail(rank, op, fmt.Errorf("%w: root %d out of range", ErrMismatch, root))
	}
	select {
	case <-g.aborted:
		return g.abortedErr(rank, op)
	default:
	}

	g.lock.Lock()
	r := g.current
	if r == nil {
		r = &round{
			op:     op,
			root:   root,
			length: buf.Len(),
			bufs:   make([]anyvec.Vector, g.size),
			done:   make(chan struct{}),
		}
		g.current = r
	} else if r.op != op || r.root != root || r.length != buf.Len() {
		g.lock.Unlock()
		return g.fail(rank, op, fmt.Errorf("%w: %s(root=%d, len=%d) during %s(root=%d, len=%d)",
			ErrMismatch, op, root, buf.Len(), r.op, r.root, r.length))
	} else if r.bufs[rank] != nil {
		g.lock.Unlock()
		return g.fail(rank, op, fmt.Errorf("%w: rank %d joined twice", ErrMismatch, rank))
	}
	r.bufs[rank] = buf
	r.joined++
	if r.joined == g.size {
		r.run()
		g.current = nil
		close(r.done)
	}
	g.lock.Unlock()

	// A completed round succeeds even if the group was
	// aborted or ctx was cancelled afterwards.
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case <-r.done:
		return nil
	case <-g.aborted:
		return g.abortedErr(rank, op)
	case <-ctx.Done():
		return g.fail(rank, op, ctx.Err())
	}
}

// fail aborts the group and returns the error for the
// failing participant.
func (g *localGroup) fail(rank int, op opKind, err error) error {
	g.abort(err)
	return &anyspeech.DeviceError{Device: anyspeech.Device(rank), Op: op.String(), Err: err}
}

func (g *localGroup) abortedErr(rank int, op opKind) error {
	return &anyspeech.DeviceError{
		Device: anyspeech.Device(rank),
		Op:     op.String(),
		Err:    fmt.Errorf("%w: %v", ErrAborted, g.abortErr),
	}
}

func (r *round) run() {
	dst := r.bufs[r.root]
	for i, buf := range r.bufs {
		if i == r.root {
			continue
		}
		if r.op == opReduce {
			dst.Add(buf)
		} else {
			buf.Set(dst)
		}
	}
}

type member struct {
	group *localGroup
	rank  int
}

func (m *member) Rank() int {
	return m.rank
}

func (m *member) Size() int {
	return m.group.size
}

func (m *member) ReduceSum(ctx context.Context, buf anyvec.Vector, root int) error {
	return m.group.join(ctx, m.rank, opReduce, buf, root)
}

func (m *member) Broadcast(ctx context.Context, buf anyvec.Vector, root int) error {
	return m.group.join(ctx, m.rank, opBroadcast, buf, root)
}

func (m *member) Abort(err error) {
	m.group.abort(err)
}
