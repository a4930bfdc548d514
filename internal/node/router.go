package node

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds how many commands run at once.
const DefaultWorkers = 16

// router queues commands without bound and runs them on a bounded pool.
// Follow-up commands a handler returns go back on the queue.
type router struct {
	n       *Node
	workers *semaphore.Weighted

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Cmd
	stopped bool
	wg      sync.WaitGroup
}

func newRouter(n *Node, workers int) *router {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r := &router{n: n, workers: semaphore.NewWeighted(int64(workers))}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Dispatch enqueues cmds; it never blocks on handler progress.
func (r *router) Dispatch(cmds ...Cmd) {
	if len(cmds) == 0 {
		return
	}
	r.mu.Lock()
	if !r.stopped {
		r.queue = append(r.queue, cmds...)
		r.cond.Signal()
	}
	r.mu.Unlock()
}

func (r *router) next() (Cmd, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && !r.stopped {
		r.cond.Wait()
	}
	if r.stopped {
		return nil, false
	}
	c := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return c, true
}

// run processes commands until ctx is done, then waits for running handlers.
func (r *router) run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.stopped = true
		r.cond.Broadcast()
		r.mu.Unlock()
	}()
	for {
		c, ok := r.next()
		if !ok {
			break
		}
		if err := r.workers.Acquire(ctx, 1); err != nil {
			break
		}
		r.wg.Add(1)
		go func(c Cmd) {
			defer r.wg.Done()
			defer r.workers.Release(1)
			r.Dispatch(r.handle(ctx, c)...)
		}(c)
	}
	r.wg.Wait()
}

func (r *router) handle(ctx context.Context, c Cmd) []Cmd {
	n := r.n
	var (
		out []Cmd
		err error
	)
	switch c := c.(type) {
	case HandleMsg:
		out, err = n.handleMsg(c.Conn, c.Raw)
	case HandleServiceMsg:
		out, err = n.handleServiceMsg(c.Conn, c.Wire, c.Msg)
	case HandleSystemMsg:
		out, err = n.handleSystemMsg(c.Conn, c.Wire, c.Msg)
	case HandleAgreement:
		out, err = n.handleAgreement(c.Decision)
	case HandleNewEldersAgreement:
		out, err = n.handleNewEldersAgreement(c.Decision)
	case HandleDkgOutcome:
		out, err = n.handleDkgOutcome(c.Outcome)
	case HandleDkgFailure:
		n.handleDkgFailure(c.Failure)
	case HandleDkgTimeout:
		out = n.handleDkgTimeout(c.Session)
	case SendMsg:
		out = n.sendMsg(ctx, c.Recipients, c.Wire)
	case Reply:
		n.reply(ctx, c.Conn, c.Wire)
	case SendToAdultsAndReturnToClient:
		out, err = n.sendToAdults(c)
	case SignOutgoingSystemMsg:
		out, err = n.signOutgoing(c)
	case Propose:
		out, err = n.propose(c.Proposal)
	case ProposeOffline:
		out, err = n.proposeOffline(c.Name)
	case TestConnectivity:
		out = n.testConnectivity(ctx, c.Name)
	case ReplicateData:
		out, err = n.replicateData()
	case CleanupLinks:
		n.cleanupLinks()
	case ScheduleTimeout:
		r.schedule(ctx, c)
	case Tick:
		out = n.tick()
	default:
		log.Warningf("unhandled command %s", c)
	}
	if err != nil {
		log.Debugf("%s failed: %v", c, err)
	}
	return out
}

func (r *router) schedule(ctx context.Context, c ScheduleTimeout) {
	clk := r.n.clock
	go func() {
		select {
		case <-ctx.Done():
		case <-clk.After(c.After):
			r.Dispatch(c.Cmd)
		}
	}()
}
