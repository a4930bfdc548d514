package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
	"github.com/maidsafe/temp-safe-network-sub015/internal/proto"
	"github.com/maidsafe/temp-safe-network-sub015/internal/sectiontree"
	"github.com/maidsafe/temp-safe-network-sub015/internal/xorname"
)

func timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.ErrQueryTimeout
	}
	return ctx.Err()
}

// sendQuery asks the closest elder of the section covering the query's
// name, moving on to the next data holder when one does not have the data
// or does not answer in time. Bounced attempts are resent to the section
// the bounce names and do not move on.
func (c *Client) sendQuery(ctx context.Context, q proto.ClientQuery) (proto.QueryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	dst := q.Dst()
	a := c.newAttempts()
	defer a.done()
	b := c.queryBackOff()
	maxIndex := c.cfg.DataCopyCount - 1
	elderIdx := 0
	resend := true
	var wait time.Duration
	for {
		if resend {
			key, elders, err := c.eldersFor(dst)
			if err != nil {
				return proto.QueryResponse{}, err
			}
			elder := elders[elderIdx%len(elders)]
			w, err := proto.NewClientMsg(c.keys, proto.Dst{Name: dst, SectionKey: key}, proto.Msg{ClientQuery: &q})
			if err != nil {
				return proto.QueryResponse{}, err
			}
			a.track(w.ID)
			if err := c.send(ctx, []sectiontree.Peer{elder}, w); err != nil {
				log.Debugf("query %s to %s: %v", w.ID, elder, err)
			}
			var ok bool
			if wait, ok = nextWait(b); !ok {
				return proto.QueryResponse{}, errs.ErrQueryTimeout
			}
			resend = false
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return proto.QueryResponse{}, timeoutErr(ctx)
		case <-timer.C:
			if q.AdultIndex < maxIndex {
				q.AdultIndex++
			} else {
				elderIdx++
			}
			resend = true
		case r := <-a.ch:
			timer.Stop()
			if r.bounce {
				resend = true
				continue
			}
			if r.msg.QueryResponse == nil {
				continue
			}
			resp := *r.msg.QueryResponse
			err := resp.Err()
			if errors.Is(err, errs.ErrDataNotFound) && q.AdultIndex < maxIndex {
				q.AdultIndex++
				resend = true
				continue
			}
			return resp, err
		}
	}
}

// sendCmd delivers a command to the closest elder, or to every elder of
// the section. Any successful acknowledgement completes it. Sent to every
// elder, it fails only once each elder answered with an error, or with the
// first error when the wait for the rest runs out. Unanswered attempts are
// resent to the next elder.
func (c *Client) sendCmd(ctx context.Context, cmd proto.ClientCmd, allElders bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()
	dst := cmd.Dst()
	a := c.newAttempts()
	defer a.done()
	b := c.queryBackOff()
	elderIdx := 0
	resend := true
	var (
		wait     time.Duration
		targets  []sectiontree.Peer
		failed   = make(map[xorname.XorName]bool)
		firstErr error
	)
	for {
		if resend {
			key, elders, err := c.eldersFor(dst)
			if err != nil {
				return err
			}
			targets = elders
			if !allElders {
				targets = []sectiontree.Peer{elders[elderIdx%len(elders)]}
			}
			w, err := proto.NewClientMsg(c.keys, proto.Dst{Name: dst, SectionKey: key}, proto.Msg{ClientCmd: &cmd})
			if err != nil {
				return err
			}
			a.track(w.ID)
			if err := c.send(ctx, targets, w); err != nil {
				log.Debugf("cmd %s: %v", w.ID, err)
			}
			var ok bool
			if wait, ok = nextWait(b); !ok {
				return errs.ErrQueryTimeout
			}
			resend = false
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if firstErr != nil {
				return firstErr
			}
			return timeoutErr(ctx)
		case <-timer.C:
			if firstErr != nil {
				return firstErr
			}
			elderIdx++
			resend = true
		case r := <-a.ch:
			timer.Stop()
			if r.bounce {
				resend = true
				continue
			}
			if r.msg.CmdAck == nil {
				continue
			}
			err := r.msg.CmdAck.Err()
			if err == nil {
				return nil
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", cmdName(cmd), err)
			}
			failed[r.from] = true
			if len(failed) >= len(targets) {
				return firstErr
			}
		}
	}
}

func cmdName(cmd proto.ClientCmd) string {
	switch {
	case cmd.StoreChunk != nil:
		return "store " + cmd.StoreChunk.Address.String()
	case cmd.Register != nil:
		return cmd.Register.String()
	}
	return "empty command"
}
