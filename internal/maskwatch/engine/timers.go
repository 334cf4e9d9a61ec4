package engine

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/opertools/maskwatch/internal/maskwatch/mask"
	"github.com/opertools/maskwatch/internal/maskwatch/store"
)

type delayedLine struct {
	at   time.Time
	line string
}

type delayQueue []delayedLine

func (q delayQueue) Len() int            { return len(q) }
func (q delayQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q delayQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *delayQueue) Push(x interface{}) { *q = append(*q, x.(delayedLine)) }
func (q *delayQueue) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

// RunSendDrain flushes due entries of the delayed-send heap every 100ms.
func (e *Engine) RunSendDrain(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainDelayed()
		}
	}
}

func (e *Engine) drainDelayed() {
	now := e.now()
	for {
		e.mu.Lock()
		if e.delayed.Len() == 0 || e.delayed[0].at.After(now) {
			e.mu.Unlock()
			return
		}
		line := heap.Pop(&e.delayed).(delayedLine).line
		e.mu.Unlock()

		e.out.SendRaw(line)
	}
}

// RunCheckDebounce drains the pending-check queue once entries have aged
// past the debounce delay. Clients dropped during the window (killed by
// an upstream scanner, usually) are skipped.
func (e *Engine) RunCheckDebounce(ctx context.Context) {
	for {
		wait := e.drainPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (e *Engine) drainPending(ctx context.Context) time.Duration {
	for {
		now := e.now()

		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return 100 * time.Millisecond
		}
		head := e.pending[0]
		due := head.at.Add(e.debounce)
		if due.After(now) {
			e.mu.Unlock()
			return due.Sub(now)
		}
		e.pending = e.pending[1:]
		connected := head.user.Connected
		e.mu.Unlock()

		if connected {
			e.Check(ctx, head.nick, head.user, EventConnect)
		}
	}
}

// RunExpiry sweeps the active set for expired masks, self-scheduling to
// the nearest upcoming deadline, capped at 60s.
func (e *Engine) RunExpiry(ctx context.Context) {
	for {
		wait := e.expireOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (e *Engine) expireOnce(ctx context.Context) time.Duration {
	now := e.now().Unix()
	wait := 60 * time.Second
	actor := store.Actor{Source: e.out.Hostmask()}

	for _, id := range e.ActiveIDs() {
		m, err := e.db.GetMask(ctx, id)
		if err != nil {
			slog.Warn("expiry sweep: fetching mask", "id", id, "err", err)
			continue
		}
		if !m.Expire.Valid {
			continue
		}

		deadline := m.Expire.Int64
		if deadline < 0 {
			// relative to the last hit; never hit means never expires
			if !m.LastHit.Valid {
				continue
			}
			deadline = m.LastHit.Int64 - deadline
		}
		if deadline > now {
			if until := time.Duration(deadline-now) * time.Second; until < wait {
				wait = until
			}
			continue
		}

		old := m.Type.String()
		switch m.Type.Action() {
		case mask.Kill, mask.Lethal:
			// too dangerous to keep armed, fall back to warning
			if err := e.db.SetMaskType(ctx, id, mask.Warn, actor, "expire to WARN"); err != nil {
				slog.Warn("expiry sweep: downgrading mask", "id", id, "err", err)
				continue
			}
			e.out.Report(fmt.Sprintf("MASK:EXPIRE: \x02%s\x02 %s -> WARN", m.Mask, old))
		default:
			if err := e.db.SetMaskExpire(ctx, id, sql.NullInt64{}, actor, ""); err != nil {
				slog.Warn("expiry sweep: clearing expiry", "id", id, "err", err)
				continue
			}
			if _, err := e.db.ToggleMask(ctx, id, actor); err != nil {
				slog.Warn("expiry sweep: disabling mask", "id", id, "err", err)
				continue
			}
			e.Deactivate(id)
			e.out.Report(fmt.Sprintf("MASK:EXPIRE: \x02%s\x02 %s", m.Mask, old))
		}
	}
	return wait
}
