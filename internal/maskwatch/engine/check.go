package engine

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/opertools/maskwatch/internal/maskwatch/mask"
	"github.com/opertools/maskwatch/internal/maskwatch/store"
)

// Check matches one user observation against the active mask set and
// dispatches the decided action. The whole pass runs under the state
// lock so a concurrent catalog mutation cannot observe a half-updated
// active set.
func (e *Engine) Check(ctx context.Context, nick string, u *User, ev Event) {
	e.idleReset()

	e.mu.Lock()
	defer e.mu.Unlock()

	refs := references(nick, u, ev)
	e.pushRecentLocked(refs)

	var ids []int64
	for _, am := range e.active {
		for _, ref := range refs {
			if am.re.MatchString(ref) {
				ids = append(ids, am.id)
				break
			}
		}
	}
	if len(ids) == 0 {
		return
	}

	type match struct {
		id int64
		m  *store.Mask
	}
	var rows []match
	actions := make(map[mask.Type]struct{})
	for _, id := range ids {
		if err := e.db.HitMask(ctx, id); err != nil {
			slog.Warn("recording mask hit", "id", id, "err", err)
		}
		m, err := e.db.GetMask(ctx, id)
		if err != nil {
			slog.Warn("fetching matched mask", "id", id, "err", err)
			continue
		}
		rows = append(rows, match{id: id, m: m})
		actions[m.Type.Action()] = struct{}{}
	}
	if len(rows) == 0 {
		return
	}

	// highest weight wins; ties keep ascending id order
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].m.Type.Weight() > rows[j].m.Type.Weight()
	})
	top := rows[0]

	expanded := e.expandLocked(top.m.Reason, nil)
	userReason, operReason, _ := strings.Cut(expanded, "|")

	banUser := u.Ident
	if strings.HasPrefix(banUser, "~") {
		// no identd, the ident is worthless as a ban key
		banUser = "*"
	}
	banHost := u.Host
	if u.IP != "" {
		banHost = u.IP
	}

	info := map[string]string{
		"mask_id": strconv.FormatInt(top.id, 10),
		"nick":    nick,
		"user":    u.Ident,
		"host":    u.Host,
		"ip":      u.IP,

		"ban_user": banUser,
		"ban_host": banHost,
		"ban_time": strconv.Itoa(e.rng.Intn(161) + 160),

		"reason":      expanded,
		"user_reason": userReason,
		"oper_reason": operReason,
	}

	var action string
	switch top.m.Type.Action() {
	case mask.Lethal:
		action = e.expandLocked(e.cfg.BanCmd, info)
	case mask.Kill:
		action = fmt.Sprintf("KILL %s :%s", nick, userReason)
	case mask.Resv:
		action = fmt.Sprintf("RESV 60 %s ON * :maskwatch mask %d", nick, top.id)
	}

	if action != "" {
		if top.m.Type.Has(mask.Delay) {
			d := time.Duration(float64(time.Second) * (1 + e.rng.Float64()*9))
			if top.m.Type.Has(mask.Quick) {
				d = 3 * time.Second
			}
			heap.Push(&e.delayed, delayedLine{at: e.now().Add(d), line: action})
		} else {
			e.out.SendRaw(action)
		}
	}

	line := fmt.Sprintf("MASK: %s mask %d %s!%s@%s %s [%s]",
		top.m.Type, top.id, nick, u.Ident, u.Host, u.Real, operReason)
	switch {
	case top.m.Type.Action() == mask.Exclude && len(actions) == 1:
		// an exclusion with nothing excluded from it, stay quiet
	case top.m.Type.Has(mask.Quiet):
		e.out.Verbose(line)
	case top.m.Type.Has(mask.Silent):
	default:
		e.out.Verbose(line)
		if e.cfg.Channel != e.cfg.Verbose {
			e.out.Report(line)
		}
	}
}

// expandLocked substitutes $alias tokens from the reason table plus any
// extras. Longer aliases are replaced first so $user_reason is never
// clipped by $user; ten passes bound self-referential templates.
func (e *Engine) expandLocked(s string, extras map[string]string) string {
	formats := make(map[string]string, len(e.reasons)+len(extras))
	for k, v := range e.reasons {
		formats[k] = v
	}
	for k, v := range extras {
		formats[k] = v
	}

	keys := make([]string, 0, len(formats))
	for k := range formats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for pass := 0; pass < 10; pass++ {
		changed := false
		for _, k := range keys {
			token := "$" + k
			if strings.Contains(s, token) {
				s = strings.ReplaceAll(s, token, formats[k])
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return strings.TrimRightFunc(s, unicode.IsSpace)
}

// idleReset sends a self-PM so the server never sees us as idle enough
// to drop.
func (e *Engine) idleReset() {
	if e.cfg.AntiIdle {
		e.out.SendRaw("PRIVMSG " + e.out.Nick() + " :hello self")
	}
}
