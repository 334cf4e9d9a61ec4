package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opertools/maskwatch/internal/maskwatch/engine"
	"github.com/opertools/maskwatch/internal/maskwatch/mask"
	"github.com/opertools/maskwatch/internal/maskwatch/store"
)

// Reporter posts log lines to the main operator channel.
type Reporter interface {
	Report(msg string)
}

// Handlers implements the operator command set over the catalog and the
// engine's in-memory state.
type Handlers struct {
	db  *store.Store
	eng *engine.Engine
	out Reporter

	now func() time.Time
}

// NewHandlers wires the command handlers.
func NewHandlers(db *store.Store, eng *engine.Engine, out Reporter) *Handlers {
	return &Handlers{db: db, eng: eng, out: out, now: time.Now}
}

func (h *Handlers) actor(caller Caller) store.Actor {
	return store.Actor{Source: caller.Source, Oper: caller.Oper}
}

// parseMaskID validates the leading argument as a catalog id.
func parseMaskID(fields []string) (int64, error) {
	if len(fields) == 0 {
		return 0, usagef("please provide a mask id")
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id < 0 {
		return 0, usagef("that's not an id/number")
	}
	return id, nil
}

// compileArg extracts and compiles the mask literal at the front of an
// argument string. Syntax problems are usage errors; a body the regex
// engine rejects is reported as a compilation error instead.
func compileArg(args string) (raw string, re *regexp.Regexp, rest string, outs []string, err error) {
	raw, rest, err = mask.Token(args)
	if err != nil {
		return "", nil, "", nil, usagef("syntax error: %v", err)
	}
	compiled, err := mask.Compile(raw)
	if err != nil {
		if errors.Is(err, mask.ErrEmptyMask) ||
			errors.Is(err, mask.ErrNoDelimiter) ||
			errors.Is(err, mask.ErrUnterminatedMask) {
			return "", nil, "", nil, usagef("syntax error: %v", err)
		}
		return "", nil, "", []string{fmt.Sprintf("regex compilation error: %v", err)}, nil
	}
	return raw, compiled, rest, nil, nil
}

func (h *Handlers) maskFormat(id int64, m *store.Mask) string {
	lastHit := ""
	if m.Hits > 0 && m.LastHit.Valid {
		lastHit = fmt.Sprintf(", last hit %s ago", mask.PrettyDuration(h.now().Unix()-m.LastHit.Int64))
	}
	return fmt.Sprintf("%3d: \x02%s\x02 (%d hits%s) \x02%s\x02 [%s]",
		id, m.Mask, m.Hits, lastHit, m.Type, m.Reason)
}

// GetMask prints one mask and its change history.
func (h *Handlers) GetMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	fields := strings.Fields(args)
	id, err := parseMaskID(fields)
	if err != nil {
		return nil, err
	}

	m, err := h.db.GetMask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return []string{fmt.Sprintf("unknown mask id %d", id)}, nil
	} else if err != nil {
		return nil, err
	}
	changes, err := h.db.Changes(ctx, id)
	if err != nil {
		return nil, err
	}

	outs := []string{
		h.maskFormat(id, m),
		"\x02changes:\x02",
	}

	max := 10
	for _, f := range fields[1:] {
		if f == "-all" {
			max = len(changes)
		}
	}
	if len(changes) > max {
		changes = changes[len(changes)-max:]
	}
	for _, c := range changes {
		who := c.BySource
		if c.ByOper != "" {
			who = fmt.Sprintf("%s (%s)", c.BySource, c.ByOper)
		}
		ts := time.Unix(c.Time, 0).UTC().Format("2006-01-02T15:04:05")
		outs = append(outs, fmt.Sprintf(" %s by \x02%s\x02: %s", ts, who, c.Change))
	}
	return outs, nil
}

// AddMask compiles and stores a new mask, activates it, and estimates
// its impact over the recent-observation ring.
func (h *Handlers) AddMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	raw, re, rest, outs, err := compileArg(args)
	if err != nil || outs != nil {
		return outs, err
	}
	reason := strings.TrimSpace(rest)
	if reason == "" {
		return nil, usagef("please provide a mask reason")
	}

	id, err := h.db.AddMask(ctx, raw, reason, h.actor(caller))
	if err != nil {
		return nil, err
	}
	h.eng.Activate(id, re)

	matched, samples := h.eng.MatchRecent(re)
	return []string{
		fmt.Sprintf("added %d (hits %d out of last %d users)", id, len(matched), samples),
	}, nil
}

// ToggleMask flips a mask on or off and keeps the active set in sync.
func (h *Handlers) ToggleMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	id, err := parseMaskID(strings.Fields(args))
	if err != nil {
		return nil, err
	}

	m, err := h.db.GetMask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return []string{fmt.Sprintf("unknown mask id %d", id)}, nil
	} else if err != nil {
		return nil, err
	}

	enabled, err := h.db.ToggleMask(ctx, id, h.actor(caller))
	if err != nil {
		return nil, err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
		re, err := mask.Compile(m.Mask)
		if err != nil {
			slog.Warn("stored mask no longer compiles", "id", id, "err", err)
		} else {
			h.eng.Activate(id, re)
		}
	} else {
		h.eng.Deactivate(id)
	}

	h.out.Report(fmt.Sprintf("%s (%s) TOGGLEMASK: %s %s mask \x02%s\x02",
		caller.Nick, caller.Oper, state, m.Type, m.Mask))
	return []string{fmt.Sprintf("%s mask %d %s", m.Type, id, state)}, nil
}

// SetMask changes a mask's expiry, its type, or both.
func (h *Handlers) SetMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return nil, usagef("not enough params")
	}
	id, err := parseMaskID(fields)
	if err != nil {
		return nil, err
	}

	m, err := h.db.GetMask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return []string{fmt.Sprintf("unknown mask id %d", id)}, nil
	} else if err != nil {
		return nil, err
	}

	var outs []string
	rest := fields[1:]

	if rest[0][0] == '+' || rest[0][0] == '~' {
		spec := rest[0]
		rest = rest[1:]

		secs, derr := mask.ParseDuration(spec[1:])
		if derr != nil {
			return outs, usagef("expiry must be in format +1w2d/~1w2d")
		}
		expire := h.now().Unix() + secs
		if spec[0] == '~' {
			// stored negative, meaning "this long after the last hit"
			expire = -secs
		}

		if err := h.db.SetMaskExpire(ctx, id, sql.NullInt64{Int64: expire, Valid: true}, h.actor(caller), spec); err != nil {
			return outs, err
		}
		outs = append(outs, fmt.Sprintf("%s expiry set to %s", m.Mask, spec))
	}

	if len(rest) == 0 {
		return outs, nil
	}

	mtype, err := mask.ParseType(rest[0])
	if err != nil {
		return outs, usagef("%v", err)
	}
	if m.Type == mtype {
		return append(outs, fmt.Sprintf("%s is already \x02%s\x02", m.Mask, mtype)), nil
	}

	if err := h.db.SetMaskType(ctx, id, mtype, h.actor(caller), "type "+mtype.String()); err != nil {
		return outs, err
	}

	h.out.Report(fmt.Sprintf("%s (%s) SETMASK: type %s \x02%s\x02 (was %s)",
		caller.Nick, caller.Oper, mtype, m.Mask, m.Type))
	outs = append([]string{
		fmt.Sprintf("%s changed from \x02%s\x02 to \x02%s\x02", m.Mask, m.Type, mtype),
	}, outs...)
	return outs, nil
}

// ListMask lists every mask in the active set.
func (h *Handlers) ListMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	var outs []string
	for _, id := range h.eng.ActiveIDs() {
		m, err := h.db.GetMask(ctx, id)
		if err != nil {
			slog.Warn("listing active mask", "id", id, "err", err)
			continue
		}
		outs = append(outs, h.maskFormat(id, m))
	}
	outs = append(outs, fmt.Sprintf("%d active masks", len(outs)))
	return outs, nil
}

// AddReason stores a new reason template alias.
func (h *Handlers) AddReason(ctx context.Context, caller Caller, args string) ([]string, error) {
	alias, text, found := strings.Cut(strings.TrimSpace(args), " ")
	text = strings.TrimSpace(text)
	if !found || alias == "" || text == "" {
		return nil, usagef("not enough params")
	}
	alias = strings.ToLower(alias)

	has, err := h.db.HasReason(ctx, alias)
	if err != nil {
		return nil, err
	}
	if has {
		return []string{fmt.Sprintf("reason alias \x02$%s\x02 already exists", alias)}, nil
	}

	if err := h.db.AddReason(ctx, alias, text); err != nil {
		return nil, err
	}
	h.eng.SetReason(alias, text)
	return []string{fmt.Sprintf("added reason alias \x02$%s\x02", alias)}, nil
}

// DelReason removes a reason template alias.
func (h *Handlers) DelReason(ctx context.Context, caller Caller, args string) ([]string, error) {
	fields := strings.Fields(args)
	if len(fields) < 1 {
		return nil, usagef("not enough params")
	}
	alias := strings.ToLower(fields[0])

	has, err := h.db.HasReason(ctx, alias)
	if err != nil {
		return nil, err
	}
	if !has {
		return []string{fmt.Sprintf("the reason alias \x02$%s\x02 does not exist", alias)}, nil
	}

	if err := h.db.DeleteReason(ctx, alias); err != nil {
		return nil, err
	}
	h.eng.UnsetReason(alias)
	return []string{fmt.Sprintf("deleted reason alias \x02$%s\x02", alias)}, nil
}

// ListReason lists the reason template table.
func (h *Handlers) ListReason(ctx context.Context, caller Caller, args string) ([]string, error) {
	reasons := h.eng.Reasons()
	if len(reasons) == 0 {
		return []string{"no reason aliases"}, nil
	}

	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outs := make([]string, 0, len(keys))
	for _, k := range keys {
		outs = append(outs, fmt.Sprintf("\x02$%s\x02: %s", k, reasons[k]))
	}
	return outs, nil
}

// TestMask dry-runs a mask over the recent-observation ring without
// persisting anything.
func (h *Handlers) TestMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	raw, re, rest, outs, err := compileArg(args)
	if err != nil || outs != nil {
		return outs, err
	}

	matched, samples := h.eng.MatchRecent(re)

	max := 10
	if strings.TrimSpace(rest) == "-all" {
		max = len(matched)
	}

	if len(matched) == 0 {
		return []string{fmt.Sprintf("mask \x02%s\x02 matches 0 out of %d", raw, samples)}, nil
	}

	outs = []string{fmt.Sprintf("mask \x02%s\x02 matches...", raw)}
	shown := matched
	if len(shown) > max {
		shown = shown[:max]
	}
	for _, ref := range shown {
		outs = append(outs, " "+strings.ReplaceAll(ref, "\n", "#"))
	}
	if extra := len(matched) - len(shown); extra > 0 {
		outs = append(outs, fmt.Sprintf(" (and %d more)", extra))
	}
	outs = append(outs, fmt.Sprintf("... out of %d", samples))
	return outs, nil
}

// CompileMask shows the regex a mask literal compiles to.
func (h *Handlers) CompileMask(ctx context.Context, caller Caller, args string) ([]string, error) {
	raw, re, _, outs, err := compileArg(args)
	if err != nil || outs != nil {
		return outs, err
	}
	return []string{fmt.Sprintf("\x02%s\x02 compiles to: %s", raw, re.String())}, nil
}
