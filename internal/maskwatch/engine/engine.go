// Package engine holds the in-memory state of the watcher: the table of
// connected users, the active mask set, the reason template table, the
// recent-observation ring and the scheduling queues. All state is owned
// by one mutex so line handling, operator commands and the background
// runners observe a total order of mutations.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/opertools/maskwatch/internal/maskwatch/config"
	"github.com/opertools/maskwatch/internal/maskwatch/mask"
	"github.com/opertools/maskwatch/internal/maskwatch/store"
)

// Event says what prompted a mask check.
type Event int

const (
	EventConnect Event = iota
	EventNick
)

// User is a snapshot of one connected client, keyed by nick in the users
// table. Fields are updated in place as whois responses arrive.
type User struct {
	Ident string
	Host  string
	Real  string
	// IP is empty when the server reported a spoof placeholder.
	IP      string
	Account string
	Secure  bool
	// Connected is cleared on exit so a debounced check can be dropped.
	Connected bool
}

// Sender is the slice of the network client the engine needs.
type Sender interface {
	SendRaw(line string)
	Report(msg string)
	Verbose(msg string)
	Whois(nick string)
	Nick() string
	Hostmask() string
}

type activeMask struct {
	id int64
	re *regexp.Regexp
}

type pendingCheck struct {
	at   time.Time
	nick string
	user *User
}

type nickWhois struct {
	nick        string
	shouldCheck bool
}

// Engine wires the store and the network client to the matching logic.
type Engine struct {
	cfg *config.Config
	db  *store.Store
	out Sender

	mu      sync.Mutex
	users   map[string]*User
	active  []activeMask
	reasons map[string]string
	recent  [][]string
	pending []pendingCheck
	nickQ   []nickWhois
	delayed delayQueue

	rng      *rand.Rand
	now      func() time.Time
	debounce time.Duration
}

// New creates an engine with empty state. Rebuild loads the catalog.
func New(cfg *config.Config, db *store.Store, out Sender) *Engine {
	return &Engine{
		cfg:      cfg,
		db:       db,
		out:      out,
		users:    make(map[string]*User),
		reasons:  make(map[string]string),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		debounce: 3 * time.Second,
	}
}

// Rebuild replaces the active mask set and the reason table with the
// enabled rows from the store. Called at connection-ready so a reconnect
// always starts from durable state.
func (e *Engine) Rebuild(ctx context.Context) error {
	masks, err := e.db.ListEnabled(ctx)
	if err != nil {
		return err
	}
	reasons, err := e.db.ListReasons(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = e.active[:0]
	for _, m := range masks {
		re, err := mask.Compile(m.Mask)
		if err != nil {
			slog.Warn("skipping mask that no longer compiles", "id", m.ID, "mask", m.Mask, "err", err)
			continue
		}
		e.active = append(e.active, activeMask{id: m.ID, re: re})
	}

	clear(e.reasons)
	for _, r := range reasons {
		e.reasons[r.Key] = r.Value
	}

	slog.Info("mask catalog loaded", "active", len(e.active), "reasons", len(e.reasons))
	return nil
}

// HandleLine scans a raw server line with the configured lifecycle
// regexes and updates the users table.
func (e *Engine) HandleLine(ctx context.Context, raw string) {
	if m := e.cfg.CliConn.FindStringSubmatch(raw); m != nil {
		nick := group(e.cfg.CliConn, m, "nick")
		ip := group(e.cfg.CliConn, m, "ip")
		if ip == "0" {
			// remote i-line spoof
			ip = ""
		}
		u := &User{
			Ident:     group(e.cfg.CliConn, m, "user"),
			Host:      group(e.cfg.CliConn, m, "host"),
			Real:      group(e.cfg.CliConn, m, "real"),
			IP:        ip,
			Connected: true,
		}

		e.mu.Lock()
		e.users[nick] = u
		e.pending = append(e.pending, pendingCheck{at: e.now(), nick: nick, user: u})
		e.mu.Unlock()

		e.out.Whois(nick)
		return
	}

	if m := e.cfg.CliExit.FindStringSubmatch(raw); m != nil {
		nick := group(e.cfg.CliExit, m, "nick")

		e.mu.Lock()
		if u, ok := e.users[nick]; ok {
			delete(e.users, nick)
			u.Connected = false
		}
		e.mu.Unlock()
		return
	}

	if m := e.cfg.CliNick.FindStringSubmatch(raw); m != nil {
		oldNick := group(e.cfg.CliNick, m, "old")
		newNick := group(e.cfg.CliNick, m, "new")

		e.mu.Lock()
		u, ok := e.users[oldNick]
		if ok {
			delete(e.users, oldNick)
			e.users[newNick] = u
			// the account has to be re-established for the new nick
			u.Account = ""

			// a nick that starts with a digit is a UID, forced by a resv
			// or a collision, and must not re-trigger matching
			shouldCheck := newNick != "" && !(newNick[0] >= '0' && newNick[0] <= '9')
			e.nickQ = append(e.nickQ, nickWhois{nick: newNick, shouldCheck: shouldCheck})
		}
		e.mu.Unlock()

		if ok {
			e.out.Whois(newNick)
		}
	}
}

// HandleWhoisAccount records the services account for a connected nick.
func (e *Engine) HandleWhoisAccount(nick, account string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.users[nick]; ok {
		u.Account = account
	}
}

// HandleWhoisSecure marks a connected nick as using a secure transport.
func (e *Engine) HandleWhoisSecure(nick string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.users[nick]; ok {
		u.Secure = true
	}
}

// HandleEndOfWhois pops the nick-change whois queue. Correlating by nick
// is enough: if the nick changed hands between our WHOIS and this reply,
// the reply describes the new holder, who is the one we should check.
func (e *Engine) HandleEndOfWhois(ctx context.Context, nick string) {
	e.mu.Lock()
	if len(e.nickQ) == 0 || e.nickQ[0].nick != nick {
		e.mu.Unlock()
		return
	}
	shouldCheck := e.nickQ[0].shouldCheck
	e.nickQ = e.nickQ[1:]
	u, ok := e.users[nick]
	e.mu.Unlock()

	if ok && shouldCheck {
		e.Check(ctx, nick, u, EventNick)
	}
}

// Activate inserts (or replaces) a compiled mask, keeping ascending id
// order for iteration.
func (e *Engine) Activate(id int64, re *regexp.Regexp) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := sort.Search(len(e.active), func(i int) bool { return e.active[i].id >= id })
	if i < len(e.active) && e.active[i].id == id {
		e.active[i].re = re
		return
	}
	e.active = append(e.active, activeMask{})
	copy(e.active[i+1:], e.active[i:])
	e.active[i] = activeMask{id: id, re: re}
}

// Deactivate removes a mask from the active set.
func (e *Engine) Deactivate(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := sort.Search(len(e.active), func(i int) bool { return e.active[i].id >= id })
	if i < len(e.active) && e.active[i].id == id {
		e.active = append(e.active[:i], e.active[i+1:]...)
	}
}

// ActiveIDs returns the ids of the active set in ascending order.
func (e *Engine) ActiveIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int64, len(e.active))
	for i, am := range e.active {
		ids[i] = am.id
	}
	return ids
}

// SetReason updates the in-memory reason template table.
func (e *Engine) SetReason(alias, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reasons[alias] = text
}

// UnsetReason removes a reason template.
func (e *Engine) UnsetReason(alias string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reasons, alias)
}

// Reasons returns a copy of the reason template table.
func (e *Engine) Reasons() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]string, len(e.reasons))
	for k, v := range e.reasons {
		out[k] = v
	}
	return out
}

// MatchRecent dry-runs a compiled mask over the recent-observation ring.
// It returns one matched reference per observation, oldest first, and
// the number of observations sampled.
func (e *Engine) MatchRecent(re *regexp.Regexp) (matched []string, samples int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, refs := range e.recent {
		samples++
		for _, ref := range refs {
			if re.MatchString(ref) {
				matched = append(matched, ref)
				break
			}
		}
	}
	return matched, samples
}

// references builds the 1 or 2 enriched references for one observation.
// A second reference with the ip substituted for the host is added when
// the ip is known and differs.
func references(nick string, u *User, ev Event) []string {
	header := mask.Header(u.Account != "", u.Secure, ev == EventConnect)
	refs := []string{mask.Reference(header, nick, u.Ident, u.Host, u.Real)}
	if u.IP != "" && u.IP != u.Host {
		refs = append(refs, mask.Reference(header, nick, u.Ident, u.IP, u.Real))
	}
	return refs
}

func (e *Engine) pushRecentLocked(refs []string) {
	e.recent = append(e.recent, refs)
	if len(e.recent) > e.cfg.History {
		e.recent = e.recent[1:]
	}
}

func group(re *regexp.Regexp, m []string, name string) string {
	if i := re.SubexpIndex(name); i >= 0 && i < len(m) {
		return m[i]
	}
	return ""
}
