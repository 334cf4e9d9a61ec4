package engine

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/opertools/maskwatch/internal/maskwatch/config"
	"github.com/opertools/maskwatch/internal/maskwatch/mask"
	"github.com/opertools/maskwatch/internal/maskwatch/store"
)

var testActor = store.Actor{Source: "oper!o@staff.example", Oper: "oper"}

type fakeSender struct {
	raw     []string
	reports []string
	verbose []string
	whois   []string
}

func (s *fakeSender) SendRaw(line string)  { s.raw = append(s.raw, line) }
func (s *fakeSender) Report(msg string)    { s.reports = append(s.reports, msg) }
func (s *fakeSender) Verbose(msg string)   { s.verbose = append(s.verbose, msg) }
func (s *fakeSender) Whois(nick string)    { s.whois = append(s.whois, nick) }
func (s *fakeSender) Nick() string         { return "sandcat" }
func (s *fakeSender) Hostmask() string     { return "sandcat!watch@staff.example" }

func testConfig() *config.Config {
	return &config.Config{
		Nickname: "sandcat",
		Channel:  "#ops",
		Verbose:  "#ops-verbose",
		History:  1000,
		BanCmd:   "KLINE $ban_time $ban_user@$ban_host :$user_reason|$oper_reason",
		CliConn: regexp.MustCompile(
			`Client connecting: (?P<nick>\S+) \((?P<user>[^@]+)@(?P<host>\S+)\) \[(?P<ip>\S+)\] \[(?P<real>.*)\]`),
		CliExit: regexp.MustCompile(`Client exiting: (?P<nick>\S+) `),
		CliNick: regexp.MustCompile(`Nick change: From (?P<old>\S+) to (?P<new>\S+)`),
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeSender) {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "masks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	out := &fakeSender{}
	return New(testConfig(), db, out), db, out
}

func connLine(nick, ident, host, ip, real string) string {
	return "Client connecting: " + nick + " (" + ident + "@" + host + ") [" + ip + "] [" + real + "]"
}

func TestHandleLineConnect(t *testing.T) {
	e, _, out := newTestEngine(t)
	ctx := context.Background()

	e.HandleLine(ctx, connLine("alice", "~a", "host.example", "10.0.0.1", "just alice"))

	u, ok := e.users["alice"]
	if !ok {
		t.Fatal("user not recorded")
	}
	if u.Ident != "~a" || u.Host != "host.example" || u.IP != "10.0.0.1" || u.Real != "just alice" {
		t.Errorf("snapshot: %+v", u)
	}
	if !u.Connected {
		t.Error("new snapshot should be connected")
	}
	if len(e.pending) != 1 || e.pending[0].nick != "alice" {
		t.Errorf("pending queue: %+v", e.pending)
	}
	if len(out.whois) != 1 || out.whois[0] != "alice" {
		t.Errorf("whois sent: %v", out.whois)
	}
}

func TestHandleLineConnectSpoofedIP(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.HandleLine(context.Background(), connLine("bob", "b", "gateway.example", "0", "b"))

	if ip := e.users["bob"].IP; ip != "" {
		t.Errorf("spoof placeholder should clear the ip, got %q", ip)
	}
}

func TestHandleLineExit(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.HandleLine(ctx, connLine("alice", "~a", "h", "1.2.3.4", "r"))
	u := e.users["alice"]

	e.HandleLine(ctx, "Client exiting: alice (~a@h) [reason]")

	if _, ok := e.users["alice"]; ok {
		t.Error("user should be removed on exit")
	}
	if u.Connected {
		t.Error("snapshot should be marked disconnected")
	}
}

func TestNickChangeMovesSnapshot(t *testing.T) {
	e, _, out := newTestEngine(t)
	ctx := context.Background()

	e.HandleLine(ctx, connLine("alice", "~a", "h", "1.2.3.4", "r"))
	e.HandleWhoisAccount("alice", "aliceacct")
	u := e.users["alice"]

	e.HandleLine(ctx, "Nick change: From alice to spambot [~a@h]")

	if _, ok := e.users["alice"]; ok {
		t.Error("old nick should be gone")
	}
	if e.users["spambot"] != u {
		t.Error("snapshot should move with the nick")
	}
	if u.Account != "" {
		t.Error("account must be re-established after a rename")
	}
	if len(e.nickQ) != 1 || e.nickQ[0].nick != "spambot" || !e.nickQ[0].shouldCheck {
		t.Errorf("nick whois queue: %+v", e.nickQ)
	}
	if len(out.whois) != 2 || out.whois[1] != "spambot" {
		t.Errorf("whois sent: %v", out.whois)
	}
}

func TestNickChangeToUIDSkipsCheck(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.HandleLine(ctx, connLine("alice", "~a", "h", "1.2.3.4", "r"))
	e.HandleLine(ctx, "Nick change: From alice to 420AAAABC [~a@h]")

	if len(e.nickQ) != 1 || e.nickQ[0].shouldCheck {
		t.Errorf("a UID-form nick must not trigger a check: %+v", e.nickQ)
	}
}

func TestNickChangeCheckMatchesOnlyWithNFlag(t *testing.T) {
	e, db, out := newTestEngine(t)
	ctx := context.Background()

	id, err := db.AddMask(ctx, `/^spam/N`, "spammer|known spam pattern", testActor)
	if err != nil {
		t.Fatalf("add mask: %v", err)
	}
	re, err := mask.Compile(`/^spam/N`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	e.Activate(id, re)

	e.HandleLine(ctx, connLine("alice", "~a", "h", "1.2.3.4", "r"))
	// a connect by a non-matching nick stays quiet
	e.Check(ctx, "alice", e.users["alice"], EventConnect)
	if len(out.reports) != 0 {
		t.Fatalf("unexpected reports: %v", out.reports)
	}

	e.HandleLine(ctx, "Nick change: From alice to spambot [~a@h]")
	e.HandleEndOfWhois(ctx, "spambot")

	if len(e.nickQ) != 0 {
		t.Errorf("queue should be drained: %+v", e.nickQ)
	}
	if len(out.reports) != 1 {
		t.Fatalf("expected one report, got %v", out.reports)
	}
	want := "MASK: WARN mask 1 spambot!~a@h r [known spam pattern]"
	if out.reports[0] != want {
		t.Errorf("report:\n got %q\nwant %q", out.reports[0], want)
	}
	if len(out.raw) != 0 {
		t.Errorf("WARN must not send a command: %v", out.raw)
	}
}

func TestEndOfWhoisIgnoresUnqueuedNick(t *testing.T) {
	e, _, out := newTestEngine(t)

	e.HandleEndOfWhois(context.Background(), "nobody")

	if len(out.reports)+len(out.raw) != 0 {
		t.Error("stray end-of-whois should be a no-op")
	}
}

func TestActivateKeepsAscendingOrder(t *testing.T) {
	e, _, _ := newTestEngine(t)
	re := regexp.MustCompile("x")

	e.Activate(3, re)
	e.Activate(1, re)
	e.Activate(2, re)
	e.Activate(2, re) // replace is idempotent

	got := e.ActiveIDs()
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("ids: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids: got %v, want %v", got, want)
		}
	}

	e.Deactivate(2)
	if got := e.ActiveIDs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("after deactivate: %v", got)
	}
}

func TestRebuild(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	on, err := db.AddMask(ctx, `/abc/`, "r", testActor)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	off, err := db.AddMask(ctx, `/def/`, "r", testActor)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := db.ToggleMask(ctx, off, testActor); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := db.AddReason(ctx, "greeting", "you are banned"); err != nil {
		t.Fatalf("reason: %v", err)
	}

	// pre-existing in-memory state must not survive a rebuild
	e.Activate(99, regexp.MustCompile("x"))
	e.SetReason("stale", "gone")

	if err := e.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if got := e.ActiveIDs(); len(got) != 1 || got[0] != on {
		t.Errorf("active after rebuild: %v", got)
	}
	reasons := e.Reasons()
	if reasons["greeting"] != "you are banned" || len(reasons) != 1 {
		t.Errorf("reasons after rebuild: %v", reasons)
	}
}

func TestRecentRingBounded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.cfg.History = 3
	ctx := context.Background()

	for _, nick := range []string{"u1", "u2", "u3", "u4", "u5"} {
		u := &User{Ident: "i", Host: "h", Real: "r", Connected: true}
		e.Check(ctx, nick, u, EventConnect)
	}

	if len(e.recent) != 3 {
		t.Fatalf("ring length: %d", len(e.recent))
	}
	for i, nick := range []string{"u3", "u4", "u5"} {
		if got := e.recent[i][0]; got != "001\n"+nick+"!i@h r" {
			t.Errorf("ring[%d]: %q", i, got)
		}
	}
}

func TestMatchRecent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	nicks := []string{"n1", "n2", "n3"}
	for i, host := range []string{"a.example", "b.evil.tld", "c.example"} {
		u := &User{Ident: "i", Host: host, Real: "r", Connected: true}
		e.Check(ctx, nicks[i], u, EventConnect)
	}

	re, err := mask.Compile(`%*@*.evil.tld *%`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	matched, samples := e.MatchRecent(re)
	if samples != 3 {
		t.Errorf("samples: %d", samples)
	}
	if len(matched) != 1 || matched[0] != "001\nn2!i@b.evil.tld r" {
		t.Errorf("matched: %v", matched)
	}
}

func TestReferencesIncludeIPVariant(t *testing.T) {
	u := &User{Ident: "i", Host: "host.example", IP: "1.2.3.4", Real: "r"}
	refs := references("n", u, EventConnect)
	if len(refs) != 2 {
		t.Fatalf("refs: %v", refs)
	}
	if refs[1] != "001\nn!i@1.2.3.4 r" {
		t.Errorf("ip reference: %q", refs[1])
	}

	u.IP = u.Host
	if refs := references("n", u, EventConnect); len(refs) != 1 {
		t.Errorf("ip == host should yield one reference: %v", refs)
	}
}

func TestIdleReset(t *testing.T) {
	e, _, out := newTestEngine(t)
	e.cfg.AntiIdle = true

	u := &User{Ident: "i", Host: "h", Real: "r", Connected: true}
	e.Check(context.Background(), "n", u, EventConnect)

	if len(out.raw) != 1 || out.raw[0] != "PRIVMSG sandcat :hello self" {
		t.Errorf("anti-idle self-PM: %v", out.raw)
	}
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
