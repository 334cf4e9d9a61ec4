package irc

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// matches the trailing text of RPL_WHOISOPERATOR on servers that embed
// the oper name in it
var operNameRE = regexp.MustCompile(`^is opered as (\S+)(?:,|$)`)

const operLookupTimeout = 10 * time.Second

// operLookup resolves a nick to its server-side oper name by whois.
// Callers block in lookup until the end-of-whois numeral arrives for
// that nick; observe and end are fed from the numeral handlers.
type operLookup struct {
	mu      sync.Mutex
	seen    map[string]string
	waiters map[string][]chan string
}

func newOperLookup() *operLookup {
	return &operLookup{
		seen:    make(map[string]string),
		waiters: make(map[string][]chan string),
	}
}

// observe records an RPL_WHOISOPERATOR line for nick.
func (o *operLookup) observe(nick, text string) {
	name := ""
	if m := operNameRE.FindStringSubmatch(text); m != nil {
		name = m[1]
	}
	o.mu.Lock()
	o.seen[nick] = name
	o.mu.Unlock()
}

// end completes the whois for nick and wakes every waiter. Nicks that
// never produced an oper line resolve to the empty string.
func (o *operLookup) end(nick string) {
	o.mu.Lock()
	name := o.seen[nick]
	delete(o.seen, nick)
	chans := o.waiters[nick]
	delete(o.waiters, nick)
	o.mu.Unlock()

	for _, ch := range chans {
		ch <- name
	}
}

// register adds a waiter for nick. Call before sending the WHOIS so the
// reply cannot slip in between.
func (o *operLookup) register(nick string) chan string {
	ch := make(chan string, 1)
	o.mu.Lock()
	o.waiters[nick] = append(o.waiters[nick], ch)
	o.mu.Unlock()
	return ch
}

// wait blocks until the whois of nick completes and returns the oper
// name, or false when the whois never finishes in time.
func (o *operLookup) wait(ctx context.Context, nick string, ch chan string) (string, bool) {
	select {
	case name := <-ch:
		return name, name != ""
	case <-time.After(operLookupTimeout):
	case <-ctx.Done():
	}

	o.mu.Lock()
	chans := o.waiters[nick]
	for i, c := range chans {
		if c == ch {
			o.waiters[nick] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	return "", false
}
