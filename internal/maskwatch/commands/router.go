// Package commands provides operator command parsing and routing.
package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Caller identifies the operator issuing a command.
type Caller struct {
	// Source is the full nick!ident@host of the sender.
	Source string
	Nick   string
	// Oper is the server-side oper name, resolved by a whois lookup
	// before dispatch.
	Oper string
}

// UsageError signals a malformed invocation. The router replies with the
// error text followed by the command's registered usage lines.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// Handler executes one operator command and returns the reply lines.
type Handler func(ctx context.Context, caller Caller, args string) ([]string, error)

type command struct {
	run   Handler
	usage []string
}

// Router maps lower-cased command names to handlers.
type Router struct {
	commands map[string]command
}

// NewRouter creates an empty command router.
func NewRouter() *Router {
	return &Router{commands: make(map[string]command)}
}

// Register adds a command with its usage lines.
func (r *Router) Register(name string, run Handler, usage ...string) {
	r.commands[name] = command{run: run, usage: usage}
}

// Dispatch runs a command and returns the lines to send back to the
// caller. The name must already be lower-cased.
func (r *Router) Dispatch(ctx context.Context, caller Caller, name, args string) []string {
	c, ok := r.commands[name]
	if !ok {
		return []string{fmt.Sprintf("\x02%s\x02 is not a valid command", strings.ToUpper(name))}
	}

	trace := traceID()
	slog.Info("dispatching command", "trace", trace, "cmd", name, "nick", caller.Nick, "oper", caller.Oper)

	outs, err := c.run(ctx, caller, args)
	if err != nil {
		if ue, isUsage := err.(*UsageError); isUsage {
			outs = append(outs, ue.Msg)
			for _, u := range c.usage {
				outs = append(outs, fmt.Sprintf("usage: %s %s", strings.ToUpper(name), u))
			}
		} else {
			slog.Error("command failed", "trace", trace, "cmd", name, "err", err)
			outs = append(outs, fmt.Sprintf("error: %v", err))
		}
	}
	return outs
}

// traceID returns a short random hex id correlating the log lines of a
// single dispatch.
func traceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b[:])
}
