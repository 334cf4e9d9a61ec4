// Package irc connects the engine and command router to the network.
// It owns the girc client, the oper-up flow, and the whois correlation
// used to gate PM commands to opered callers.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lrstanley/girc"

	"github.com/opertools/maskwatch/internal/maskwatch/commands"
	"github.com/opertools/maskwatch/internal/maskwatch/config"
	"github.com/opertools/maskwatch/internal/maskwatch/engine"
)

// Numerics girc does not name.
const (
	rplWhoisAccount   = "330"
	rplWhoisSecure    = "671"
	rplRSAChallenge   = "740"
	rplRSAChallengeOK = "741"
)

const reconnectDelay = 30 * time.Second

// Client is the IRC transport. It implements engine.Sender.
type Client struct {
	cfg    *config.Config
	gc     *girc.Client
	opers  *operLookup
	chal   *challenge
	router *commands.Router

	ctx context.Context
}

// New builds the girc client from the configuration. The connection is
// not opened until Run.
func New(cfg *config.Config) (*Client, error) {
	gcfg := girc.Config{
		Server:     cfg.Host,
		Port:       cfg.Port,
		Nick:       cfg.Nickname,
		User:       cfg.Username,
		Name:       cfg.Realname,
		ServerPass: cfg.Password,
		SSL:        cfg.TLS,
	}
	if cfg.TLS {
		gcfg.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	if cfg.SASL.Username != "" {
		gcfg.SASL = &girc.SASLPlain{User: cfg.SASL.Username, Pass: cfg.SASL.Password}
	}

	c := &Client{
		cfg:   cfg,
		gc:    girc.New(gcfg),
		opers: newOperLookup(),
		ctx:   context.Background(),
	}

	if cfg.Oper.File != "" {
		key, err := loadChallengeKey(cfg.Oper.File, cfg.Oper.Pass)
		if err != nil {
			return nil, err
		}
		c.chal = newChallenge(key)
	}
	return c, nil
}

// Bind registers the event handlers. The engine gets every server
// notice, the router gets PM commands from verified opers.
func (c *Client) Bind(eng *engine.Engine, router *commands.Router) {
	c.router = router

	c.gc.Handlers.AddBg(girc.RPL_WELCOME, func(gc *girc.Client, e girc.Event) {
		slog.Info("connected", "server", c.cfg.Host, "nick", gc.GetNick())
		gc.Cmd.Join(joinTargets(c.cfg.Channel, c.cfg.Verbose)...)
		if err := eng.Rebuild(c.ctx); err != nil {
			slog.Error("loading mask catalog", "err", err)
		}
		c.operUp(gc)
	})

	c.gc.Handlers.Add(girc.RPL_YOUREOPER, func(gc *girc.Client, e girc.Event) {
		slog.Info("opered up", "oper", c.cfg.Oper.Name)
		gc.Cmd.SendRawf("MODE %s -s+s +Fcn", gc.GetNick())
	})

	c.gc.Handlers.Add(rplWhoisAccount, func(gc *girc.Client, e girc.Event) {
		if len(e.Params) > 2 {
			eng.HandleWhoisAccount(e.Params[1], e.Params[2])
		}
	})
	c.gc.Handlers.Add(rplWhoisSecure, func(gc *girc.Client, e girc.Event) {
		if len(e.Params) > 1 {
			eng.HandleWhoisSecure(e.Params[1])
		}
	})
	c.gc.Handlers.Add(girc.RPL_WHOISOPERATOR, func(gc *girc.Client, e girc.Event) {
		if len(e.Params) > 1 {
			c.opers.observe(e.Params[1], e.Last())
		}
	})
	c.gc.Handlers.AddBg(girc.RPL_ENDOFWHOIS, func(gc *girc.Client, e girc.Event) {
		if len(e.Params) > 1 {
			c.opers.end(e.Params[1])
			eng.HandleEndOfWhois(c.ctx, e.Params[1])
		}
	})

	c.gc.Handlers.Add(rplRSAChallenge, func(gc *girc.Client, e girc.Event) {
		if c.chal != nil {
			c.chal.push(e.Last())
		}
	})
	c.gc.Handlers.AddBg(rplRSAChallengeOK, func(gc *girc.Client, e girc.Event) {
		if c.chal == nil {
			return
		}
		retort, err := c.chal.finalise()
		if err != nil {
			slog.Error("challenge oper-up failed", "err", err)
			return
		}
		gc.Cmd.SendRawf("CHALLENGE +%s", retort)
	})

	c.gc.Handlers.AddBg(girc.PRIVMSG, c.onPrivmsg)

	c.gc.Handlers.Add(girc.ALL_EVENTS, func(gc *girc.Client, e girc.Event) {
		slog.Debug("recv", "line", e.String())
		if e.Command == girc.PRIVMSG {
			return
		}
		eng.HandleLine(c.ctx, e.String())
	})
}

func (c *Client) operUp(gc *girc.Client) {
	if c.cfg.Oper.Name == "" {
		return
	}
	if c.chal != nil {
		gc.Cmd.SendRawf("CHALLENGE %s", c.cfg.Oper.Name)
		return
	}
	gc.Cmd.Oper(c.cfg.Oper.Name, c.cfg.Oper.Pass)
}

// joinTargets lists the channels to join at connect, folding the
// verbose channel away when it is the main channel under a different
// case.
func joinTargets(channel, verbose string) []string {
	if verbose == "" || sameNick(verbose, channel) {
		return []string{channel}
	}
	return []string{channel, verbose}
}

// sameNick compares two IRC names under RFC1459 casemapping.
func sameNick(a, b string) bool {
	return girc.ToRFC1459(a) == girc.ToRFC1459(b)
}

func pvEcho(source *girc.Source, text string) string {
	return fmt.Sprintf("[PV] <%s> %s", source, text)
}

// onPrivmsg dispatches PM commands. The sender is whoised first and
// silently ignored unless opered.
func (c *Client) onPrivmsg(gc *girc.Client, e girc.Event) {
	if e.Source == nil || sameNick(e.Source.Name, gc.GetNick()) {
		return
	}
	if len(e.Params) == 0 || !sameNick(e.Params[0], gc.GetNick()) {
		return
	}
	text := e.Last()
	c.Report(pvEcho(e.Source, text))

	ch := c.opers.register(e.Source.Name)
	c.Whois(e.Source.Name)
	oper, ok := c.opers.wait(c.ctx, e.Source.Name, ch)
	if !ok {
		return
	}

	name, args, _ := strings.Cut(text, " ")
	caller := commands.Caller{
		Source: e.Source.String(),
		Nick:   e.Source.Name,
		Oper:   oper,
	}
	for _, line := range c.router.Dispatch(c.ctx, caller, strings.ToLower(name), strings.TrimSpace(args)) {
		gc.Cmd.Notice(e.Source.Name, line)
	}
}

// SendRaw sends one raw protocol line.
func (c *Client) SendRaw(line string) {
	slog.Debug("send", "line", line)
	c.gc.Cmd.SendRaw(line)
}

// Report posts to the main operator channel.
func (c *Client) Report(msg string) {
	c.gc.Cmd.Message(c.cfg.Channel, msg)
}

// Verbose posts to the verbose log channel.
func (c *Client) Verbose(msg string) {
	c.gc.Cmd.Message(c.cfg.Verbose, msg)
}

// Whois requests a whois for nick.
func (c *Client) Whois(nick string) {
	c.gc.Cmd.SendRawf("WHOIS %s", nick)
}

// Nick returns the client's current nickname.
func (c *Client) Nick() string {
	return c.gc.GetNick()
}

// Hostmask returns the client's own nick!ident@host.
func (c *Client) Hostmask() string {
	return fmt.Sprintf("%s!%s@%s", c.gc.GetNick(), c.gc.GetIdent(), c.gc.GetHost())
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.ctx = ctx
	for {
		err := c.gc.Connect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("connection lost", "server", c.cfg.Host, "err", err)

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.gc.Close()
}
