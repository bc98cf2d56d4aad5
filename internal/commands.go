package internal

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"sharescreen/pkg/log"
	"sharescreen/pkg/media"
	"sharescreen/pkg/session"
)

const usage = "commands: front, back, screen, stop, state, quit"

type controller interface {
	Start(ctx context.Context, req media.Request) error
	SwitchSource(ctx context.Context, req media.Request) error
	Stop(ctx context.Context)
	CurrentState() session.State
}

// commands reads operator commands, one per line.
type commands struct {
	session controller
	cancel  context.CancelFunc
}

func newCommands(s controller, cancel context.CancelFunc) *commands {
	return &commands{
		session: s,
		cancel:  cancel,
	}
}

func (c *commands) serve(ctx context.Context, r io.Reader) {
	log.Info(usage)

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		if !c.exec(ctx, strings.TrimSpace(scanner.Text())) {
			c.cancel()
			return
		}
	}
}

// exec runs one command and reports whether to keep reading.
func (c *commands) exec(ctx context.Context, line string) bool {
	switch strings.ToLower(line) {
	case "":
	case "quit", "exit":
		return false
	case "stop":
		c.session.Stop(ctx)
	case "state":
		log.Infof("Session state: %s", c.session.CurrentState())
	default:
		kind, err := media.ParseKind(line)
		if err != nil {
			log.Warnf("%v; %s", err, usage)
			break
		}

		c.share(ctx, kind)
	}

	return true
}

func (c *commands) share(ctx context.Context, kind media.Kind) {
	req := media.Request{Kind: kind}
	if kind == media.ScreenCapture {
		// Typing the command is the operator's consent.
		req.Token = media.NewCaptureToken(time.Now())
	}

	var err error

	if c.session.CurrentState() == session.Idle {
		err = c.session.Start(ctx, req)
	} else {
		err = c.session.SwitchSource(ctx, req)
	}

	if err != nil {
		log.Errorf("Share %s: %v", kind, err)
	}
}
