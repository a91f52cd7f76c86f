// Package terminal pairs a client text channel with a sandbox session and
// runs the line-by-line command protocol over it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
	"github.com/jkaninda/termbox/internal/session"
)

// Prompt is sent after attach and after every command.
const Prompt = "$ "

const (
	defaultMountPoint = "/workspace"

	connectingMessage = "Connected to terminal. Starting container...\n"
	closingMessage    = "Closing session...\n"
)

// State is the lifecycle state of one attached connection.
type State int

const (
	Handshaking State = iota
	Attached
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Attached:
		return "attached"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sessions is the session lifecycle surface the bridge drives.
// *session.Manager implements it.
type Sessions interface {
	Acquire(ctx context.Context, key domain.SessionKey, workDir string) (session.Session, error)
	Touch(key domain.SessionKey) bool
	Run(ctx context.Context, s session.Session, command string) (*sandbox.ExecutionResult, error)
	Release(ctx context.Context, key domain.SessionKey, reason session.Reason) bool
}

// ProjectChecker reports whether the project behind a key still exists.
type ProjectChecker interface {
	ProjectExists(ctx context.Context, key domain.SessionKey) (bool, error)
}

// ErrProjectGone ends a connection whose project was deleted while it was
// attached.
var ErrProjectGone = errors.New("project no longer exists")

// Options configures a Bridge.
type Options struct {
	// MountPoint is the path shown to users as their file location.
	MountPoint string
	// SyntaxCheck rejects command lines that do not parse as shell before
	// they reach the sandbox.
	SyntaxCheck bool
	// Projects, when set, is consulted before a released session is
	// provisioned again.
	Projects ProjectChecker
}

// Bridge attaches transports to sessions. It holds no per-connection state
// and is safe for concurrent use.
type Bridge struct {
	sessions Sessions
	opts     Options
	logger   *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(sessions Sessions, opts Options, logger *slog.Logger) *Bridge {
	if opts.MountPoint == "" {
		opts.MountPoint = defaultMountPoint
	}
	return &Bridge{sessions: sessions, opts: opts, logger: logger}
}

// Attach runs the command loop for one connection until the client exits
// or disconnects, then releases the session. It returns a non-nil error
// only when the session could not be provisioned.
func (b *Bridge) Attach(ctx context.Context, key domain.SessionKey, workDir string, t Transport) error {
	c := &conn{
		bridge:  b,
		key:     key,
		workDir: workDir,
		t:       t,
		logger:  b.logger.With(slog.String("key", key.String())),
	}
	if b.opts.SyntaxCheck {
		c.parser = syntax.NewParser(syntax.Variant(syntax.LangBash))
	}
	return c.serve(ctx)
}

type conn struct {
	bridge  *Bridge
	key     domain.SessionKey
	workDir string
	t       Transport
	state   State
	session session.Session
	parser  *syntax.Parser
	logger  *slog.Logger
}

func (c *conn) setState(s State) {
	c.logger.Debug("terminal state", slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
}

func (c *conn) serve(ctx context.Context) error {
	c.state = Handshaking

	if err := c.write(ctx, connectingMessage); err != nil {
		c.setState(Closed)
		return nil
	}

	s, err := c.bridge.sessions.Acquire(ctx, c.key, c.workDir)
	if err != nil {
		_ = c.write(ctx, "Error: "+err.Error()+"\n")
		c.setState(Closed)
		return err
	}
	c.session = s
	c.setState(Attached)

	reason := c.loop(ctx)

	c.setState(Closing)
	c.bridge.sessions.Release(ctx, c.key, reason)
	c.setState(Closed)
	c.logger.Info("terminal detached", slog.String("reason", string(reason)))
	return nil
}

func (c *conn) loop(ctx context.Context) session.Reason {
	ready := fmt.Sprintf("Web Terminal ready. Type commands and press Enter. Your files are stored in %s\n\n", c.bridge.opts.MountPoint)
	if c.write(ctx, ready) != nil || c.write(ctx, Prompt) != nil {
		return session.ReasonDisconnect
	}

	for {
		line, err := c.t.ReadLine(ctx)
		if err != nil {
			c.logger.Debug("terminal read ended", slog.String("error", err.Error()))
			return session.ReasonDisconnect
		}

		cmd := strings.TrimSpace(line)
		if cmd == "" {
			if c.write(ctx, Prompt) != nil {
				return session.ReasonDisconnect
			}
			continue
		}
		if isExit(cmd) {
			_ = c.write(ctx, closingMessage)
			return session.ReasonExit
		}

		if err := c.execute(ctx, cmd); err != nil {
			if errors.Is(err, ErrDisconnected) {
				return session.ReasonDisconnect
			}
			return session.ReasonError
		}
		if c.write(ctx, Prompt) != nil {
			return session.ReasonDisconnect
		}
	}
}

// execute runs one command and relays its output. Command failures are
// reported to the client and return nil; only a lost transport or a failed
// re-provisioning ends the loop.
func (c *conn) execute(ctx context.Context, cmd string) error {
	if !c.bridge.sessions.Touch(c.key) || c.session.Handle.Stopped() {
		// Reaped or terminated since the last command.
		if err := c.checkProject(ctx); err != nil {
			if werr := c.write(ctx, "Error: "+err.Error()+"\n"); werr != nil {
				return werr
			}
			return err
		}
		s, err := c.bridge.sessions.Acquire(ctx, c.key, c.workDir)
		if err != nil {
			if werr := c.write(ctx, "Error: "+err.Error()+"\n"); werr != nil {
				return werr
			}
			return err
		}
		c.session = s
		c.bridge.sessions.Touch(c.key)
	}

	if c.parser != nil {
		if _, err := c.parser.Parse(strings.NewReader(cmd), ""); err != nil && !unclosedHeredoc(err) {
			return c.write(ctx, fmt.Sprintf("Error executing command: %v\n", err))
		}
	}

	res, err := c.bridge.sessions.Run(ctx, c.session, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrDisconnected, ctx.Err())
		}
		c.logger.Debug("command failed", slog.String("error", err.Error()))
		return c.write(ctx, fmt.Sprintf("Error executing command: %v\n", err))
	}

	if res.Stdout != "" {
		if err := c.write(ctx, res.Stdout); err != nil {
			return err
		}
	}
	if res.Stderr != "" {
		if err := c.write(ctx, res.Stderr); err != nil {
			return err
		}
	}
	return nil
}

// checkProject fails with ErrProjectGone when the project was deleted. Lookup
// errors are logged and let the command through.
func (c *conn) checkProject(ctx context.Context) error {
	if c.bridge.opts.Projects == nil {
		return nil
	}
	ok, err := c.bridge.opts.Projects.ProjectExists(ctx, c.key)
	if err != nil {
		c.logger.Warn("project lookup failed", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return ErrProjectGone
	}
	return nil
}

// unclosedHeredoc reports a parse error bash tolerates: a one-line command
// cannot carry a here-document body, and bash runs it with a warning.
func unclosedHeredoc(err error) bool {
	return strings.Contains(err.Error(), "unclosed here-document")
}

func (c *conn) write(ctx context.Context, text string) error {
	if err := c.t.WriteText(ctx, text); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func isExit(cmd string) bool {
	return strings.EqualFold(cmd, "exit") || strings.EqualFold(cmd, "quit")
}
