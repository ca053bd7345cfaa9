package activation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/scienceserver/internal/model/request"
	"github.com/zhouzirui/scienceserver/internal/model/session"
	"github.com/zhouzirui/scienceserver/internal/service/auth"
)

// Wire lines of the activation protocol.
const (
	LineChallenge = "challenge"
	LineInvalid   = "invalid"
	PrefixID      = "id="
	PrefixRobot   = "robot="
)

// Commands accepted once a session is established.
const (
	CmdIAmRobot   = "iamrobot"
	CmdListRobots = "listrobots"
	CmdChat       = "chat"
	CmdDisconnect = "disconnect"
)

var credentials = regexp.MustCompile(`^user=(.*)&pass=(.*)$`)

// State is a phase of the activation state machine.
type State int

const (
	StateChallenging State = iota
	StateAuthenticating
	StateEstablished
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateChallenging:
		return "challenging"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	default:
		return "terminated"
	}
}

// LineConn is a bidirectional line transport for the activation protocol.
type LineConn interface {
	session.Conn
	ReadLine() (string, error)
}

// Sessions is the slice of the registry the handler needs.
type Sessions interface {
	Create(user string) *session.Session
	Remove(id string) bool
	Robots() []*session.Session
}

// Broadcaster relays chat text to every session.
type Broadcaster interface {
	Broadcast(from string, at time.Time, text string) int
}

// Handler runs the activation handshake and command loop.
type Handler struct {
	sessions     Sessions
	validator    auth.Validator
	chat         Broadcaster
	writeTimeout time.Duration
	maxLine      int
	now          func() time.Time
	upgrader     websocket.Upgrader
	log          logrus.FieldLogger
}

// New creates an activation handler. writeTimeout bounds every line write;
// maxLine caps every line read, and a longer line ends the connection.
func New(sessions Sessions, validator auth.Validator, chat Broadcaster, writeTimeout time.Duration, maxLine int, log logrus.FieldLogger) *Handler {
	return &Handler{
		sessions:     sessions,
		validator:    validator,
		chat:         chat,
		writeTimeout: writeTimeout,
		maxLine:      maxLine,
		now:          time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.WithField("component", "activation"),
	}
}

// ServeText runs the protocol over a TEXT connection whose request line was
// read through br.
func (h *Handler) ServeText(ctx context.Context, conn net.Conn, br *bufio.Reader) State {
	return h.Serve(ctx, NewTextConn(conn, br, h.writeTimeout, h.maxLine))
}

// Serve drives one connection through the state machine until the peer
// leaves or sends disconnect. It returns the final state.
func (h *Handler) Serve(ctx context.Context, conn LineConn) State {
	var sess *session.Session
	state := StateChallenging

	for state != StateTerminated {
		if ctx.Err() != nil {
			state = StateTerminated
			break
		}

		switch state {
		case StateChallenging:
			state = h.challenge(conn)
		case StateAuthenticating:
			sess, state = h.authenticate(conn)
		case StateEstablished:
			state = h.command(conn, sess)
		}
	}

	if sess != nil {
		h.log.WithFields(logrus.Fields{"session": sess.ID, "user": sess.User}).Debug("activation connection closed")
	}
	return state
}

func (h *Handler) challenge(conn LineConn) State {
	if err := conn.Send(LineChallenge); err != nil {
		return StateTerminated
	}
	return StateAuthenticating
}

func (h *Handler) authenticate(conn LineConn) (*session.Session, State) {
	line, err := conn.ReadLine()
	if err != nil {
		return nil, h.readFailed(err)
	}

	m := credentials.FindStringSubmatch(line)
	if m == nil || !h.validator.Validate(m[1], m[2]) {
		if err := conn.Send(LineInvalid); err != nil {
			return nil, StateTerminated
		}
		return nil, StateAuthenticating
	}

	sess := h.sessions.Create(m[1])
	sess.Bind(conn)
	if err := conn.Send(PrefixID + sess.ID); err != nil {
		return sess, StateTerminated
	}
	return sess, StateEstablished
}

func (h *Handler) command(conn LineConn, sess *session.Session) State {
	line, err := conn.ReadLine()
	if err != nil {
		return h.readFailed(err)
	}

	name, arg, hasArg := strings.Cut(line, "=")
	switch name {
	case CmdIAmRobot:
		sess.PromoteToRobot()
		h.log.WithFields(logrus.Fields{"session": sess.ID, "user": sess.User}).Info("session registered as robot")

	case CmdListRobots:
		for _, robot := range h.sessions.Robots() {
			if err := conn.Send(FormatRobot(robot)); err != nil {
				return StateTerminated
			}
		}

	case CmdChat:
		if hasArg && arg != "" {
			h.chat.Broadcast(sess.User, h.now(), arg)
		}

	case CmdDisconnect:
		h.sessions.Remove(sess.ID)
		return StateTerminated
	}
	return StateEstablished
}

// readFailed ends the connection. Peer closes are routine; an overlong line
// is worth a warning.
func (h *Handler) readFailed(err error) State {
	if errors.Is(err, request.ErrLineTooLong) {
		h.log.WithError(err).Warn("dropping activation connection")
	}
	return StateTerminated
}

// FormatRobot renders one listrobots reply line.
func FormatRobot(s *session.Session) string {
	return fmt.Sprintf("%s%s,%s", PrefixRobot, s.User, s.ID)
}
