package imapmanager

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"aaronromeo.com/imaparchive/pkg/base"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
)

const (
	DefaultTLSPort   = 993
	DefaultPlainPort = 143
)

// Dialer opens a connection to addr, over TLS when ssl is set.
type Dialer func(addr string, ssl bool, tlsConfig *tls.Config) (base.Client, error)

// DialIMAP is the Dialer backed by go-imap's client.
func DialIMAP(addr string, ssl bool, tlsConfig *tls.Config) (base.Client, error) {
	var (
		c   *imapclient.Client
		err error
	)
	if ssl {
		c, err = imapclient.DialTLS(addr, tlsConfig)
	} else {
		c, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Address joins host and port, picking the protocol default when port is 0.
func Address(host string, port int, ssl bool) string {
	if port == 0 {
		port = DefaultPlainPort
		if ssl {
			port = DefaultTLSPort
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Session owns one authenticated connection for the length of an account run.
type Session struct {
	client    base.Client
	dial      Dialer
	address   string
	ssl       bool
	tlsConfig *tls.Config
	username  string
	password  string
	logger    *slog.Logger
}

type SessionOption func(*Session) error

func New(opts ...SessionOption) (*Session, error) {
	var s Session
	for _, opt := range opts {
		err := opt(&s)
		if err != nil {
			return nil, err
		}
	}

	if s.dial == nil {
		s.dial = DialIMAP
	}

	if s.username == "" {
		return nil, errors.New("requires username")
	}

	if s.password == "" {
		return nil, errors.New("requires password")
	}

	if s.client == nil && s.address == "" {
		return nil, errors.New("requires client or address")
	}

	if s.logger == nil {
		return nil, errors.New("requires slogger")
	}

	return &s, nil
}

func WithAddr(addr string) SessionOption {
	return func(s *Session) error {
		s.address = addr
		return nil
	}
}

func WithSSL(ssl bool) SessionOption {
	return func(s *Session) error {
		s.ssl = ssl
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) SessionOption {
	return func(s *Session) error {
		s.tlsConfig = tlsConfig
		return nil
	}
}

func WithAuth(username string, password string) SessionOption {
	return func(s *Session) error {
		s.username = username
		s.password = password
		return nil
	}
}

func WithClient(c base.Client) SessionOption {
	return func(s *Session) error {
		s.client = c
		return nil
	}
}

func WithDialer(d Dialer) SessionOption {
	return func(s *Session) error {
		s.dial = d
		return nil
	}
}

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// Login connects when needed and authenticates, returning the client the
// rest of the run talks through.
func (s *Session) Login(ctx context.Context) (base.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.client == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}

	switch s.client.State() {
	case imap.NotAuthenticatedState:
		if err := s.authenticate(ctx); err != nil {
			return nil, err
		}
	case imap.AuthenticatedState:
		s.logger.InfoContext(ctx, "Already authenticated")
	case imap.SelectedState:
		s.logger.InfoContext(ctx, "Already selected mailbox")
	default: // imap.LogoutState and imap.ConnectedState
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
		if err := s.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	return s.client, nil
}

// authenticate logs in on the current client. A rejected login drops the
// connection so the next Login dials again.
func (s *Session) authenticate(ctx context.Context) error {
	if err := s.client.Login(s.username, s.password); err != nil {
		s.logger.ErrorContext(ctx, fmt.Sprintf("Failed to login: %v", err), slog.String("user", s.username), slog.Any("error", utils.WrapError(err)))
		if logoutErr := s.client.Logout(); logoutErr != nil {
			s.logger.DebugContext(ctx, "Logout after failed login", slog.Any("error", utils.WrapError(logoutErr)))
		}
		s.client = nil
		return errors.Wrapf(err, "logging in as %s", s.username)
	}
	s.logger.InfoContext(ctx, "Login success", slog.String("user", s.username))
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if s.address == "" {
		return errors.New("no address to reconnect to")
	}
	c, err := s.dial(s.address, s.ssl, s.tlsConfig)
	if err != nil {
		s.logger.ErrorContext(ctx, fmt.Sprintf("Failed to create a client: %v", err), slog.String("address", s.address), slog.Any("error", utils.WrapError(err)))
		return errors.Wrapf(err, "connecting to %s", s.address)
	}
	s.logger.InfoContext(ctx, "Connected", slog.String("address", s.address), slog.Bool("ssl", s.ssl))
	s.client = c
	return nil
}

// LogoutFn returns a closure suitable for defer.
func (s *Session) LogoutFn(ctx context.Context) func() {
	return func() {
		if s.client == nil {
			return
		}
		if err := s.client.Logout(); err != nil {
			s.logger.ErrorContext(ctx, fmt.Sprintf("Failed to logout: %v", err), slog.Any("error", utils.WrapError(err)))
			return
		}
		s.logger.DebugContext(ctx, "Logged out")
	}
}
