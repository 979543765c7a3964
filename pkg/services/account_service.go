// Package services drives whole account runs on top of the models.
package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"aaronromeo.com/imaparchive/internal/config"
	"aaronromeo.com/imaparchive/pkg/base"
	"aaronromeo.com/imaparchive/pkg/models/catalog"
	"aaronromeo.com/imaparchive/pkg/models/classifier"
	"aaronromeo.com/imaparchive/pkg/models/imapmanager"
	"aaronromeo.com/imaparchive/pkg/models/migrator"
	"aaronromeo.com/imaparchive/pkg/models/mover"
	"aaronromeo.com/imaparchive/pkg/models/readmarker"
	"aaronromeo.com/imaparchive/pkg/report"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aaronromeo.com/imaparchive/pkg/services")

// LoginPolicy decides what RunAll does when an account cannot log in.
type LoginPolicy string

const (
	LoginAbort    LoginPolicy = "abort"
	LoginContinue LoginPolicy = "continue"
)

func ParseLoginPolicy(s string) (LoginPolicy, error) {
	switch p := LoginPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", LoginAbort:
		return LoginAbort, nil
	case LoginContinue:
		return p, nil
	default:
		return "", errors.Errorf("unknown login failure policy %q (want abort or continue)", s)
	}
}

// AuthError wraps a failure to connect or authenticate.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("account %s: failed to login: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AccountService runs the archive pass for configured accounts.
type AccountService interface {
	RunAll(ctx context.Context, accounts []config.Account) error
	RunAccount(ctx context.Context, account config.Account) error
}

// AccountServiceImpl implements AccountService one account at a time.
type AccountServiceImpl struct {
	logger    *slog.Logger
	dialer    imapmanager.Dialer
	tlsConfig *tls.Config
	policy    LoginPolicy
	sink      report.Sink
	location  *time.Location
}

type AccountServiceOption func(*AccountServiceImpl)

// NewAccountService creates an AccountService. Without options it dials real
// servers, aborts on the first login failure and writes no reports.
func NewAccountService(logger *slog.Logger, opts ...AccountServiceOption) AccountService {
	s := &AccountServiceImpl{
		logger: logger,
		dialer: imapmanager.DialIMAP,
		policy: LoginAbort,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithDialer(d imapmanager.Dialer) AccountServiceOption {
	return func(s *AccountServiceImpl) {
		s.dialer = d
	}
}

func WithTLSConfig(cfg *tls.Config) AccountServiceOption {
	return func(s *AccountServiceImpl) {
		s.tlsConfig = cfg
	}
}

func WithLoginPolicy(p LoginPolicy) AccountServiceOption {
	return func(s *AccountServiceImpl) {
		s.policy = p
	}
}

func WithSink(sink report.Sink) AccountServiceOption {
	return func(s *AccountServiceImpl) {
		s.sink = sink
	}
}

// WithLocation sets the zone archive months are computed in.
func WithLocation(loc *time.Location) AccountServiceOption {
	return func(s *AccountServiceImpl) {
		s.location = loc
	}
}

// RunAll processes accounts strictly in order. A login failure stops the
// run under LoginAbort; any other account failure is logged and the run
// moves on, reporting the failures once every account has been tried.
func (s *AccountServiceImpl) RunAll(ctx context.Context, accounts []config.Account) error {
	var failed []string
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.logger.InfoContext(ctx, "Processing account", slog.String("account", a.Name))
		err := s.RunAccount(ctx, a)
		if err == nil {
			continue
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && s.policy != LoginContinue {
			s.logger.ErrorContext(ctx, "Aborting run", slog.String("account", a.Name), slog.Any("error", utils.WrapError(err)))
			return err
		}

		s.logger.ErrorContext(ctx, "Account pass failed", slog.String("account", a.Name), slog.Any("error", utils.WrapError(err)))
		failed = append(failed, a.Name)
	}

	if len(failed) > 0 {
		return errors.Errorf("%d of %d accounts failed: %s", len(failed), len(accounts), strings.Join(failed, ", "))
	}
	return nil
}

// RunAccount logs in, migrates the source folder, optionally marks the
// touched folders read, and logs out.
func (s *AccountServiceImpl) RunAccount(ctx context.Context, a config.Account) (err error) {
	ctx, span := tracer.Start(ctx, "services.RunAccount", trace.WithAttributes(
		attribute.String("account", a.Name),
		attribute.String("source", a.SourceFolder),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := s.logger.With(slog.String("account", a.Name))

	session, err := imapmanager.New(
		imapmanager.WithAddr(imapmanager.Address(a.Host, a.Port, a.SSL)),
		imapmanager.WithSSL(a.SSL),
		imapmanager.WithTLSConfig(s.tlsConfig),
		imapmanager.WithAuth(a.User, a.Pass),
		imapmanager.WithDialer(s.dialer),
		imapmanager.WithLogger(logger),
	)
	if err != nil {
		return errors.Wrapf(err, "account %s", a.Name)
	}

	logger.InfoContext(ctx, "Logging in")
	client, err := session.Login(ctx)
	if err != nil {
		return &AuthError{Account: a.Name, Err: err}
	}
	defer session.LogoutFn(ctx)()

	cat, err := catalog.New(catalog.WithClient(client), catalog.WithLogger(logger))
	if err != nil {
		return err
	}
	mv, err := mover.New(mover.WithClient(client), mover.WithDestinations(cat), mover.WithLogger(logger))
	if err != nil {
		return err
	}
	mig, err := migrator.New(
		migrator.WithClient(client),
		migrator.WithCatalog(cat),
		migrator.WithMover(mv),
		migrator.WithClassifier(&classifier.Classifier{Location: s.location}),
		migrator.WithLogger(logger),
		migrator.WithSource(a.Name, a.SourceFolder),
	)
	if err != nil {
		return err
	}

	batch, migrateErr := mig.Migrate(ctx)
	logger.InfoContext(ctx, "Migration finished",
		slog.String("folder", a.SourceFolder),
		slog.Int("moved", batch.Count(report.Moved)),
		slog.Int("failed", batch.Failed()),
		slog.Int("folders", len(batch.Touched)),
	)

	if migrateErr == nil && a.MarkRead {
		s.markRead(ctx, logger, client, batch.Touched)
	}

	if s.sink != nil {
		if err := s.sink.Emit(context.WithoutCancel(ctx), batch); err != nil {
			logger.ErrorContext(ctx, "Failed to write batch report", slog.Any("error", utils.WrapError(err)))
		}
	}

	if migrateErr != nil {
		return errors.Wrapf(migrateErr, "account %s", a.Name)
	}
	return nil
}

func (s *AccountServiceImpl) markRead(ctx context.Context, logger *slog.Logger, client base.Client, folders []string) {
	marker, err := readmarker.New(readmarker.WithClient(client), readmarker.WithLogger(logger))
	if err != nil {
		logger.ErrorContext(ctx, "Cannot mark folders read", slog.Any("error", utils.WrapError(err)))
		return
	}
	for _, folder := range folders {
		logger.InfoContext(ctx, "Marking folder as read", slog.String("folder", folder))
		if err := marker.MarkRead(ctx, folder); err != nil {
			logger.ErrorContext(ctx, "An error occurred while marking the folder as read",
				slog.String("folder", folder),
				slog.Any("error", utils.WrapError(err)),
			)
		}
	}
}
