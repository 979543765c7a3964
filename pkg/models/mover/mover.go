package mover

import (
	"context"
	"log/slog"

	"aaronromeo.com/imaparchive/pkg/base"
	"aaronromeo.com/imaparchive/pkg/report"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
)

// Destinations is the part of the folder catalog the mover depends on.
type Destinations interface {
	EnsureExists(ctx context.Context, path string) error
}

// Mover relocates one message at a time with copy, then flag for deletion.
// The caller expunges.
type Mover struct {
	client  base.Client
	folders Destinations
	logger  *slog.Logger
}

type MoverOption func(*Mover) error

func New(opts ...MoverOption) (*Mover, error) {
	m := &Mover{}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	if m.client == nil {
		return nil, errors.New("requires client")
	}

	if m.folders == nil {
		return nil, errors.New("requires folder catalog")
	}

	if m.logger == nil {
		return nil, errors.New("requires slogger")
	}

	return m, nil
}

func WithClient(client base.Client) MoverOption {
	return func(m *Mover) error {
		m.client = client
		return nil
	}
}

func WithDestinations(d Destinations) MoverOption {
	return func(m *Mover) error {
		m.folders = d
		return nil
	}
}

func WithLogger(logger *slog.Logger) MoverOption {
	return func(m *Mover) error {
		m.logger = logger
		return nil
	}
}

// Move copies uid from the selected folder into dest and flags the original
// \Deleted. The original is only flagged once the copy has succeeded.
func (m *Mover) Move(ctx context.Context, uid uint32, dest string) report.MessageResult {
	result := report.MessageResult{UID: uid, Folder: dest}

	if err := m.folders.EnsureExists(ctx, dest); err != nil {
		m.logger.ErrorContext(ctx, "Destination folder unavailable",
			slog.Uint64("uid", uint64(uid)),
			slog.String("folder", dest),
			slog.Any("error", utils.WrapError(err)),
		)
		result.Outcome = report.FolderFailed
		result.Err = err
		return result
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	if err := m.client.UidCopy(seqset, dest); err != nil {
		m.logger.ErrorContext(ctx, "Copy failed",
			slog.Uint64("uid", uint64(uid)),
			slog.String("folder", dest),
			slog.Any("error", utils.WrapError(err)),
		)
		result.Outcome = report.CopyFailed
		result.Err = errors.Wrapf(err, "copying uid %d to %s", uid, dest)
		return result
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := m.client.UidStore(seqset, item, flags, nil); err != nil {
		m.logger.WarnContext(ctx, "Copied but could not flag original as deleted",
			slog.Uint64("uid", uint64(uid)),
			slog.String("folder", dest),
			slog.Any("error", utils.WrapError(err)),
		)
		result.Outcome = report.DeleteFailed
		result.Err = errors.Wrapf(err, "flagging uid %d deleted", uid)
		return result
	}

	m.logger.InfoContext(ctx, "Moved message",
		slog.Uint64("uid", uint64(uid)),
		slog.String("folder", dest),
	)
	result.Outcome = report.Moved
	return result
}
