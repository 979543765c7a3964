package readmarker

import (
	"context"
	"log/slog"

	"aaronromeo.com/imaparchive/pkg/base"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
)

// Marker flags every unseen message of a folder as \Seen.
type Marker struct {
	client base.Client
	logger *slog.Logger
}

type MarkerOption func(*Marker) error

func New(opts ...MarkerOption) (*Marker, error) {
	m := &Marker{}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	if m.client == nil {
		return nil, errors.New("requires client")
	}

	if m.logger == nil {
		return nil, errors.New("requires slogger")
	}

	return m, nil
}

func WithClient(client base.Client) MarkerOption {
	return func(m *Marker) error {
		m.client = client
		return nil
	}
}

func WithLogger(logger *slog.Logger) MarkerOption {
	return func(m *Marker) error {
		m.logger = logger
		return nil
	}
}

// MarkRead selects folder and stores \Seen on all unseen messages with a
// single STORE. It leaves folder selected.
func (m *Marker) MarkRead(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := m.client.Select(folder, false); err != nil {
		return errors.Wrapf(err, "unable to select %s for marking read", folder)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := m.client.Search(criteria)
	if err != nil {
		return errors.Wrapf(err, "searching unseen messages in %s", folder)
	}
	if len(seqNums) == 0 {
		m.logger.DebugContext(ctx, "Nothing unread", slog.String("folder", folder))
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.Store(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		m.logger.ErrorContext(ctx, "Store \\Seen failed", slog.String("folder", folder), slog.Any("error", utils.WrapError(err)))
		return errors.Wrapf(err, "marking %s read", folder)
	}

	m.logger.InfoContext(ctx, "Marked messages read", slog.String("folder", folder), slog.Int("count", len(seqNums)))
	return nil
}
