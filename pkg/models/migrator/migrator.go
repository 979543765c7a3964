package migrator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"

	"aaronromeo.com/imaparchive/pkg/base"
	"aaronromeo.com/imaparchive/pkg/models/classifier"
	"aaronromeo.com/imaparchive/pkg/report"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "aaronromeo.com/imaparchive/pkg/models/migrator"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)
)

// Snapshot is the slice of a message the migrator works from.
type Snapshot struct {
	SeqNum uint32
	UID    uint32
	Date   string
}

type Catalog interface {
	Refresh(ctx context.Context) error
}

type Classifier interface {
	Classify(raw string) (string, error)
}

type Mover interface {
	Move(ctx context.Context, uid uint32, dest string) report.MessageResult
}

// Migrator drains one source folder into the archive hierarchy.
type Migrator struct {
	client     base.Client
	catalog    Catalog
	classifier Classifier
	mover      Mover
	logger     *slog.Logger
	account    string
	source     string
	processed  metric.Int64Counter
}

type MigratorOption func(*Migrator) error

func New(opts ...MigratorOption) (*Migrator, error) {
	m := &Migrator{}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	if m.client == nil {
		return nil, errors.New("requires client")
	}

	if m.catalog == nil {
		return nil, errors.New("requires folder catalog")
	}

	if m.mover == nil {
		return nil, errors.New("requires mover")
	}

	if m.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if m.source == "" {
		return nil, errors.New("requires source folder")
	}

	if m.classifier == nil {
		m.classifier = classifier.New()
	}

	counter, err := meter.Int64Counter(
		"imaparchive.messages",
		metric.WithDescription("Messages processed, by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating message counter")
	}
	m.processed = counter

	return m, nil
}

func WithClient(client base.Client) MigratorOption {
	return func(m *Migrator) error {
		m.client = client
		return nil
	}
}

func WithCatalog(c Catalog) MigratorOption {
	return func(m *Migrator) error {
		m.catalog = c
		return nil
	}
}

func WithClassifier(c Classifier) MigratorOption {
	return func(m *Migrator) error {
		m.classifier = c
		return nil
	}
}

func WithMover(mv Mover) MigratorOption {
	return func(m *Migrator) error {
		m.mover = mv
		return nil
	}
}

func WithLogger(logger *slog.Logger) MigratorOption {
	return func(m *Migrator) error {
		m.logger = logger
		return nil
	}
}

func WithSource(account, folder string) MigratorOption {
	return func(m *Migrator) error {
		m.account = account
		m.source = folder
		return nil
	}
}

// Migrate moves every message of the source folder into its dated archive
// folder. Per-message failures end up in the batch; the returned error is
// reserved for failures that end the whole pass. The batch is never nil.
func (m *Migrator) Migrate(ctx context.Context) (batch *report.Batch, err error) {
	ctx, span := tracer.Start(ctx, "migrator.Migrate", trace.WithAttributes(
		attribute.String("account", m.account),
		attribute.String("source", m.source),
	))
	batch = report.NewBatch(m.account, m.source)
	defer func() {
		batch.Finish()
		span.SetAttributes(
			attribute.Int("messages", len(batch.Results)),
			attribute.Int("failed", batch.Failed()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := m.catalog.Refresh(ctx); err != nil {
		return batch, errors.Wrap(err, "loading archive folders")
	}

	if _, err := m.client.Select(m.source, false); err != nil {
		m.logger.ErrorContext(ctx, "Select failed", slog.String("folder", m.source), slog.Any("error", utils.WrapError(err)))
		return batch, errors.Wrapf(err, "selecting %s", m.source)
	}

	if err := m.expunge(ctx); err != nil {
		return batch, err
	}

	seqNums, err := m.client.Search(imap.NewSearchCriteria())
	if err != nil {
		m.logger.ErrorContext(ctx, "Search failed", slog.String("folder", m.source), slog.Any("error", utils.WrapError(err)))
		return batch, errors.Wrapf(err, "searching %s", m.source)
	}
	if len(seqNums) == 0 {
		m.logger.InfoContext(ctx, fmt.Sprintf("%s folder is empty", m.source))
		return batch, nil
	}

	snapshots, err := m.Snapshots(ctx, seqNums)
	if err != nil {
		return batch, err
	}

	m.logger.InfoContext(ctx, "Migrating messages", slog.String("folder", m.source), slog.Int("count", len(snapshots)))

	var cancelled error
	for _, s := range snapshots {
		if cancelled = ctx.Err(); cancelled != nil {
			m.logger.WarnContext(ctx, "Migration interrupted", slog.Int("remaining", len(snapshots)-len(batch.Results)))
			break
		}
		result := m.migrateOne(ctx, s)
		batch.Add(result)
		m.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(result.Outcome))))
	}

	// Flagged originals are removed even when the loop was interrupted.
	if err := m.expunge(context.WithoutCancel(ctx)); err != nil {
		return batch, err
	}

	return batch, cancelled
}

func (m *Migrator) migrateOne(ctx context.Context, s Snapshot) report.MessageResult {
	dest, err := m.classifier.Classify(s.Date)
	if err != nil {
		m.logger.ErrorContext(ctx, "Skipping message with unusable Date header",
			slog.Uint64("uid", uint64(s.UID)),
			slog.String("date", s.Date),
			slog.Any("error", utils.WrapError(err)),
		)
		return report.MessageResult{UID: s.UID, Outcome: report.ParseFailed, Err: err}
	}
	return m.mover.Move(ctx, s.UID, dest)
}

func (m *Migrator) expunge(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Expunging", slog.String("folder", m.source))
	if err := m.client.Expunge(nil); err != nil {
		m.logger.ErrorContext(ctx, "Expunge failed", slog.String("folder", m.source), slog.Any("error", utils.WrapError(err)))
		return errors.Wrapf(err, "expunging %s", m.source)
	}
	return nil
}

// Snapshots fetches the UID and Date header of seqNums in a single FETCH,
// returned in the order the server streams them.
func (m *Migrator) Snapshots(ctx context.Context, seqNums []uint32) ([]Snapshot, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := base.DateHeaderSection()
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.Fetch(seqset, items, messages)
	}()

	snapshots := make([]Snapshot, 0, len(seqNums))
	for msg := range messages {
		snapshots = append(snapshots, Snapshot{
			SeqNum: msg.SeqNum,
			UID:    msg.Uid,
			Date:   m.dateOf(ctx, msg),
		})
	}

	if err := <-done; err != nil {
		m.logger.ErrorContext(ctx, "Fetch failed", slog.String("folder", m.source), slog.Any("error", utils.WrapError(err)))
		return nil, errors.Wrapf(err, "fetching headers from %s", m.source)
	}

	return snapshots, nil
}

// dateOf returns the raw Date header value, or "" when there is none.
func (m *Migrator) dateOf(ctx context.Context, msg *imap.Message) string {
	// Only one section is requested; the server may echo it back without
	// PEEK, so take whichever literal arrived.
	var literal imap.Literal
	for _, l := range msg.Body {
		if l != nil {
			literal = l
			break
		}
	}
	if literal == nil {
		return ""
	}

	h, err := textproto.ReadHeader(bufio.NewReader(literal))
	if err != nil {
		m.logger.DebugContext(ctx, "Unreadable header block", slog.Uint64("uid", uint64(msg.Uid)), slog.Any("error", utils.WrapError(err)))
		return ""
	}

	hdr := mail.Header{Header: message.Header{Header: h}}
	return hdr.Get("Date")
}
