package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"aaronromeo.com/imaparchive/pkg/base"
	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
)

// Catalog caches the folders under Archives/ for one session. It is not
// safe for concurrent use.
type Catalog struct {
	client  base.Client
	logger  *slog.Logger
	folders map[string]struct{}
	// failed remembers rejected creations so a path is never created twice.
	failed map[string]error
}

type CatalogOption func(*Catalog) error

func New(opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		folders: map[string]struct{}{},
		failed:  map[string]error{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.client == nil {
		return nil, errors.New("requires client")
	}

	if c.logger == nil {
		return nil, errors.New("requires slogger")
	}

	return c, nil
}

func WithClient(client base.Client) CatalogOption {
	return func(c *Catalog) error {
		c.client = client
		return nil
	}
}

func WithLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) error {
		c.logger = logger
		return nil
	}
}

// Refresh replaces the cached set with the server's current listing.
func (c *Catalog) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := base.ArchivesRoot + base.Delimiter
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.client.List(prefix, "*", mailboxes)
	}()

	folders := map[string]struct{}{}
	for m := range mailboxes {
		name := NormalizeName(m.Name)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		folders[name] = struct{}{}
	}

	if err := <-done; err != nil {
		return errors.Wrapf(err, "listing %s", prefix)
	}

	c.folders = folders
	c.logger.DebugContext(ctx, "Refreshed folder catalog", slog.Int("folders", len(folders)))
	return nil
}

// Contains consults the cache only.
func (c *Catalog) Contains(path string) bool {
	_, ok := c.folders[path]
	return ok
}

// EnsureExists creates path when the cache does not know it, then refreshes
// so that parents created implicitly by the server are picked up as well.
func (c *Catalog) EnsureExists(ctx context.Context, path string) error {
	if c.Contains(path) {
		return nil
	}
	if err, ok := c.failed[path]; ok {
		return err
	}

	c.logger.InfoContext(ctx, "Creating folder", slog.String("folder", path))
	createErr := c.client.Create(path)
	if createErr != nil {
		c.logger.WarnContext(ctx, "Create folder failed", slog.String("folder", path), slog.Any("error", utils.WrapError(createErr)))
	}

	if err := c.Refresh(ctx); err != nil {
		return err
	}

	if c.Contains(path) {
		return nil
	}
	if createErr == nil {
		// Some servers list a fresh folder only after it has been selected.
		c.folders[path] = struct{}{}
		return nil
	}

	err := errors.Wrapf(createErr, "creating %s", path)
	c.failed[path] = err
	return err
}

// Folders returns the cached paths in lexical order.
func (c *Catalog) Folders() []string {
	out := make([]string, 0, len(c.folders))
	for f := range c.folders {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// NormalizeName turns a listed mailbox name into a bare path: surrounding
// quotes are dropped and backslash escapes resolved.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) >= 2 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
		name = name[1 : len(name)-1]
	}
	if !strings.Contains(name, `\`) {
		return name
	}

	var b strings.Builder
	escaped := false
	for _, r := range name {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
