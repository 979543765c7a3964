package mock

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"aaronromeo.com/imaparchive/pkg/base"
	imap "github.com/emersion/go-imap"
	gomock "go.uber.org/mock/gomock"
)

// setupLogger sets up a logger that only outputs if the test fails
func SetupLogger(t *testing.T) *slog.Logger {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Cleanup(func() {
		if t.Failed() {
			os.Stdout.Write(buf.Bytes()) //nolint:errcheck
		}
	})

	return logger
}

// StringLiteral is a simple imap.Literal implementation that wraps a string.
type StringLiteral struct {
	s   string
	pos int
}

// NewStringLiteral creates a new StringLiteral based on a string.
func NewStringLiteral(s string) *StringLiteral {
	return &StringLiteral{s: s}
}

func (l *StringLiteral) Read(p []byte) (n int, err error) {
	if l.pos >= len(l.s) {
		return 0, io.EOF // If all bytes have been read, return EOF
	}

	// Copy bytes from the string to p
	n = copy(p, l.s[l.pos:])
	l.pos += n // Move the read position forward

	return n, nil
}

// Len returns the length of the underlying string.
func (l *StringLiteral) Len() int {
	return len(l.s)
}

// DateMessage builds the fetch response for BODY.PEEK[HEADER.FIELDS (DATE)].
// An empty date yields a header block without a Date field.
func DateMessage(seqNum, uid uint32, date string) *imap.Message {
	header := "\r\n"
	if date != "" {
		header = fmt.Sprintf("Date: %s\r\n\r\n", date)
	}
	msg := imap.NewMessage(seqNum, []imap.FetchItem{imap.FetchUid, base.DateHeaderSection().FetchItem()})
	msg.Uid = uid
	msg.Body = map[*imap.BodySectionName]imap.Literal{
		base.DateHeaderSection(): NewStringLiteral(header),
	}
	return msg
}

// ListResponse returns a List stub that streams names then closes ch, the
// way client.Client does.
func ListResponse(names ...string) func(ref, name string, ch chan *imap.MailboxInfo) error {
	return func(_, _ string, ch chan *imap.MailboxInfo) error {
		for _, n := range names {
			ch <- &imap.MailboxInfo{Name: n, Delimiter: base.Delimiter}
		}
		close(ch)
		return nil
	}
}

// FetchResponse returns a Fetch stub that streams msgs then closes ch.
func FetchResponse(msgs ...*imap.Message) func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	return func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
		for _, m := range msgs {
			ch <- m
		}
		close(ch)
		return nil
	}
}

// ExpungeResponse closes ch when one is supplied, as client.Client does.
func ExpungeResponse(err error) func(ch chan uint32) error {
	return func(ch chan uint32) error {
		if ch != nil {
			close(ch)
		}
		return err
	}
}

type seqSetMatcher struct {
	want string
}

func (m seqSetMatcher) Matches(x interface{}) bool {
	s, ok := x.(*imap.SeqSet)
	if !ok || s == nil {
		return false
	}
	return s.String() == m.want
}

func (m seqSetMatcher) String() string {
	return "is sequence set " + m.want
}

// SeqSetOf matches an *imap.SeqSet holding exactly nums.
func SeqSetOf(nums ...uint32) gomock.Matcher {
	s := new(imap.SeqSet)
	s.AddNum(nums...)
	return seqSetMatcher{want: s.String()}
}

type flagsMatcher struct {
	flag string
}

func (m flagsMatcher) Matches(x interface{}) bool {
	flags, ok := x.([]interface{})
	if !ok {
		return false
	}
	for _, f := range flags {
		if f == m.flag {
			return true
		}
	}
	return false
}

func (m flagsMatcher) String() string {
	return "flags containing " + m.flag
}

// HasFlag matches a Store value list carrying flag.
func HasFlag(flag string) gomock.Matcher {
	return flagsMatcher{flag: flag}
}
