package classifier

import (
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"aaronromeo.com/imaparchive/pkg/base"
	"github.com/pkg/errors"
)

var errMissingDate = errors.New("missing Date header")

// ParseError reports a Date header that could not be turned into a folder.
type ParseError struct {
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Value == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("unparseable Date header %q: %v", e.Value, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Classifier maps Date header values onto archive folders.
type Classifier struct {
	// Location is the zone the folder month is computed in; nil means time.Local.
	Location *time.Location
}

func New() *Classifier {
	return &Classifier{}
}

// Classify returns Archives/<YYYY>/<YYYY>-<MM> for the raw header value.
func (c *Classifier) Classify(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", &ParseError{Err: errMissingDate}
	}

	ts, err := netmail.ParseDate(value)
	if err != nil {
		return "", &ParseError{Value: value, Err: err}
	}

	return c.FolderFor(ts), nil
}

// FolderFor maps an instant onto its archive folder in the classifier's zone.
func (c *Classifier) FolderFor(ts time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	local := ts.In(loc)
	return base.ArchivesRoot + base.Delimiter + local.Format("2006") + base.Delimiter + local.Format("2006-01")
}
