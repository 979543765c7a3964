package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"aaronromeo.com/imaparchive/pkg/utils"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/pkg/errors"
)

const timestampLayout = "20060102T150405Z"

// Sink persists a finished batch. Nothing written is ever read back.
type Sink interface {
	Emit(ctx context.Context, b *Batch) error
}

// Key names the report object for a batch: <account>-<finished UTC>.json.
func Key(b *Batch) string {
	return fmt.Sprintf("%s-%s.json", sanitize(b.Account), b.Finished.UTC().Format(timestampLayout))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':':
			return '_'
		}
		return r
	}, name)
}

func encode(b *Batch) ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding batch report")
	}
	return data, nil
}

// FileSink writes each report into Dir.
type FileSink struct {
	Dir         string
	FileManager utils.FileManager
}

func (s *FileSink) Emit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(b)
	if err != nil {
		return err
	}
	if err := s.FileManager.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating report directory %s", s.Dir)
	}
	name := filepath.Join(s.Dir, Key(b))
	if err := s.FileManager.WriteFile(name, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing report %s", name)
	}
	return nil
}

// S3Sink uploads each report to Bucket under Prefix.
type S3Sink struct {
	Bucket   string
	Prefix   string
	Uploader s3manageriface.UploaderAPI
}

func (s *S3Sink) Emit(ctx context.Context, b *Batch) error {
	data, err := encode(b)
	if err != nil {
		return err
	}
	key := path.Join(s.Prefix, Key(b))
	_, err = s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "uploading report s3://%s/%s", s.Bucket, key)
	}
	return nil
}

// NewSink parses target: "" disables reporting, s3://bucket/prefix selects
// S3 in region, anything else is a local directory.
func NewSink(target, region string) (Sink, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, nil
	}

	if !strings.HasPrefix(target, "s3://") {
		return &FileSink{Dir: target, FileManager: utils.OSFileManager{}}, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing report target %s", target)
	}
	if u.Host == "" {
		return nil, errors.Errorf("report target %s has no bucket", target)
	}

	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}

	return &S3Sink{
		Bucket:   u.Host,
		Prefix:   strings.Trim(u.Path, "/"),
		Uploader: s3manager.NewUploader(sess),
	}, nil
}
