package report

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"aaronromeo.com/imaparchive/pkg/mock"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch() *Batch {
	b := NewBatch("work", "INBOX/Done")
	b.Add(MessageResult{UID: 101, Folder: "Archives/2021/2021-03", Outcome: Moved})
	b.Add(MessageResult{UID: 102, Outcome: ParseFailed, Err: errors.New("missing Date header")})
	b.Add(MessageResult{UID: 103, Folder: "Archives/2022/2022-01", Outcome: Moved})
	b.Add(MessageResult{UID: 104, Folder: "Archives/2021/2021-03", Outcome: Moved})
	b.Add(MessageResult{UID: 105, Folder: "Archives/2023/2023-05", Outcome: CopyFailed, Err: errors.New("NO")})
	b.Started = time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)
	b.Finished = time.Date(2024, time.May, 1, 10, 0, 3, 0, time.UTC)
	return b
}

func TestBatchTouchSet(t *testing.T) {
	b := sampleBatch()

	assert.Equal(t, []string{"Archives/2021/2021-03", "Archives/2022/2022-01"}, b.Touched)
	assert.Equal(t, 3, b.Count(Moved))
	assert.Equal(t, 2, b.Failed())
	assert.Equal(t, map[Outcome]int{
		Moved:        3,
		ParseFailed:  1,
		FolderFailed: 0,
		CopyFailed:   1,
		DeleteFailed: 0,
	}, b.Summary())
}

func TestBatchTouchWithoutConstructor(t *testing.T) {
	b := &Batch{Touched: []string{"Archives/2020/2020-01"}}
	b.Touch("Archives/2020/2020-01")
	b.Touch("Archives/2020/2020-02")
	assert.Equal(t, []string{"Archives/2020/2020-01", "Archives/2020/2020-02"}, b.Touched)
}

func TestBatchJSON(t *testing.T) {
	data, err := json.Marshal(sampleBatch())
	require.NoError(t, err)

	var decoded struct {
		Account string `json:"account"`
		Source  string `json:"source"`
		Results []struct {
			UID     uint32 `json:"uid"`
			Outcome string `json:"outcome"`
			Error   string `json:"error"`
		} `json:"results"`
		Summary map[string]int `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "work", decoded.Account)
	assert.Equal(t, "INBOX/Done", decoded.Source)
	require.Len(t, decoded.Results, 5)
	assert.Equal(t, "parse-failed", decoded.Results[1].Outcome)
	assert.Equal(t, "missing Date header", decoded.Results[1].Error)
	assert.Empty(t, decoded.Results[0].Error)
	assert.Equal(t, 3, decoded.Summary["moved"])
}

func TestKey(t *testing.T) {
	b := sampleBatch()
	b.Account = "me/work account"
	assert.Equal(t, "me_work_account-20240501T100003Z.json", Key(b))
}

func TestFileSink(t *testing.T) {
	fm := mock.NewMockFileWriter()
	sink := &FileSink{Dir: "reports", FileManager: fm}

	require.NoError(t, sink.Emit(context.Background(), sampleBatch()))

	name := filepath.Join("reports", "work-20240501T100003Z.json")
	assert.Contains(t, fm.Mkdirs, "reports")
	require.Contains(t, fm.Files, name)
	assert.Contains(t, string(fm.Files[name]), `"outcome": "copy-failed"`)
}

func TestFileSinkWriteError(t *testing.T) {
	fm := mock.NewMockFileWriter()
	fm.Err = errors.New("read-only filesystem")
	sink := &FileSink{Dir: "reports", FileManager: fm}

	err := sink.Emit(context.Background(), sampleBatch())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read-only filesystem")
}

type fakeUploader struct {
	inputs []*s3manager.UploadInput
	bodies []string
	err    error
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3manager.UploadOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	up := &fakeUploader{}
	sink := &S3Sink{Bucket: "audit", Prefix: "imap/reports", Uploader: up}

	require.NoError(t, sink.Emit(context.Background(), sampleBatch()))
	require.Len(t, up.inputs, 1)
	assert.Equal(t, "audit", aws.StringValue(up.inputs[0].Bucket))
	assert.Equal(t, "imap/reports/work-20240501T100003Z.json", aws.StringValue(up.inputs[0].Key))
	assert.Equal(t, "application/json", aws.StringValue(up.inputs[0].ContentType))
	assert.Contains(t, up.bodies[0], `"account": "work"`)

	up.err = errors.New("AccessDenied")
	err := sink.Emit(context.Background(), sampleBatch())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "s3://audit/imap/reports/")
}

func TestNewSink(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s, err := NewSink("  ", "")
		assert.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("directory", func(t *testing.T) {
		s, err := NewSink("./reports", "")
		require.NoError(t, err)
		fs, ok := s.(*FileSink)
		require.True(t, ok)
		assert.Equal(t, "./reports", fs.Dir)
	})

	t.Run("s3", func(t *testing.T) {
		s, err := NewSink("s3://audit/imap/reports/", "us-east-1")
		require.NoError(t, err)
		s3s, ok := s.(*S3Sink)
		require.True(t, ok)
		assert.Equal(t, "audit", s3s.Bucket)
		assert.Equal(t, "imap/reports", s3s.Prefix)
		assert.NotNil(t, s3s.Uploader)
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		_, err := NewSink("s3:///reports", "")
		assert.Error(t, err)
	})
}
