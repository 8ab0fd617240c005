package checkpoint

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var base = time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)

type fakeS3 struct {
	s3iface.S3API
	prefix string
	pages  [][]*s3.Object
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.prefix = aws.StringValue(in.Prefix)
	for i, p := range f.pages {
		if !fn(&s3.ListObjectsV2Output{Contents: p}, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

type fakeDownloader struct {
	s3manageriface.DownloaderAPI
	mu   sync.Mutex
	keys []string
}

func (f *fakeDownloader) DownloadWithContext(_ aws.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*s3manager.Downloader)) (int64, error) {
	f.mu.Lock()
	f.keys = append(f.keys, aws.StringValue(in.Key))
	f.mu.Unlock()
	n, err := w.WriteAt([]byte(aws.StringValue(in.Key)), 0)
	return int64(n), err
}

func object(key string, size int64, minutes int) *s3.Object {
	return &s3.Object{
		Key:          aws.String(key),
		Size:         aws.Int64(size),
		LastModified: aws.Time(base.Add(time.Duration(minutes) * time.Minute)),
	}
}

func newFake() *fakeS3 {
	return &fakeS3{pages: [][]*s3.Object{
		{object("ckpt/job/epoch-2/model.pt", 200, 20), object("ckpt/job/", 0, 0)},
		{object("ckpt/job/epoch-1/model.pt", 100, 10), object("ckpt/job/optimizer.pt", 50, 25)},
	}}
}

func TestListSortedByKey(t *testing.T) {
	api := newFake()
	svc := &Service{s3: api}

	objects, err := svc.List(context.Background(), "s3://bucket/ckpt/job")
	require.NoError(t, err)
	assert.Equal(t, "ckpt/job/", api.prefix)
	require.Len(t, objects, 3)
	assert.Equal(t, "epoch-1/model.pt", objects[0].RelativePath)
	assert.Equal(t, "epoch-2/model.pt", objects[1].RelativePath)
	assert.Equal(t, "optimizer.pt", objects[2].RelativePath)
	assert.Equal(t, int64(350), TotalSize(objects))

	latest, ok := Latest(objects)
	require.True(t, ok)
	assert.Equal(t, "ckpt/job/optimizer.pt", latest.Key)

	_, ok = Latest(nil)
	assert.False(t, ok)

	_, err = svc.List(context.Background(), "/local/ckpt")
	assert.Error(t, err)
}

func TestDownload(t *testing.T) {
	defer goleak.VerifyNone(t)

	dl := &fakeDownloader{}
	svc := &Service{s3: newFake(), downloader: dl}
	dir := t.TempDir()

	n, err := svc.Download(context.Background(), "s3://bucket/ckpt/job/", dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, dl.keys, 3)

	data, err := os.ReadFile(filepath.Join(dir, "epoch-2", "model.pt"))
	require.NoError(t, err)
	assert.Equal(t, "ckpt/job/epoch-2/model.pt", string(data))
}

func TestLocalPathStaysInside(t *testing.T) {
	p, err := localPath("/tmp/ckpt", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/ckpt", "etc", "passwd"), p)

	_, err = localPath("/tmp/ckpt", "")
	assert.Error(t, err)
}
