package dataset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sagemaker-adapter/pkg/utils"
)

// Uploader writes prepared tables to object storage as input channels.
type Uploader struct {
	s3 s3manageriface.UploaderAPI
	// WithHeader controls whether uploaded CSVs keep their header row.
	WithHeader bool
}

func NewUploader(api s3manageriface.UploaderAPI) *Uploader {
	return &Uploader{s3: api}
}

// ChannelURI is where UploadChannels puts a channel's data under base.
func ChannelURI(base, channel string) string {
	return utils.JoinS3(base, channel, channel+".csv")
}

// UploadChannels uploads every channel concurrently and returns the channel
// prefix URIs to hand to a training job, keyed by channel name.
func (u *Uploader) UploadChannels(ctx context.Context, base string, channels map[string]*Table) (map[string]string, error) {
	if _, _, err := utils.ParseS3URI(base); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu   sync.Mutex
		uris = make(map[string]string, len(channels))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name, table := name, channels[name]
		g.Go(func() error {
			var buf bytes.Buffer
			if err := WriteCSV(&buf, table, u.WithHeader); err != nil {
				return fmt.Errorf("encode channel %s: %w", name, err)
			}
			uri := ChannelURI(base, name)
			if err := u.put(ctx, uri, &buf, utils.ContentTypeCSV); err != nil {
				return fmt.Errorf("upload channel %s: %w", name, err)
			}
			logrus.Infof("uploaded channel %s (%d rows) to %s", name, table.Len(), uri)
			mu.Lock()
			uris[name] = utils.JoinS3(base, name)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uris, nil
}

// UploadFile 上传本地文件，uri 以 / 结尾时沿用本地文件名
func (u *Uploader) UploadFile(ctx context.Context, localPath, uri string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if uri != "" && uri[len(uri)-1] == '/' {
		uri += path.Base(localPath)
	}
	if err := u.put(ctx, uri, f, ""); err != nil {
		return "", err
	}
	return uri, nil
}

func (u *Uploader) put(ctx context.Context, uri string, body io.Reader, contentType string) error {
	bucket, key, err := utils.ParseS3URI(uri)
	if err != nil {
		return err
	}
	input := &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err = u.s3.UploadWithContext(ctx, input)
	return err
}
