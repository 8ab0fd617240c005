// Package checkpoint inspects the checkpoint prefixes that the platform syncs
// from training instances to S3.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sagemaker-adapter/pkg/utils"
)

// 并发下载的文件数
const downloadConcurrency = 4

// Object 检查点中的一个文件
type Object struct {
	Key          string    `json:"key"`
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

type Service struct {
	s3         s3iface.S3API
	downloader s3manageriface.DownloaderAPI
}

func NewService(api s3iface.S3API) *Service {
	return &Service{s3: api, downloader: s3manager.NewDownloaderWithClient(api)}
}

// List 列出检查点前缀下的全部文件，按 key 排序
func (s *Service) List(ctx context.Context, uri string) ([]Object, error) {
	bucket, prefix, err := utils.ParseS3URI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var objects []Object
	err = s.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, o := range page.Contents {
			key := aws.StringValue(o.Key)
			// 目录占位对象
			if strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, Object{
				Key:          key,
				RelativePath: strings.TrimPrefix(key, prefix),
				Size:         aws.Int64Value(o.Size),
				LastModified: aws.TimeValue(o.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list checkpoint %s", uri)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Latest 返回最近修改的文件
func Latest(objects []Object) (Object, bool) {
	var (
		latest Object
		found  bool
	)
	for _, o := range objects {
		if !found || o.LastModified.After(latest.LastModified) {
			latest, found = o, true
		}
	}
	return latest, found
}

// TotalSize 检查点总大小
func TotalSize(objects []Object) int64 {
	var total int64
	for _, o := range objects {
		total += o.Size
	}
	return total
}

// Download 将检查点下载到本地目录 dir，保持相对路径，返回下载的文件数
func (s *Service) Download(ctx context.Context, uri, dir string) (int, error) {
	bucket, _, err := utils.ParseS3URI(uri)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	objects, err := s.List(ctx, uri)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for _, o := range objects {
		o := o
		local, err := localPath(dir, o.RelativePath)
		if err != nil {
			return 0, err
		}
		g.Go(func() error {
			return s.download(ctx, bucket, o.Key, local)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	logrus.Infof("downloaded %d checkpoint files from %s to %s", len(objects), uri, dir)
	return len(objects), nil
}

// localPath 拒绝跳出目标目录的 key
func localPath(dir, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", fmt.Errorf("invalid checkpoint key %q", rel)
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (s *Service) download(ctx context.Context, bucket, key, local string) error {
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errors.Wrapf(err, "download s3://%s/%s", bucket, key)
	}
	return nil
}
