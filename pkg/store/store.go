// Package store keeps a local journal of the jobs the adapter submitted, so
// the CLI and server can list and follow them without querying the platform.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"sagemaker-adapter/pkg/utils"
)

var ErrNotFound = errors.New("job record not found")

const (
	KindTraining = "training"
	KindTuning   = "tuning"
	KindPipeline = "pipeline"
	KindEndpoint = "endpoint"
)

// Record 作业提交记录
type Record struct {
	Name            string    `json:"name" bson:"_id"`
	Kind            string    `json:"kind" bson:"kind"`
	Arn             string    `json:"arn,omitempty" bson:"arn,omitempty"`
	Status          string    `json:"status,omitempty" bson:"status,omitempty"`
	SecondaryStatus string    `json:"secondary_status,omitempty" bson:"secondary_status,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
	// Spec is the submitted request, JSON encoded.
	Spec string `json:"spec,omitempty" bson:"spec,omitempty"`
}

type Store interface {
	// Save inserts or replaces the record with the same name.
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, name string) (*Record, error)
	Delete(ctx context.Context, name string) error
	// List returns records of kind, or all records when kind is empty,
	// newest first.
	List(ctx context.Context, kind string) ([]*Record, error)
	Close(ctx context.Context) error
}

// New 根据配置创建作业日志存储
func New(ctx context.Context, cfg utils.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", utils.StoreTypeFile:
		path := cfg.Path
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve journal path: %v", err)
			}
			path = filepath.Join(home, utils.DefaultJournalPath)
		}
		return NewFileStore(path)
	case utils.StoreTypeMongo:
		client, err := utils.NewMongoClient(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		logrus.Infof("using mongo job journal %s/%s", cfg.Mongo.DbName, utils.DefaultMongoCollection)
		return NewMongoStore(client, cfg.Mongo.DbName, utils.DefaultMongoCollection), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// Touch updates status fields and UpdatedAt, creating the record if needed.
func Touch(ctx context.Context, s Store, name, kind, status, secondary, reason string) error {
	r, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		r = &Record{Name: name, Kind: kind, CreatedAt: time.Now()}
	} else if err != nil {
		return err
	}
	r.Status = status
	r.SecondaryStatus = secondary
	r.FailureReason = reason
	r.UpdatedAt = time.Now()
	return s.Save(ctx, r)
}
