package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Clients 平台各服务客户端
type Clients struct {
	Session   *session.Session
	Region    string
	SageMaker sagemakeriface.SageMakerAPI
	Runtime   sagemakerruntimeiface.SageMakerRuntimeAPI
	S3        s3iface.S3API
}

// NewClients 根据配置创建 AWS 会话及 SageMaker、S3 客户端
func NewClients(cfg AWSConfig) (*Clients, error) {
	awsCfg := aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		// 本地模拟环境需使用 path-style 访问 S3
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		Profile:           cfg.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %v", err)
	}

	region := aws.StringValue(sess.Config.Region)
	logrus.Debugf("aws session created, region=%s profile=%s", region, cfg.Profile)
	return &Clients{
		Session:   sess,
		Region:    region,
		SageMaker: sagemaker.New(sess),
		Runtime:   sagemakerruntime.New(sess),
		S3:        s3.New(sess),
	}, nil
}

// NewMongoClient 创建 MongoDB 客户端并检查连通性
func NewMongoClient(ctx context.Context, config DatabaseConfig) (*mongo.Client, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", config.DbHost, config.DbPort)
	if config.DbUser != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s:%d",
			config.DbUser,
			config.DbPassword,
			config.DbHost,
			config.DbPort)
	}

	clientOptions := options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second)

	// 如果配置了副本集名称
	if config.DbReplSetName != "" {
		clientOptions.SetReplicaSet(config.DbReplSetName)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("MongoDB connection test failed: %v", err)
	}

	return client, nil
}
