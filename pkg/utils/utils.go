package utils

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ErrCodeValidation = "ValidationException"
	ErrCodeThrottling = "ThrottlingException"
)

// ErrInvalidConfig 标记本地校验失败的错误，与平台返回的错误区分
var ErrInvalidConfig = errors.New("invalid job config")

// RichError rich error model 封装
func RichError(code codes.Code, reason string, message string) error {
	errInfo := &errdetails.ErrorInfo{
		Reason: reason,
	}
	st := status.New(code, message)
	st, _ = st.WithDetails(errInfo)
	return st.Err()
}

// AWSError 将平台 SDK 返回的错误转换为带原因的 gRPC 错误
func AWSError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, reason := classifyAWSError(err)
	return RichError(code, reason, err.Error())
}

func classifyAWSError(err error) (codes.Code, string) {
	aerr, ok := unwrapAWSError(err)
	if !ok {
		return codes.Unavailable, "PLATFORM_CALL_FAILED"
	}
	switch aerr.Code() {
	case sagemaker.ErrCodeResourceNotFound:
		return codes.NotFound, "JOB_NOT_FOUND"
	case ErrCodeValidation:
		// Describe* 对不存在的资源返回 ValidationException
		if IsNotFound(err) {
			return codes.NotFound, "JOB_NOT_FOUND"
		}
		return codes.InvalidArgument, "PLATFORM_VALIDATION_FAILED"
	case sagemaker.ErrCodeResourceLimitExceeded:
		return codes.ResourceExhausted, "QUOTA_EXCEEDED"
	case sagemaker.ErrCodeResourceInUse, sagemaker.ErrCodeConflictException:
		return codes.AlreadyExists, "RESOURCE_IN_USE"
	case ErrCodeThrottling:
		return codes.Unavailable, "PLATFORM_THROTTLED"
	default:
		return codes.Unavailable, "PLATFORM_CALL_FAILED"
	}
}

func unwrapAWSError(err error) (awserr.Error, bool) {
	for err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			return aerr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if ok {
			err = u.Unwrap()
			continue
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			return nil, false
		}
		err = c.Cause()
	}
	return nil, false
}

// IsAWSErrorCode 判断错误链中是否含有指定的 AWS 错误码
func IsAWSErrorCode(err error, code string) bool {
	aerr, ok := unwrapAWSError(err)
	return ok && aerr.Code() == code
}

// IsNotFound reports whether err says the remote resource does not exist.
func IsNotFound(err error) bool {
	aerr, ok := unwrapAWSError(err)
	if !ok {
		return false
	}
	if aerr.Code() == sagemaker.ErrCodeResourceNotFound {
		return true
	}
	msg := strings.ToLower(aerr.Message())
	return aerr.Code() == ErrCodeValidation &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "could not find") || strings.Contains(msg, "does not exist"))
}

// InvalidConfig 本地校验失败统一返回 InvalidArgument
func InvalidConfig(err error) error {
	return RichError(codes.InvalidArgument, "INVALID_JOB_CONFIG", err.Error())
}

// StatusError 将服务层错误转换为 gRPC 错误
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidConfig) {
		return InvalidConfig(err)
	}
	return AWSError(err)
}

// ParseS3URI 解析 s3://bucket/key 形式的地址
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 uri %q: %v", uri, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid s3 uri %q: scheme must be s3", uri)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: missing bucket", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// JoinS3 在 base 后拼接路径片段，保持 s3:// 前缀
func JoinS3(base string, parts ...string) string {
	trimmed := strings.TrimSuffix(base, "/")
	if len(parts) == 0 {
		return trimmed
	}
	return trimmed + "/" + strings.TrimPrefix(path.Join(parts...), "/")
}

// ResolveS3 补全相对路径：非 s3:// 开头的地址视为默认桶下的前缀
func ResolveS3(uri, defaultBucket string) (string, error) {
	if strings.HasPrefix(uri, "s3://") {
		return uri, nil
	}
	if defaultBucket == "" {
		return "", fmt.Errorf("%w: %q is not an s3:// uri and aws.default-bucket is not set", ErrInvalidConfig, uri)
	}
	return JoinS3("s3://"+defaultBucket, uri), nil
}
