package monitor

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsHandlerWithMonitoring 统计 /metrics 自身的耗时和按状态码的请求数
func MetricsHandlerWithMonitoring(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		handler.ServeHTTP(rec, r)
		MetricsRequestDuration.Observe(time.Since(start).Seconds())
		MetricsRequestsTotal.WithLabelValues(strconv.Itoa(rec.code)).Inc()
	})
}

// MetricsInterceptor 记录每个方法的耗时和结果，handler panic 时返回 Internal
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		method := extractSimpleMethodName(info.FullMethod)
		defer func() {
			if p := recover(); p != nil {
				logrus.Errorf("%s panic: %v\n%s", method, p, debug.Stack())
				err = status.Error(codes.Internal, fmt.Sprintf("internal error in %s", method))
			}

			elapsed := time.Since(start)
			GrpcRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
			result := "success"
			if err != nil {
				result = strings.ToLower(status.Code(err).String())
				logrus.WithFields(logrus.Fields{
					"code":   status.Code(err),
					"reason": errorReason(err),
				}).Warnf("%s failed after %v: %s", method, elapsed, status.Convert(err).Message())
			} else {
				logrus.Infof("%s time consuming=%v", method, elapsed)
			}
			GrpcRequestsTotal.WithLabelValues(method, result).Inc()
		}()
		return handler(ctx, req)
	}
}

// errorReason 取 ErrorInfo 中的原因码
func errorReason(err error) string {
	for _, d := range status.Convert(err).Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.Reason
		}
	}
	return ""
}

// /package.Service/Method -> Method
func extractSimpleMethodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 && i < len(fullMethod)-1 {
		return fullMethod[i+1:]
	}
	return fullMethod
}
