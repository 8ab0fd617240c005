package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"sagemaker-adapter/pkg/store"
)

func TestExtractSimpleMethodName(t *testing.T) {
	assert.Equal(t, "SubmitTrainingJob", extractSimpleMethodName("/sagemaker.adapter.v1.AdapterService/SubmitTrainingJob"))
	assert.Equal(t, "weird", extractSimpleMethodName("weird"))
	assert.Equal(t, "trailing/", extractSimpleMethodName("trailing/"))
}

func TestMetricsInterceptor(t *testing.T) {
	ic := MetricsInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/StopTrainingJob"}

	before := testutil.ToFloat64(GrpcRequestsTotal.WithLabelValues("StopTrainingJob", "not_found"))
	_, err := ic(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "gone")
	})
	require.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(GrpcRequestsTotal.WithLabelValues("StopTrainingJob", "not_found")))

	resp, err := ic(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, float64(1), testutil.ToFloat64(GrpcRequestsTotal.WithLabelValues("StopTrainingJob", "success")))
}

func TestMetricsInterceptorRecoversPanic(t *testing.T) {
	ic := MetricsInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/InvokeEndpoint"}
	_, err := ic(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(GrpcRequestsTotal.WithLabelValues("InvokeEndpoint", "internal")))
}

func TestErrorReason(t *testing.T) {
	st, err := status.New(codes.InvalidArgument, "bad").WithDetails(&errdetails.ErrorInfo{Reason: "INVALID_JOB_CONFIG"})
	require.NoError(t, err)
	assert.Equal(t, "INVALID_JOB_CONFIG", errorReason(st.Err()))
	assert.Equal(t, "", errorReason(status.Error(codes.NotFound, "gone")))
}

func TestMetricsHandlerWithMonitoring(t *testing.T) {
	before := testutil.ToFloat64(MetricsRequestsTotal.WithLabelValues("418"))
	h := MetricsHandlerWithMonitoring(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(MetricsRequestsTotal.WithLabelValues("418")))
}

func TestJournalCollector(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	journal, err := store.NewFileStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)
	require.NoError(t, journal.Save(ctx, &store.Record{Name: "a", Kind: store.KindTraining}))
	require.NoError(t, journal.Save(ctx, &store.Record{Name: "b", Kind: store.KindTraining}))
	require.NoError(t, journal.Save(ctx, &store.Record{Name: "c", Kind: store.KindTuning}))

	StartSystemMetricsCollector(ctx, journal, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(JournalRecords.WithLabelValues(store.KindTraining)) == 2 &&
			testutil.ToFloat64(JournalRecords.WithLabelValues(store.KindTuning)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	// 等待采集协程退出
	time.Sleep(50 * time.Millisecond)
}
