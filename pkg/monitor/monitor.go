package monitor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"sagemaker-adapter/pkg/store"
)

var journalKinds = []string{store.KindTraining, store.KindTuning, store.KindPipeline, store.KindEndpoint}

// StartSystemMetricsCollector 周期采集进程及作业日志指标，ctx 结束时退出
func StartSystemMetricsCollector(ctx context.Context, journal store.Store, interval time.Duration) {
	go func() {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logrus.Errorf("Failed to get process info: %v", err)
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			// 采集进程级别指标
			collectProcessMetrics(proc)

			// 采集作业日志指标
			if journal != nil {
				collectJournalMetrics(ctx, journal)
			}
		}
	}()
}

func collectProcessMetrics(proc *process.Process) {
	cpuPercent, err := proc.Percent(0)
	if err == nil {
		ProcessCpuUsage.Set(cpuPercent)
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil {
		ProcessMemoryUsage.Set(float64(memInfo.RSS))
	}

	ProcessGoroutines.Set(float64(runtime.NumGoroutine()))
}

func collectJournalMetrics(ctx context.Context, journal store.Store) {
	records, err := journal.List(ctx, "")
	if err != nil {
		logrus.Errorf("Failed to list journal records: %v", err)
		return
	}
	counts := make(map[string]int, len(journalKinds))
	for _, r := range records {
		counts[r.Kind]++
	}
	for _, kind := range journalKinds {
		JournalRecords.WithLabelValues(kind).Set(float64(counts[kind]))
	}

	// MongoDB 存储额外采集连接数
	if m, ok := journal.(*store.MongoStore); ok {
		connCount, err := getConnectionCount(ctx, m.Client())
		if err != nil {
			logrus.Errorf("Failed to get active connections: %v", err)
			return
		}
		DatabaseConnections.WithLabelValues(m.DbName(), "active").Set(float64(connCount))
	}
}

// 获取数据库连接数
func getConnectionCount(ctx context.Context, client *mongo.Client) (int, error) {
	var result struct {
		Connections struct {
			Current int `bson:"current"`
		} `bson:"connections"`
	}

	cmd := bson.D{{Key: "serverStatus", Value: 1}}
	err := client.Database("admin").RunCommand(ctx, cmd).Decode(&result)
	if err != nil {
		return 0, fmt.Errorf("failed to get the number of connections: %v", err)
	}

	return result.Connections.Current, nil
}

// NewMetricsServer 创建 /metrics HTTP 服务
func NewMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandlerWithMonitoring(promhttp.Handler()))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
