package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"sagemaker-adapter/pkg/monitor"
	"sagemaker-adapter/pkg/server"
	"sagemaker-adapter/pkg/utils"
)

const metricsInterval = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gRPC adapter service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run()
		},
	}
}

func Run() error {
	ctx, cancel := commandContext()
	defer cancel()
	utils.SetAdapterStartTime(time.Now())

	clients, err := newClients()
	if err != nil {
		return err
	}
	journal, err := openJournal(ctx)
	if err != nil {
		return err
	}
	defer journal.Close(context.Background())

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024 * 1024), // 最大接受size 1GB
		grpc.MaxSendMsgSize(1024 * 1024 * 1024), // 最大发送size 1GB
		grpc.UnaryInterceptor(monitor.MetricsInterceptor()),
	}
	if GConfig.Ssl.Enabled {
		cred, err := serverCredentials(GConfig.Ssl)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(cred))
	}
	s := grpc.NewServer(opts...)

	// 注册服务
	server.RegisterAdapterServiceServer(s, server.New(clients, GConfig.AWS, journal, GConfig.PollInterval()))

	if GConfig.Monitor.Port > 0 {
		monitor.StartSystemMetricsCollector(ctx, journal, metricsInterval)
		metricsServer := monitor.NewMetricsServer(GConfig.Monitor.Port)
		go func() {
			logrus.Infof("metrics server listening on %d", GConfig.Monitor.Port)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("metrics server quitting: %s", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	logrus.Infof("gRPC server listening on %d, region %s", GConfig.BindPort, clients.Region)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", GConfig.BindPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %s", err)
	}

	go func() {
		<-ctx.Done()
		logrus.Info("shutting down gRPC server")
		s.GracefulStop()
	}()
	if err := s.Serve(listener); err != nil {
		return fmt.Errorf("gRPC server quitting: %s", err)
	}
	return nil
}
