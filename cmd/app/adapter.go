package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sagemaker-adapter/pkg/store"
	"sagemaker-adapter/pkg/utils"
)

var (
	FlagConfigFilePath string
	GConfig            utils.Config
)

func NewAdapterCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sagemaker-adapter",
		Short:         "prepare data and run training, tuning and pipeline jobs on SageMaker",
		Version:       utils.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Initialize config
	cobra.OnInitialize(func() {
		// Use config file from the flag or search in the default paths
		if FlagConfigFilePath != "" {
			viper.SetConfigFile(FlagConfigFilePath)
		} else {
			viper.AddConfigPath(".")
			viper.AddConfigPath(utils.DefaultConfigDir)
			viper.SetConfigType("yaml")
			viper.SetConfigName(utils.DefaultConfigName)
		}
		// 环境变量覆盖，如 SAGEMAKER_ADAPTER_AWS_REGION
		viper.SetEnvPrefix("SAGEMAKER_ADAPTER")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
		viper.AutomaticEnv()

		// Read and parse config file
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			}
		}
		// Initialize logger
		utils.InitLogger(utils.ParseLogLevel(viper.GetString("log-level")), viper.GetString("log-file"))
		if err := viper.Unmarshal(&GConfig); err != nil {
			logrus.Fatalf("Error parsing config file: %s", err)
		}

		utils.SetPlatformRateLimit(GConfig.Poll.QPS, GConfig.Poll.Burst)

		logrus.Debugf("Using config:\n%+v", GConfig)
	})

	rootCmd.SetVersionTemplate(utils.VersionTemplate())
	// Specify config file path
	rootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "c", "", "Path to configuration file")

	// Other flags
	rootCmd.PersistentFlags().IntP("bind-port", "p", 5000, "Binding port of adapter")
	viper.BindPFlag("bind-port", rootCmd.PersistentFlags().Lookup("bind-port"))

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level")
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("region", "", "AWS region, overrides aws.region")
	viper.BindPFlag("aws.region", rootCmd.PersistentFlags().Lookup("region"))

	rootCmd.AddCommand(
		newServeCommand(),
		newPrepareCommand(),
		newTrainCommand(),
		newTuneCommand(),
		newPipelineCommand(),
		newDeployCommand(),
		newInvokeCommand(),
		newCheckpointsCommand(),
		newJobsCommand(),
		newStopCommand(),
	)
	return rootCmd
}

// commandContext 收到中断信号时取消，仅停止本地等待，平台上的作业继续运行
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newClients() (*utils.Clients, error) {
	return utils.NewClients(GConfig.AWS)
}

func openJournal(ctx context.Context) (store.Store, error) {
	journal, err := store.New(ctx, GConfig.Store)
	if err != nil {
		return nil, fmt.Errorf("open job journal: %v", err)
	}
	return journal, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
