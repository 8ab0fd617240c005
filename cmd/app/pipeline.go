package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/spf13/cobra"

	"sagemaker-adapter/pkg/services/job/pipeline"
	"sagemaker-adapter/pkg/spec"
)

func newPipelineCommand() *cobra.Command {
	var (
		file   string
		start  bool
		wait   bool
		dryRun bool
		params []string
	)
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "create or update a pipeline and optionally start an execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := spec.LoadPipelineSpec(file)
			if err != nil {
				return err
			}
			ps.ApplyDefaults(GConfig.AWS)
			overrides, err := pipeline.ParseParams(params)
			if err != nil {
				return err
			}
			if dryRun {
				def, err := pipeline.NewService(nil, nil, GConfig.AWS.Region, 0).Build(ps)
				if err != nil {
					return err
				}
				body, err := def.JSON()
				if err != nil {
					return err
				}
				fmt.Println(body)
				return nil
			}

			ctx, cancel := commandContext()
			defer cancel()
			clients, err := newClients()
			if err != nil {
				return err
			}
			journal, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer journal.Close(context.Background())

			svc := pipeline.NewService(clients.SageMaker, journal, clients.Region, GConfig.PollInterval())
			svc.PollTimeout = GConfig.Poll.Timeout
			arn, err := svc.Upsert(ctx, ps)
			if err != nil {
				return err
			}
			fmt.Println(arn)
			if !start {
				return nil
			}

			execution, err := svc.Start(ctx, ps.Name, overrides)
			if err != nil {
				return err
			}
			fmt.Println(execution)
			if !wait {
				return nil
			}
			desc, err := svc.Wait(ctx, execution)
			if desc != nil {
				fmt.Printf("%s %s\n", execution, aws.StringValue(desc.PipelineExecutionStatus))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline file")
	cmd.Flags().BoolVar(&start, "start", false, "start an execution after upserting")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the started execution to finish")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the pipeline definition without calling the platform")
	cmd.Flags().StringArrayVar(&params, "param", nil, "override a pipeline parameter, name=value")
	cmd.MarkFlagRequired("file")
	return cmd
}
