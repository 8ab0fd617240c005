package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sagemaker-adapter/pkg/services/job"
	"sagemaker-adapter/pkg/services/job/pipeline"
	"sagemaker-adapter/pkg/services/job/tuning"
	"sagemaker-adapter/pkg/spec"
	"sagemaker-adapter/pkg/store"
)

func newTrainCommand() *cobra.Command {
	var (
		file   string
		noWait bool
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "submit a training job described by a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := spec.LoadTrainingSpec(file)
			if err != nil {
				return err
			}
			ts.ApplyDefaults(GConfig.AWS)
			if dryRun {
				input, err := job.NewService(nil, nil, GConfig.AWS.Region, 0).Build(ts)
				if err != nil {
					return err
				}
				return printJSON(input)
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

			svc := job.NewService(clients.SageMaker, journal, clients.Region, GConfig.PollInterval())
			svc.PollTimeout = GConfig.Poll.Timeout
			name, desc, err := svc.Fit(ctx, ts, !noWait)
			if desc != nil {
				fmt.Println(job.Summary(desc))
			} else if name != "" {
				fmt.Println(name)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "training job file")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submission")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the CreateTrainingJob request without submitting")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newTuneCommand() *cobra.Command {
	var (
		file   string
		ranges []string
		noWait bool
		dryRun bool
		top    int
	)
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "submit a hyperparameter tuning job described by a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := spec.LoadTuningSpec(file)
			if err != nil {
				return err
			}
			ts.ApplyDefaults(GConfig.AWS)
			for _, expr := range ranges {
				name, r, err := tuning.ParseRange(expr)
				if err != nil {
					return err
				}
				if ts.Ranges == nil {
					ts.Ranges = map[string]spec.RangeSpec{}
				}
				ts.Ranges[name] = r
			}
			if dryRun {
				input, err := tuning.NewTuner(nil, nil, GConfig.AWS.Region, 0).Build(ts)
				if err != nil {
					return err
				}
				return printJSON(input)
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

			tuner := tuning.NewTuner(clients.SageMaker, journal, clients.Region, GConfig.PollInterval())
			tuner.PollTimeout = GConfig.Poll.Timeout
			name, desc, err := tuner.Fit(ctx, ts, !noWait)
			if err != nil {
				return err
			}
			fmt.Println(name)
			if desc == nil || top <= 0 {
				return nil
			}
			jobs, err := tuner.ListTrainingJobs(ctx, name, "")
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRAINING JOB\tSTATUS\tOBJECTIVE")
			for i, j := range jobs {
				if i == top {
					break
				}
				objective := "-"
				if m := j.FinalHyperParameterTuningJobObjectiveMetric; m != nil {
					objective = fmt.Sprintf("%g", aws.Float64Value(m.Value))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", aws.StringValue(j.TrainingJobName), aws.StringValue(j.TrainingJobStatus), objective)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "tuning job file")
	cmd.Flags().StringArrayVar(&ranges, "range", nil, "override a range, name=type:min:max[:scaling] or name=categorical:a,b")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after submission")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the CreateHyperParameterTuningJob request without submitting")
	cmd.Flags().IntVar(&top, "top", 5, "training jobs to list by objective after completion")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newStopCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "stop a training job, tuning job or pipeline execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			name := args[0]
			if kind == "" {
				kind = store.KindTraining
				if r, err := journal.Get(ctx, name); err == nil {
					kind = r.Kind
				} else if !errors.Is(err, store.ErrNotFound) {
					logrus.Warnf("lookup %s in journal: %v", name, err)
				}
			}
			interval := GConfig.PollInterval()
			switch kind {
			case store.KindTraining:
				return job.NewService(clients.SageMaker, journal, clients.Region, interval).Stop(ctx, name)
			case store.KindTuning:
				return tuning.NewTuner(clients.SageMaker, journal, clients.Region, interval).Stop(ctx, name)
			case store.KindPipeline:
				return pipeline.NewService(clients.SageMaker, journal, clients.Region, interval).Stop(ctx, name)
			default:
				return fmt.Errorf("cannot stop %s of kind %q", name, kind)
			}
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "training, tuning or pipeline; looked up in the journal when omitted")
	return cmd
}

func newJobsCommand() *cobra.Command {
	var (
		kind   string
		remote bool
		status string
		max    int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "list submitted jobs from the local journal, or training jobs on the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

			if remote {
				clients, err := newClients()
				if err != nil {
					return err
				}
				summaries, err := job.NewService(clients.SageMaker, nil, clients.Region, 0).List(ctx, status, max)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "NAME\tSTATUS\tCREATED")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", aws.StringValue(s.TrainingJobName), aws.StringValue(s.TrainingJobStatus),
						aws.TimeValue(s.CreationTime).Local().Format(time.DateTime))
				}
				return w.Flush()
			}

			journal, err := openJournal(ctx)
			if err != nil {
				return err
			}
			defer journal.Close(context.Background())
			records, err := journal.List(ctx, kind)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "NAME\tKIND\tSTATUS\tDETAIL\tUPDATED")
			for i, r := range records {
				if max > 0 && i == max {
					break
				}
				detail := r.SecondaryStatus
				if r.FailureReason != "" {
					detail = r.FailureReason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Status, detail, r.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only list records of this kind")
	cmd.Flags().BoolVar(&remote, "remote", false, "list training jobs from the platform instead of the journal")
	cmd.Flags().StringVar(&status, "status", "", "platform status filter, with --remote")
	cmd.Flags().IntVar(&max, "max", 20, "maximum rows, 0 for all")
	return cmd
}
