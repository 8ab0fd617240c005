package app

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sagemaker-adapter/pkg/dataset"
	"sagemaker-adapter/pkg/services/checkpoint"
	"sagemaker-adapter/pkg/utils"
)

func newPrepareCommand() *cobra.Command {
	var (
		input     string
		header    bool
		opts      dataset.PrepareOptions
		outputDir string
		upload    string
		keepHead  bool
	)
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "split a CSV into label-first train/validation channels and optionally upload them",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := dataset.ReadCSVFile(input, header)
			if err != nil {
				return err
			}
			prepared, err := dataset.Prepare(tbl, opts)
			if err != nil {
				return err
			}
			logrus.Infof("prepared %d train and %d validation rows", prepared.Train.Len(), prepared.Validation.Len())

			channels := prepared.Channels()
			if outputDir != "" {
				for name, t := range channels {
					dir := filepath.Join(outputDir, name)
					if err := os.MkdirAll(dir, 0755); err != nil {
						return err
					}
					if err := dataset.WriteCSVFile(filepath.Join(dir, name+".csv"), t, keepHead); err != nil {
						return err
					}
				}
			}
			if upload == "" {
				return nil
			}

			ctx, cancel := commandContext()
			defer cancel()
			clients, err := newClients()
			if err != nil {
				return err
			}
			uploader := dataset.NewUploader(s3manager.NewUploaderWithClient(clients.S3))
			uploader.WithHeader = keepHead
			base, err := utils.ResolveS3(upload, GConfig.AWS.DefaultBucket)
			if err != nil {
				return err
			}
			uris, err := uploader.UploadChannels(ctx, base, channels)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(uris))
			for name := range uris {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s\t%s\n", name, uris[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input CSV file")
	cmd.Flags().BoolVar(&header, "header", true, "input has a header row")
	cmd.Flags().StringVar(&opts.Label, "label", "", "label column name")
	cmd.Flags().IntVar(&opts.LabelIndex, "label-index", 0, "label column index, for headerless input")
	cmd.Flags().StringSliceVar(&opts.Drop, "drop", nil, "columns to drop")
	cmd.Flags().StringVar(&opts.TextColumn, "text-column", "", "text column to tokenize")
	cmd.Flags().BoolVar(&opts.Tokenizer.Lowercase, "lowercase", true, "lowercase text before tokenizing")
	cmd.Flags().BoolVar(&opts.Tokenizer.StripPunct, "strip-punct", true, "replace punctuation with spaces")
	cmd.Flags().IntVar(&opts.Tokenizer.MaxTokens, "max-tokens", 0, "truncate each text value, 0 for unlimited")
	cmd.Flags().IntVar(&opts.VocabMinCount, "vocab-min-count", 0, "encode tokens as ids, keeping tokens seen this often")
	cmd.Flags().Float64Var(&opts.Ratio, "ratio", dataset.DefaultTrainRatio, "train fraction")
	cmd.Flags().Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "shuffle seed")
	cmd.Flags().StringVar(&opts.HashKey, "hash-key", "", "split by the hash of this column instead of shuffling")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "write channels under this local directory")
	cmd.Flags().StringVar(&upload, "upload", "", "upload channels under this s3:// prefix, or under this prefix in aws.default-bucket")
	cmd.Flags().BoolVar(&keepHead, "keep-header", false, "keep the header row in written channels")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newCheckpointsCommand() *cobra.Command {
	var download string
	cmd := &cobra.Command{
		Use:   "checkpoints <s3-uri>",
		Short: "list or download the checkpoints a training job synced to S3",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			clients, err := newClients()
			if err != nil {
				return err
			}
			svc := checkpoint.NewService(clients.S3)
			if download != "" {
				n, err := svc.Download(ctx, args[0], download)
				if err != nil {
					return err
				}
				fmt.Printf("downloaded %d files to %s\n", n, download)
				return nil
			}

			objects, err := svc.List(ctx, args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSIZE\tMODIFIED")
			for _, o := range objects {
				fmt.Fprintf(w, "%s\t%d\t%s\n", o.RelativePath, o.Size, o.LastModified.Local().Format(time.DateTime))
			}
			if latest, ok := checkpoint.Latest(objects); ok {
				fmt.Fprintf(w, "\nlatest: %s, %d files, %d bytes\n", latest.RelativePath, len(objects), checkpoint.TotalSize(objects))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&download, "download", "", "download the checkpoint into this directory")
	return cmd
}
