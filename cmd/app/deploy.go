package app

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/spf13/cobra"

	"sagemaker-adapter/pkg/services/endpoint"
	"sagemaker-adapter/pkg/spec"
)

func newDeployCommand() *cobra.Command {
	var (
		file   string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "deploy a trained model to a hosted endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := spec.LoadDeploySpec(file)
			if err != nil {
				return err
			}
			ds.ApplyDefaults(GConfig.AWS)

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

			svc := endpoint.NewService(clients.SageMaker, journal, GConfig.PollInterval())
			svc.PollTimeout = GConfig.Poll.Timeout
			desc, err := svc.Deploy(ctx, ds, !noWait)
			if desc != nil {
				fmt.Printf("%s %s\n", aws.StringValue(desc.EndpointName), aws.StringValue(desc.EndpointStatus))
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "deployment file")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the endpoint is being created")
	cmd.MarkFlagRequired("file")

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <endpoint>",
		Short: "delete an endpoint with its config and models",
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
			return endpoint.NewService(clients.SageMaker, journal, GConfig.PollInterval()).Delete(ctx, args[0])
		},
	})
	return cmd
}

func newInvokeCommand() *cobra.Command {
	var (
		name        string
		contentType string
		accept      string
		body        string
		bodyFile    string
	)
	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "send a request to a hosted endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(body)
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				payload = data
			}

			ctx, cancel := commandContext()
			defer cancel()
			clients, err := newClients()
			if err != nil {
				return err
			}
			p := endpoint.NewPredictor(clients.Runtime, name)
			if p.Serializer, err = endpoint.SerializerFor(contentType); err != nil {
				return err
			}
			if p.Deserializer, err = endpoint.DeserializerFor(accept); err != nil {
				return err
			}
			out, _, err := p.Invoke(ctx, payload)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "endpoint", "", "endpoint name")
	cmd.Flags().StringVar(&contentType, "content-type", "text/csv", "request content type")
	cmd.Flags().StringVar(&accept, "accept", "application/json", "response content type")
	cmd.Flags().StringVar(&body, "body", "", "request body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the request body from a file")
	cmd.MarkFlagRequired("endpoint")
	return cmd
}
