package main

import (
	"github.com/spf13/cobra"

	"sagemaker-adapter/cmd/app"
)

func main() {
	rootCmd := app.NewAdapterCommand()
	if err := rootCmd.Execute(); err != nil {
		cobra.CheckErr(err)
	}
}
