package cmd

import "github.com/spf13/cobra"

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage individual sandbox sessions",
}

func init() {
	rootCmd.AddCommand(sessionCmd)
}
