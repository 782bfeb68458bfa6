package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	logsFollow bool
	logsLines  int
)

var sessionLogsCmd = &cobra.Command{
	Use:   "logs <slug> <process>",
	Short: "Show or follow one overmind-managed process's output",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		slug, process := args[0], args[1]
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		cat := openCatalog()
		rec := requireSession(cat, slug)
		orch := orchestratorFor(cat, m, rec)

		if logsFollow {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			out := bufio.NewWriter(os.Stdout)
			defer out.Flush()
			err := orch.StreamLogs(ctx, process, func(chunk []byte) {
				out.Write(chunk)
				out.Flush()
			})
			if err != nil {
				fatalf("session logs %s %s: %v", slug, process, err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		output, err := orch.Logs(ctx, process, logsLines)
		if err != nil {
			fatalf("session logs %s %s: %v", slug, process, err)
		}
		fmt.Print(output)
	},
}

func init() {
	sessionLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow the process's output")
	sessionLogsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of trailing lines to show")
	sessionCmd.AddCommand(sessionLogsCmd)
}
