package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var resumeUUID string

var sessionPromptCmd = &cobra.Command{
	Use:   "prompt <slug> <text>",
	Short: "Send a prompt to the AI assistant running inside a session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		slug, text := args[0], args[1]
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		cat := openCatalog()
		rec := requireSession(cat, slug)
		orch := orchestratorFor(cat, m, rec)

		resume := resumeUUID != ""
		sessionID := resumeUUID

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()

		convID, err := orch.Run(ctx, orchestratorRunOptions(text, resume, sessionID, out))
		if err != nil {
			fatalf("session prompt %s: %v", slug, err)
		}

		if !resume {
			if _, err := cat.AddConversation(slug, convID); err != nil {
				fmt.Printf("record conversation: %v\n", err)
			}
		}
		if _, err := cat.UpdateConversationExcerpt(slug, convID, text); err != nil {
			fmt.Printf("update conversation excerpt: %v\n", err)
		}
	},
}

func init() {
	sessionPromptCmd.Flags().StringVarP(&resumeUUID, "resume", "r", "", "Resume an existing conversation by its uuid")
	sessionCmd.AddCommand(sessionPromptCmd)
}
