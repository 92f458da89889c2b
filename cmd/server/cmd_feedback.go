package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"repair-service/internal/models"
	"repair-service/internal/signature"

	"github.com/spf13/cobra"
)

var feedbackFlags struct {
	constraint string
	path       string
	category   string
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Inspect the feedback ledger",
}

var feedbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the feedback recorded for a violation signature",
	RunE:  runFeedbackList,
}

func init() {
	f := feedbackListCmd.Flags()
	f.StringVar(&feedbackFlags.constraint, "constraint", "", "Constraint id, e.g. sh:MinCountConstraintComponent (required)")
	f.StringVar(&feedbackFlags.path, "path", "", "Property path")
	f.StringVar(&feedbackFlags.category, "category", "", "Violation category (inferred from the constraint when empty)")

	_ = feedbackListCmd.MarkFlagRequired("constraint")

	feedbackCmd.AddCommand(feedbackListCmd)
}

func runFeedbackList(cmd *cobra.Command, _ []string) error {
	store, logger, err := loadStore()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer store.Close()

	category := models.InferCategory(feedbackFlags.constraint)
	if feedbackFlags.category != "" {
		category = models.ParseCategory(feedbackFlags.category)
	}
	sig := signature.Sign(models.Violation{
		ConstraintID: feedbackFlags.constraint,
		PropertyPath: feedbackFlags.path,
		Category:     category,
	})

	entries := store.GetFeedback(sig)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signature: %s\n", sig.Key())
	if len(entries) == 0 {
		fmt.Fprintln(out, "No feedback recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tACTION\tREPAIR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.RepairStatement)
	}
	return w.Flush()
}
