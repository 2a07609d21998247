// Command mealsnap is the terminal client: it batches photos through the
// recognition pipeline the same way the mobile app does, and exposes status
// and cancellation for scripting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mealsnap/mealsnap/internal/client"
	"github.com/mealsnap/mealsnap/internal/logger"
	"github.com/mealsnap/mealsnap/internal/model"
)

var (
	serverURL string
	ownerID   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mealsnap: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mealsnap",
		Short:        "MealSnap photo recognition client",
		Long:         `MealSnap CLI submits meal photos for recognition, polls them to completion, and can cancel a batch in flight.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "MealSnap API base URL")
	cmd.PersistentFlags().StringVar(&ownerID, "owner", "", "Owner ID to act as")
	cmd.AddCommand(
		newBatchCmd(),
		newStatusCmd(),
		newCancelCmd(),
	)
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		mealType string
		date     string
		locale   string
		comment  string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batch <photo.jpg> [photo.jpg...]",
		Short: "Submit photos and wait for recognition results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner is required")
			}
			log, err := logger.New("dev")
			if err != nil {
				return err
			}
			defer log.Sync()

			opts := client.DefaultBatchOptions()
			opts.MealType = mealType
			opts.Date = date
			opts.Locale = locale

			orch := client.NewOrchestrator(client.NewHTTPAPI(serverURL, ownerID), log, opts)
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				orch.Add(data, comment)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			done := orch.Start(ctx)

			select {
			case <-done:
			case <-ctx.Done():
				orch.Cancel("client timeout")
				<-done
			}

			failed := 0
			for i, p := range orch.Snapshot() {
				switch p.State {
				case client.LocalSuccess:
					fmt.Printf("%s (#%d): recognized\n", args[i], i+1)
					printResult(p.Result)
				case client.LocalCancelled:
					fmt.Printf("%s (#%d): cancelled\n", args[i], i+1)
				default:
					failed++
					if p.Err != nil {
						fmt.Printf("%s (#%d): failed: %s\n", args[i], i+1, p.Err.Message)
					} else {
						fmt.Printf("%s (#%d): failed\n", args[i], i+1)
					}
				}
			}
			if meal := orch.MealID(); meal != "" {
				fmt.Printf("meal: %s\n", meal)
			}
			if failed > 0 {
				return fmt.Errorf("%d photo(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mealType, "meal-type", "lunch", "Meal type (breakfast, lunch, dinner, snack)")
	cmd.Flags().StringVar(&date, "date", time.Now().Format("2006-01-02"), "Date the meal was eaten")
	cmd.Flags().StringVar(&locale, "locale", "en", "Locale hint for food names")
	cmd.Flags().StringVar(&comment, "comment", "", "Free-text hint passed to the recognizer")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall batch deadline")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-handle>",
		Short: "Query the status of a submitted photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner is required")
			}
			api := client.NewHTTPAPI(serverURL, ownerID)
			st, err := api.TaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("state: %s (queue=%s domain=%s)\n",
				model.Normalize(st.CoarseState, st.DomainStatus), st.CoarseState, st.DomainStatus)
			if st.Error != nil {
				fmt.Printf("error: %s: %s\n", st.Error.Code, st.Error.Message)
			}
			printResult(st.Result)
			return nil
		},
	}
}

func newCancelCmd() *cobra.Command {
	var (
		handles []string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "cancel [meal-id]",
		Short: "Cancel a meal's in-flight photos",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ownerID == "" {
				return fmt.Errorf("--owner is required")
			}
			if len(args) == 0 && len(handles) == 0 {
				return fmt.Errorf("a meal id or --task is required")
			}
			req := client.CancelRequest{
				IdempotencyKey: uuid.NewString(),
				TaskHandles:    handles,
				Reason:         reason,
			}
			if len(args) > 0 {
				req.AggregateID = args[0]
			}
			api := client.NewHTTPAPI(serverURL, ownerID)
			if err := api.Cancel(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Println("cancellation accepted")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&handles, "task", nil, "Task handle(s) to cancel")
	cmd.Flags().StringVar(&reason, "reason", "cli", "Reason recorded with the cancellation")
	return cmd
}

func printResult(r *model.RecognitionResult) {
	if r == nil {
		return
	}
	if len(r.Items) == 0 {
		fmt.Println("  (no food items)")
		return
	}
	for _, item := range r.Items {
		fmt.Printf("  - %s (%.0f g, %.0f kcal)\n", item.Name, item.Grams, item.Calories)
	}
}
