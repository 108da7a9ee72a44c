package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/duplikit/duplikit/pkg/client"
	"github.com/spf13/cobra"
)

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.New(addr)
}

// Session commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage clone sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new clone session",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.CreateSessionRequest{}
		req.Label, _ = cmd.Flags().GetString("label")
		req.SourceNodeID, _ = cmd.Flags().GetString("source-node")
		req.SourceDevice, _ = cmd.Flags().GetString("source-device")
		req.TargetNodeID, _ = cmd.Flags().GetString("target-node")
		req.TargetDevice, _ = cmd.Flags().GetString("target-device")
		req.CloneMode, _ = cmd.Flags().GetString("mode")
		req.ResizeMode, _ = cmd.Flags().GetString("resize")
		req.StagingBackendID, _ = cmd.Flags().GetString("staging-backend")
		req.CreatedBy = os.Getenv("USER")

		session, err := apiClient(cmd).CreateSession(context.Background(), req)
		if err != nil {
			return err
		}

		fmt.Printf("Session %s created (%s, %s)\n", session.ID, session.CloneMode, session.Status)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clone sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := apiClient(cmd).ListSessions(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLABEL\tMODE\tSTATUS\tPROGRESS\tRATE")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Label, s.CloneMode, s.Status,
				formatPercent(s.Percent), formatRate(s.RateBPS))
		}
		return w.Flush()
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one clone session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := apiClient(cmd).GetSession(context.Background(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a clone session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelSession(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("Session cancelled")
		return nil
	},
	Args: cobra.ExactArgs(1),
}

func init() {
	sessionCmd.PersistentFlags().String("server", "http://127.0.0.1:8700", "Control plane address")

	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionCancelCmd)

	sessionCreateCmd.Flags().String("label", "", "Human-readable session label")
	sessionCreateCmd.Flags().String("source-node", "", "Source node id")
	sessionCreateCmd.Flags().String("source-device", "", "Source block device")
	sessionCreateCmd.Flags().String("target-node", "", "Target node id")
	sessionCreateCmd.Flags().String("target-device", "", "Target block device")
	sessionCreateCmd.Flags().String("mode", "direct", "Clone mode: direct or staged")
	sessionCreateCmd.Flags().String("resize", "none", "Resize mode: none, shrink_source or grow_target")
	sessionCreateCmd.Flags().String("staging-backend", "", "Staging backend id (staged mode)")
	sessionCreateCmd.MarkFlagRequired("source-node")
	sessionCreateCmd.MarkFlagRequired("source-device")
}

// Plan commands
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage resize plans",
}

var planGetCmd = &cobra.Command{
	Use:   "get SESSION",
	Short: "Show the session's resize plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := apiClient(cmd).GetPlan(context.Background(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	},
}

var planSuggestCmd = &cobra.Command{
	Use:   "suggest SESSION",
	Short: "Compute and store a resize plan for the target disk size",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt64("target-size")
		plan, err := apiClient(cmd).SuggestPlan(context.Background(), args[0], size)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	},
}

var planApplyCmd = &cobra.Command{
	Use:   "apply SESSION FILE",
	Short: "Replace the session's plan with one from a JSON file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}

		var plan client.ResizePlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("failed to parse plan: %w", err)
		}

		if err := apiClient(cmd).UpdatePlan(context.Background(), args[0], &plan); err != nil {
			return err
		}
		fmt.Println("Plan updated")
		return nil
	},
}

func init() {
	planCmd.PersistentFlags().String("server", "http://127.0.0.1:8700", "Control plane address")

	planCmd.AddCommand(planGetCmd)
	planCmd.AddCommand(planSuggestCmd)
	planCmd.AddCommand(planApplyCmd)

	planSuggestCmd.Flags().Int64("target-size", 0, "Target disk size in bytes")
	planSuggestCmd.MarkFlagRequired("target-size")
}

// Events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream session events",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		return apiClient(cmd).WatchEvents(context.Background(), sessionID, func(e *client.Event) {
			fmt.Printf("%s  %-20s %s  %s\n",
				e.Timestamp.Format("15:04:05"), e.Type, e.SessionID, e.Message)
		})
	},
}

func init() {
	eventsCmd.Flags().String("server", "http://127.0.0.1:8700", "Control plane address")
	eventsCmd.Flags().String("session", "", "Only events for this session")
}

func formatPercent(p float64) string {
	if p < 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", p)
}

func formatRate(bps float64) string {
	switch {
	case bps <= 0:
		return "-"
	case bps >= 1<<30:
		return fmt.Sprintf("%.1f GiB/s", bps/float64(1<<30))
	case bps >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bps/float64(1<<20))
	case bps >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bps/float64(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", bps)
	}
}
