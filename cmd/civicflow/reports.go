package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/app"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
)

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Work with reports (act as a user via --as)"}
	rep.AddCommand(reportCreateCmd())
	rep.AddCommand(reportShowCmd())
	rep.AddCommand(reportListCmd())
	rep.AddCommand(reportAssignmentsCmd())
	rep.AddCommand(reportNotesCmd("review", "Move an OPEN report into review", func(ctx context.Context, e engine.Engine, actor, id int64, notes string) (domain.Report, error) {
		return e.ReviewReport(ctx, actor, id, notes)
	}))
	rep.AddCommand(reportNotesCmd("approve", "Approve completed work and close the report", func(ctx context.Context, e engine.Engine, actor, id int64, notes string) (domain.Report, error) {
		return e.ApproveCompletion(ctx, actor, id, notes)
	}))
	rep.AddCommand(reportReasonCmd("reject-completion", "Send completed work back for rework", true, func(ctx context.Context, e engine.Engine, actor, id int64, reason string) (domain.Report, error) {
		return e.RejectCompletion(ctx, actor, id, reason)
	}))
	rep.AddCommand(reportReasonCmd("reject", "Reject a report", false, func(ctx context.Context, e engine.Engine, actor, id int64, reason string) (domain.Report, error) {
		return e.RejectReport(ctx, actor, id, reason)
	}))
	rep.AddCommand(reportReasonCmd("cancel", "Cancel a report", false, func(ctx context.Context, e engine.Engine, actor, id int64, reason string) (domain.Report, error) {
		return e.CancelReport(ctx, actor, id, reason)
	}))
	rep.AddCommand(reportAssignCmd("team", func(ctx context.Context, e engine.Engine, actor, id, team int64, notes string) (domain.Assignment, error) {
		return e.AssignToTeam(ctx, actor, id, team, notes)
	}))
	rep.AddCommand(reportAssignCmd("user", func(ctx context.Context, e engine.Engine, actor, id, user int64, notes string) (domain.Assignment, error) {
		return e.AssignToUser(ctx, actor, id, user, notes)
	}))
	rep.AddCommand(reportAcceptCmd())
	rep.AddCommand(reportCompleteCmd())
	rep.AddCommand(reportCancelAssignmentCmd())
	rep.AddCommand(reportForwardCmd())
	return rep
}

// withActor runs fn with the --as user and the report id from args[0].
func withActor(cmd *cobra.Command, args []string, fn func(ctx context.Context, e engine.Engine, actor, id int64) error) error {
	actor, err := actorID()
	if err != nil {
		return err
	}
	var id int64
	if len(args) > 0 {
		if id, err = parseID(args[0]); err != nil {
			return err
		}
	}
	return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine, actor, id)
	})
}

func reportCreateCmd() *cobra.Command {
	var in engine.CreateReportInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a new report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, nil, func(ctx context.Context, e engine.Engine, actor, _ int64) error {
				r, err := e.CreateReport(ctx, actor, in)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().Int64Var(&in.DepartmentID, "department", 0, "owning department id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a report with its active assignment and allowed operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				view, err := e.GetReport(ctx, actor, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				if err := printReport(view.Report); err != nil {
					return err
				}
				if view.ActiveAssignment != nil {
					fmt.Fprintln(stdout, "Active assignment:")
					printAssignments([]domain.Assignment{*view.ActiveAssignment})
				}
				fmt.Fprintln(stdout, "Allowed operations:", view.Operations)
				return nil
			})
		},
	}
}

func reportListCmd() *cobra.Command {
	var status string
	var in engine.ListReportsInput
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = domain.ReportStatus(status)
			return withActor(cmd, nil, func(ctx context.Context, e engine.Engine, actor, _ int64) error {
				items, err := e.ListReports(ctx, actor, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Sub-status", "Department", "Created by", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, deref(r.SubStatus), r.CurrentDepartmentID, r.CreatedByUserID, r.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().Int64Var(&in.DepartmentID, "department", 0, "department filter")
	cmd.Flags().IntVar(&in.Limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&in.AfterID, "after", 0, "list reports with ids below this one")
	return cmd
}

func reportAssignmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assignments <id>",
		Short: "List every assignment a report has had",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				items, err := e.ListAssignments(ctx, actor, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printAssignments(items)
				return nil
			})
		},
	}
}

type reportOp func(ctx context.Context, e engine.Engine, actor, id int64, text string) (domain.Report, error)

func reportNotesCmd(use, short string, op reportOp) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				r, err := op(ctx, e, actor, id, notes)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes recorded in status history")
	return cmd
}

func reportReasonCmd(use, short string, required bool, op reportOp) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				r, err := op(ctx, e, actor, id, reason)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in status history")
	if required {
		_ = cmd.MarkFlagRequired("reason")
	}
	return cmd
}

func reportAssignCmd(target string, assign func(ctx context.Context, e engine.Engine, actor, id, assignee int64, notes string) (domain.Assignment, error)) *cobra.Command {
	var assignee int64
	var notes string
	cmd := &cobra.Command{
		Use:   "assign-" + target + " <id>",
		Short: "Assign a report under review to a " + target,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				a, err := assign(ctx, e, actor, id, assignee, notes)
				if err != nil {
					return err
				}
				return printAssignment(a)
			})
		},
	}
	cmd.Flags().Int64Var(&assignee, target, 0, "assignee "+target+" id")
	cmd.Flags().StringVar(&notes, "notes", "", "assignment notes")
	_ = cmd.MarkFlagRequired(target)
	return cmd
}

func reportAcceptCmd() *cobra.Command {
	var notes, eta string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept the active assignment and start work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.AcceptInput{Notes: notes}
			if eta != "" {
				t, err := time.Parse(time.RFC3339, eta)
				if err != nil {
					return fmt.Errorf("--eta must be RFC3339: %w", err)
				}
				in.EstimatedCompletionAt = &t
			}
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				r, err := e.AcceptAssignment(ctx, actor, id, in)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "acceptance notes")
	cmd.Flags().StringVar(&eta, "eta", "", "estimated completion time (RFC3339)")
	return cmd
}

func reportCompleteCmd() *cobra.Command {
	var in engine.CompleteInput
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Submit finished work with proof media for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				r, err := e.CompleteWork(ctx, actor, id, in)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().StringVar(&in.ResolutionNotes, "notes", "", "resolution notes")
	cmd.Flags().Int64SliceVar(&in.ProofMediaIDs, "media", nil, "proof media ids (comma separated)")
	_ = cmd.MarkFlagRequired("notes")
	_ = cmd.MarkFlagRequired("media")
	return cmd
}

func reportCancelAssignmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-assignment <id>",
		Short: "Withdraw an assignment that has not been accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				a, err := e.CancelAssignment(ctx, actor, id)
				if err != nil {
					return err
				}
				return printAssignment(a)
			})
		},
	}
}

func reportForwardCmd() *cobra.Command {
	var dept int64
	var reason string
	cmd := &cobra.Command{
		Use:   "forward <id>",
		Short: "Move a report to another department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				r, err := e.ForwardDepartment(ctx, actor, id, dept, reason)
				if err != nil {
					return err
				}
				return printReport(r)
			})
		},
	}
	cmd.Flags().Int64Var(&dept, "department", 0, "target department id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the report moves")
	_ = cmd.MarkFlagRequired("department")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func historyCmd() *cobra.Command {
	h := &cobra.Command{Use: "history", Short: "Read report history"}
	h.AddCommand(&cobra.Command{
		Use:   "status <id>",
		Short: "Status changes, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				items, err := e.GetStatusHistory(ctx, actor, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"At", "From", "To", "By", "Notes"})
				for _, entry := range items {
					from := ""
					if entry.PreviousStatus != nil {
						from = stateLabel(*entry.PreviousStatus, entry.PreviousSubStatus)
					}
					tw.AppendRow(table.Row{entry.ChangedAt.Format(time.RFC3339), from, stateLabel(entry.NewStatus, entry.NewSubStatus), entry.ChangedByUserID, deref(entry.Notes)})
				}
				tw.Render()
				return nil
			})
		},
	})
	h.AddCommand(&cobra.Command{
		Use:   "department <id>",
		Short: "Department forwards, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd, args, func(ctx context.Context, e engine.Engine, actor, id int64) error {
				items, err := e.GetDepartmentHistory(ctx, actor, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"At", "From", "To", "By", "Reason"})
				for _, entry := range items {
					tw.AppendRow(table.Row{entry.ChangedAt.Format(time.RFC3339), entry.OldDepartmentID, entry.NewDepartmentID, entry.ChangedByUserID, entry.Reason})
				}
				tw.Render()
				return nil
			})
		},
	})
	return h
}

func stateLabel(s domain.ReportStatus, sub *domain.SubStatus) string {
	if sub == nil {
		return string(s)
	}
	return string(s) + "/" + string(*sub)
}

func printReport(r domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", r.ID},
		{"Title", r.Title},
		{"Status", stateLabel(r.Status, r.SubStatus)},
		{"Department", r.CurrentDepartmentID},
		{"Created by", r.CreatedByUserID},
		{"Resolution", deref(r.ResolutionNotes)},
		{"Resolved at", formatTime(r.ResolvedAt)},
		{"Updated", r.UpdatedAt.Format(time.RFC3339)},
	})
	tw.Render()
	return nil
}

func printAssignment(a domain.Assignment) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	printAssignments([]domain.Assignment{a})
	return nil
}

func printAssignments(items []domain.Assignment) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Assignee", "Status", "Assigned", "Accepted", "Completed", "ETA"})
	for _, a := range items {
		tw.AppendRow(table.Row{
			a.ID,
			fmt.Sprintf("%s:%d", a.AssigneeType, a.AssigneeID),
			a.Status,
			a.AssignedAt.Format(time.RFC3339),
			formatTime(a.AcceptedAt),
			formatTime(a.CompletedAt),
			formatTime(a.EstimatedCompletionAt),
		})
	}
	tw.Render()
}
