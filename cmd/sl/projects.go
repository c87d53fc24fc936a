package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Submit and steer projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectApproveCmd())
	prj.AddCommand(projectScheduleCmd())
	prj.AddCommand(projectLeaderCmd())
	prj.AddCommand(projectSummaryCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectDeadlinesCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.CreateProjectOptions
	var duration int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a project for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DurationDays = optionalInt(cmd, "duration-days", duration)
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Type, "type", domain.TypeResearch, "research or contract")
	cmd.Flags().StringVar(&opts.Priority, "priority", domain.PriorityNormal, "normal, high or urgent")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&duration, "duration-days", 0, "planned duration in days")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	var q engine.ProjectQuery
	var stage string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Stage = domain.StageKey(stage)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Type", "Priority", "Status", "Current", "Created")
				for _, p := range items {
					tw.AppendRow([]any{p.ID, p.Name, p.Type, p.Priority, p.Status, p.Current.String(), p.CreatedAt.Format(time.DateOnly)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "", "pending, approved or archived")
	cmd.Flags().StringVar(&stage, "stage", "", "current stage filter")
	cmd.Flags().StringVar(&q.Role, "role", "", "projects waiting on this role")
	cmd.Flags().StringVar(&q.CreatedBy, "created-by", "", "submitter filter")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("%s  %s  [%s]  current: %s\n", v.ID, v.Name, v.Status, v.Current)
				tw := newTable("Stage", "Role", "Leader", "Completed", "By", "Files")
				for _, k := range e.Config.Graph().Flow() {
					rec := v.Stage(k)
					role := e.Config.GatingRole(k)
					leader, _ := v.Leader(role)
					when, by := "", ""
					if rec.CompletedTime != nil {
						when = rec.CompletedTime.Format(time.DateTime)
					}
					if rec.CompletedBy != nil {
						by = *rec.CompletedBy
					}
					tw.AppendRow([]any{k, role, leader, when, by, v.FileCounts[k]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve a pending project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Approve(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func projectScheduleCmd() *cobra.Command {
	var allot map[string]int
	cmd := &cobra.Command{
		Use:   "schedule <project-id>",
		Short: "Allot days per role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SetSchedule(ctx, args[0], actorID(), allot)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					for _, w := range res.Warnings {
						fmt.Println("warning:", w)
					}
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringToIntVar(&allot, "allot", nil, "role=days, repeatable")
	_ = cmd.MarkFlagRequired("allot")
	return cmd
}

func projectLeaderCmd() *cobra.Command {
	var role, leader string
	cmd := &cobra.Command{
		Use:   "leader <project-id>",
		Short: "Set or clear the primary leader of a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.SetLeader(ctx, args[0], role, leader, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v.Leaders)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role")
	cmd.Flags().StringVar(&leader, "leader", "", "leader actor id (empty clears)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func projectSummaryCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "summary <project-id>",
		Short: "Record the archive summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.SetSummary(ctx, args[0], text, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "summary text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Archive(ctx, args[0], summary, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "summary, unless already recorded")
	return cmd
}

func projectDeadlinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deadlines <project-id>",
		Short: "Show remaining days per role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Deadlines(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Role", "Remaining", "Class")
				for _, d := range items {
					remaining := "-"
					if d.Remaining != nil {
						remaining = fmt.Sprint(*d.Remaining)
					}
					tw.AppendRow([]any{d.Role, remaining, d.Class})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{Use: "stage", Short: "Complete stages"}
	st.AddCommand(&cobra.Command{
		Use:   "complete <project-id> <stage>",
		Short: "Mark a stage complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteStage(ctx, args[0], domain.StageKey(args[1]), actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s completed, now at %s\n", res.Project.ID, args[1], res.Project.Current)
				for _, n := range res.Notifications {
					to := n.RecipientUserID
					if to == "" {
						to = "role " + n.RecipientRole
					}
					fmt.Printf("  notified %s: %s\n", to, n.Type)
				}
				return nil
			})
		},
	})
	return st
}

func fileCmd() *cobra.Command {
	f := &cobra.Command{Use: "file", Short: "Stage file metadata"}
	var stage, name string
	attach := &cobra.Command{
		Use:   "attach <project-id>",
		Short: "Attach a file to a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				file, err := e.AttachFile(ctx, args[0], domain.StageKey(stage), name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(file)
			})
		},
	}
	attach.Flags().StringVar(&stage, "stage", "", "stage")
	attach.Flags().StringVar(&name, "name", "", "file name")
	_ = attach.MarkFlagRequired("stage")
	_ = attach.MarkFlagRequired("name")

	var listStage string
	list := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List stage files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListFiles(ctx, args[0], domain.StageKey(listStage))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Stage", "File", "By", "At")
				for _, it := range items {
					tw.AppendRow([]any{it.Stage, it.Filename, it.UploadedBy, it.UploadedAt.Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listStage, "stage", "", "stage filter")
	f.AddCommand(attach, list)
	return f
}

func uploadCmd() *cobra.Command {
	u := &cobra.Command{Use: "upload", Short: "Team contributions to development and engineering"}
	var stage string
	var files []string
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Upload files as a team member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				up, err := e.AddTeamUpload(ctx, args[0], domain.StageKey(stage), files, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(up)
			})
		},
	}
	add.Flags().StringVar(&stage, "stage", string(domain.StageDevelopment), "development or engineering")
	add.Flags().StringSliceVar(&files, "file", nil, "file name, repeatable")
	_ = add.MarkFlagRequired("file")

	integrate := &cobra.Command{
		Use:   "integrate <project-id> <upload-id>",
		Short: "Merge a team upload into the stage files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				up, err := e.IntegrateUpload(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(up)
			})
		},
	}
	u.AddCommand(add, integrate)
	return u
}
