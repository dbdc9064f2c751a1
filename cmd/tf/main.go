package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskforge/internal/config"
	"taskforge/internal/db"
	"taskforge/internal/domain"
	"taskforge/internal/engine"
	"taskforge/internal/genai"
	"taskforge/internal/llm"
	"taskforge/internal/migrate"
	"taskforge/internal/repo"
	"taskforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskforge CLI",
	Long: `Taskforge turns plain-language intent into backlog artifacts.
- Workspace: the .taskforge directory holding the SQLite database; taskforge.yml next to it configures the model backend, prompts and categories.
- Stories: user stories (as a <role> I want <goal> so that <reason>) with story points and an effort total derived from their tasks.
- Tasks: work items with priority, status, category, an effort estimate in hours and an optional risk audit.
- Generation: 'tf story generate' drafts a story from an idea, 'tf story generate-tasks' decomposes a story, 'tf task enrich' fills the missing fields of a task.
- Event log: diary of changes and generation runs, view with 'tf log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else {
				fmt.Printf("Keeping existing %s\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Database ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{
		Use:   "story",
		Short: "Manage user stories",
		Long:  "User stories carry project, role, goal and reason plus story points (1-8). Their effort total is recomputed from attached tasks, never set directly.",
	}
	story.AddCommand(storyCreateCmd())
	story.AddCommand(storyListCmd())
	story.AddCommand(storyShowCmd())
	story.AddCommand(storyDeleteCmd())
	story.AddCommand(storyGenerateCmd())
	story.AddCommand(storyGenerateTasksCmd())
	return story
}

func storyCreateCmd() *cobra.Command {
	var s domain.UserStory
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user story",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateStory(ctx, s)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&s.Project, "project", "", "project name")
	cmd.Flags().StringVar(&s.Role, "role", "", "who the story is for")
	cmd.Flags().StringVar(&s.Goal, "goal", "", "what they want")
	cmd.Flags().StringVar(&s.Reason, "reason", "", "why they want it")
	cmd.Flags().StringVar(&s.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&s.Priority, "priority", "", "priority (low, medium, high, blocking)")
	cmd.Flags().IntVar(&s.StoryPoints, "points", 1, "story points (1-8)")
	cmd.Flags().Float64Var(&s.EffortHours, "effort-hours", 0, "initial effort estimate")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func storyListCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List user stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stories, err := e.ListStories(ctx, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stories)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Goal", "Priority", "Points", "Hours"})
				for _, s := range stories {
					tw.AppendRow(table.Row{s.ID, s.Project, s.Goal, s.Priority, s.StoryPoints, s.EffortHoursTotal})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max stories")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset")
	return cmd
}

func storyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStory(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func storyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user story and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteStory(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted story %d\n", id)
				return nil
			})
		},
	}
	return cmd
}

func storyGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <idea...>",
		Short: "Draft a user story from an idea",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idea := strings.TrimSpace(strings.Join(args, " "))
			if idea == "" {
				return fmt.Errorf("idea text is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GenerateStory(ctx, idea)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func storyGenerateTasksCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "generate-tasks <id>",
		Short: "Decompose a story into tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results, err := e.GenerateTasksForStory(ctx, id, count)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Hours", "Stages"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Task.ID, r.Task.Title, deref(r.Task.Category), effortOf(r.Task), outcomeSummary(r.Outcomes)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "number of tasks to generate")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work items. Fields left empty at creation can be filled later with 'tf task enrich' (description, category, effort, audit stages).",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskEnrichCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var t domain.Task
	var description, category string
	var effort float64
	var storyID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("description") {
				t.Description = &description
			}
			if cmd.Flags().Changed("category") {
				t.Category = &category
			}
			if cmd.Flags().Changed("effort-hours") {
				t.EffortHours = &effort
			}
			if cmd.Flags().Changed("story") {
				t.UserStoryID = &storyID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateTask(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&t.Title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&t.Priority, "priority", "", "priority (low, medium, high, blocking)")
	cmd.Flags().StringVar(&t.Status, "status", "", "status (pending, in_progress, in_review, completed)")
	cmd.Flags().StringVar(&t.AssignedTo, "assigned-to", "", "assignee")
	cmd.Flags().StringVar(&category, "category", "", "work category")
	cmd.Flags().Float64Var(&effort, "effort-hours", 0, "effort estimate in hours")
	cmd.Flags().Int64Var(&storyID, "story", 0, "attach to user story id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("assigned-to")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var storyID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("story") {
				f.StoryID = &storyID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Category", "Hours", "Assignee", "Story"})
				for _, t := range tasks {
					story := ""
					if t.UserStoryID != nil {
						story = strconv.FormatInt(*t.UserStoryID, 10)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, deref(t.Category), effortOf(t), t.AssignedTo, story})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&storyID, "story", 0, "story id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max tasks")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "offset")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, priority, status, assignedTo, category string
	var effort float64
	var storyID int64
	var detach bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("title") {
					t.Title = title
				}
				if cmd.Flags().Changed("description") {
					t.Description = &description
				}
				if cmd.Flags().Changed("priority") {
					t.Priority = priority
				}
				if cmd.Flags().Changed("status") {
					t.Status = status
				}
				if cmd.Flags().Changed("assigned-to") {
					t.AssignedTo = assignedTo
				}
				if cmd.Flags().Changed("category") {
					t.Category = &category
				}
				if cmd.Flags().Changed("effort-hours") {
					t.EffortHours = &effort
				}
				if cmd.Flags().Changed("story") {
					t.UserStoryID = &storyID
				}
				if detach {
					t.UserStoryID = nil
				}
				res, err := e.UpdateTask(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee")
	cmd.Flags().StringVar(&category, "category", "", "work category")
	cmd.Flags().Float64Var(&effort, "effort-hours", 0, "effort estimate in hours")
	cmd.Flags().Int64Var(&storyID, "story", 0, "attach to user story id")
	cmd.Flags().BoolVar(&detach, "detach", false, "detach from its user story")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteTask(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted task %d\n", id)
				return nil
			})
		},
	}
	return cmd
}

func taskEnrichCmd() *cobra.Command {
	var stages []string
	cmd := &cobra.Command{
		Use:   "enrich <id>",
		Short: "Fill missing task fields with the model",
		Long:  "Runs the requested stages (description, category, effort, audit) against the configured model backend and persists the result. Without --stages all stages run. Fields already set are left alone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var tracks []genai.Track
			for _, s := range stages {
				tracks = append(tracks, genai.Track(strings.TrimSpace(s)))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, outcomes, err := e.EnrichTask(ctx, id, tracks)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "outcomes": outcomes})
				}
				for _, o := range outcomes {
					if o.OK {
						fmt.Printf("%s: ok\n", o.Kind)
					} else {
						fmt.Printf("%s: failed (%s)\n", o.Kind, o.Reason)
					}
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringSliceVar(&stages, "stages", nil, "stages to run (description, category, effort, audit)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger, err := buildLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			gateway, err := llm.New(cfg, logger)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, gateway, logger)
			e.Actor = viper.GetString("actor-id")
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskforge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	gateway, err := llm.New(cfg, logger)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, gateway, logger)
	e.Actor = viper.GetString("actor-id")
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func buildLogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func effortOf(t domain.Task) string {
	if t.EffortHours == nil {
		return ""
	}
	return strconv.FormatFloat(*t.EffortHours, 'f', -1, 64)
}

func outcomeSummary(outcomes []genai.Outcome) string {
	var parts []string
	for _, o := range outcomes {
		state := "ok"
		if !o.OK {
			state = "failed"
		}
		parts = append(parts, fmt.Sprintf("%s:%s", o.Kind, state))
	}
	return strings.Join(parts, " ")
}
