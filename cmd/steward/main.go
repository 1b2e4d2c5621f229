// Command steward is the steward CLI client.
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/internal/version"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/task"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL string
		token     string
	)
	cli := &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}

	root := &cobra.Command{
		Use:          "steward",
		Short:        "steward CLI - manage tasks on a stewardd server",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
			cli.Token = token
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("STEWARD_SERVER", defaultServer), "stewardd server URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("STEWARD_TOKEN"), "JWT auth token (or $STEWARD_TOKEN)")

	root.AddCommand(
		newVersionCmd(),
		newLoginCmd(cli),
		newStatusCmd(cli),
		newTasksCmd(cli),
		newTaskCmd(cli),
		newChannelsCmd(cli),
		newConversationCmd(cli),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("steward"))
		},
	}
}

func newLoginCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "Obtain an auth token; export it as STEWARD_TOKEN",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Token string `json:"token"`
			}
			body := map[string]string{"username": args[0], "password": args[1]}
			if err := c.post("/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}
}

func newStatusCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st api.Status
			if err := c.get("/api/status", &st); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "status:  %s\n", st.Status)
			fmt.Fprintf(w, "version: %s\n", st.Version)
			fmt.Fprintf(w, "uptime:  %s\n", st.Uptime)
			if s := st.Scheduler; s != nil {
				fmt.Fprintf(w, "scheduler: running=%t sweeps=%d dispatched=%d failures=%d reconciled=%d\n",
					s.Running, s.Sweeps, s.Dispatched, s.Failures, s.Reconciled)
			}
			return nil
		},
	}
}

func newTasksCmd(c *Client) *cobra.Command {
	var (
		status         string
		includeDeleted bool
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if includeDeleted {
				q.Set("include_deleted", "true")
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []task.Task
			if err := c.get(path, &tasks); err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "include deleted tasks")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to list")
	return cmd
}

func printTasks(w io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tTYPE\tSTATUS\tSCHEDULED")
	for _, t := range tasks {
		sched := "-"
		if t.ScheduledFor != nil {
			sched = t.ScheduledFor.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, truncate(t.Title, 30), t.Type, t.Status, sched)
	}
	tw.Flush()
}

func newTaskCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and control a single task",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := c.get("/api/tasks/"+args[0], &t); err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), &t)
			return nil
		},
	}

	var (
		instructions string
		at           string
		channelIDs   []string
		content      string
	)
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task; immediate tasks start right away",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := task.CreateInput{
				Title:        strings.Join(args, " "),
				Instructions: instructions,
				Type:         task.TypeImmediate,
				SourceType:   task.SourceManual,
				CreatedBy:    task.ActorUser,
			}
			if at != "" {
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				in.Type = task.TypeScheduled
				in.ScheduledFor = &when
			}
			for _, ch := range channelIDs {
				in.Delivery = append(in.Delivery, task.DeliveryAction{Channel: ch, Content: content})
			}
			var t task.Task
			if err := c.post("/api/tasks", in, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task %s (%s)\n", t.ID, t.Type)
			return nil
		},
	}
	create.Flags().StringVarP(&instructions, "instructions", "i", "", "instructions for the brain")
	create.Flags().StringVar(&at, "at", "", "schedule for this RFC3339 time instead of running now")
	create.Flags().StringSliceVar(&channelIDs, "deliver", nil, "channel ids to deliver to")
	create.Flags().StringVar(&content, "content", "", "pre-composed delivery text (skips the brain)")

	action := func(use, short, verb string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.post("/api/tasks/"+args[0]+"/"+use, nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", args[0], verb)
				return nil
			},
		}
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.do(http.MethodDelete, "/api/tasks/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s deleted\n", args[0])
			return nil
		},
	}

	logCmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Print a task's execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var recs []task.LogRecord
			if err := c.get("/api/tasks/"+args[0]+"/log", &recs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range recs {
				fmt.Fprintf(w, "--- #%d %s %s\n%s\n", r.Turn, r.Role, r.Timestamp.Local().Format(time.DateTime), r.Content)
			}
			return nil
		},
	}

	cmd.AddCommand(get, create, del, logCmd,
		action("run", "Run a pending task now", "dispatched"),
		action("pause", "Pause a pending task", "paused"),
		action("resume", "Resume a paused task", "resumed"),
	)
	return cmd
}

func printTask(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "id:        %s\n", t.ID)
	fmt.Fprintf(w, "title:     %s\n", t.Title)
	fmt.Fprintf(w, "type:      %s\n", t.Type)
	fmt.Fprintf(w, "status:    %s\n", t.Status)
	if t.ScheduledFor != nil {
		fmt.Fprintf(w, "scheduled: %s\n", t.ScheduledFor.Local().Format(time.DateTime))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "error:     %s\n", t.Error)
	}
	for _, item := range t.Work {
		fmt.Fprintf(w, "work:      [%s] %s\n", item.Status, item.Description)
	}
	for _, a := range t.Delivery {
		fmt.Fprintf(w, "deliver:   [%s] %s %s\n", a.Status, a.Channel, a.Recipient)
	}
}

func newChannelsCmd(c *Client) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List delivery channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/channels"
			if kind != "" {
				path += "?" + url.Values{"kind": {kind}}.Encode()
			}
			var chans []channel.Config
			if err := c.get(path, &chans); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tFORMAT\tOWNER")
			for _, ch := range chans {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ch.ID, ch.DisplayName(), ch.Kind, ch.Format, ch.Owner)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only channels of this kind (webhook, file, log, redis)")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
