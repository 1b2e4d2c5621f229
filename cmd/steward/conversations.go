package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/task"
)

func newConversationCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Start conversations, record turns, and link them to tasks",
	}

	create := &cobra.Command{
		Use:   "create <channel> [title]",
		Short: "Start a conversation on a channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"channel_id": args[0], "title": strings.Join(args[1:], " ")}
			var conv conversation.Conversation
			if err := c.post("/api/conversations", body, &conv); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created conversation %s on %s\n", conv.ID, conv.ChannelID)
			return nil
		},
	}

	var role string
	say := &cobra.Command{
		Use:   "say <conversation-id> <text>",
		Short: "Record an inbound turn on a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"content": strings.Join(args[1:], " "), "role": role}
			var turn conversation.Turn
			if err := c.post("/api/conversations/"+args[0]+"/turns", body, &turn); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recorded turn %s\n", turn.ID)
			return nil
		},
	}
	say.Flags().StringVar(&role, "role", string(conversation.RoleUser), "turn author: user, assistant or system")

	var limit int
	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation's turns and linked tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/conversations/" + args[0] + "/turns"
			if limit > 0 {
				path += "?" + url.Values{"limit": {fmt.Sprint(limit)}}.Encode()
			}
			var turns []conversation.Turn
			if err := c.get(path, &turns); err != nil {
				return err
			}
			var tasks []task.Task
			if err := c.get("/api/conversations/"+args[0]+"/tasks", &tasks); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range turns {
				fmt.Fprintf(w, "%s %-9s %-8s %s\n", t.CreatedAt.Local().Format(time.DateTime), t.Role, t.Direction, t.Content)
			}
			if len(tasks) > 0 {
				fmt.Fprintln(w)
				printTasks(w, tasks)
			}
			return nil
		},
	}
	show.Flags().IntVar(&limit, "limit", 0, "only the latest n turns")

	link := &cobra.Command{
		Use:   "link <conversation-id> <task-id>",
		Short: "Report a task's outcome into a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"conversation_id": args[0]}
			if err := c.post("/api/tasks/"+args[1]+"/conversations", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked task %s to conversation %s\n", args[1], args[0])
			return nil
		},
	}

	cmd.AddCommand(create, say, show, link)
	return cmd
}
