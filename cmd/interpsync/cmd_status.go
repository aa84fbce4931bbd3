package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/types"
)

func init() {
	rootCmd.AddCommand(statusCmd, sendCmd, messagesCmd, reconnectCmd, healthCmd)
	statusCmd.AddCommand(statusGetCmd, statusSetCmd)
	sendCmd.Flags().String("reply-to", "", "parent message id")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read or change an owner's availability",
}

func printStatus(st types.EntityStatus) {
	pending := ""
	if st.Pending {
		pending = " (pending)"
	}
	confirmed := "never"
	if !st.LastConfirmedAt.IsZero() {
		confirmed = st.LastConfirmedAt.Local().Format(time.DateTime)
	}
	fmt.Fprintf(os.Stdout, "%s: %s%s, confirmed %s\n", st.OwnerID, st.Value, pending, confirmed)
}

var statusGetCmd = &cobra.Command{
	Use:   "get <owner>",
	Short: "Show an owner's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st types.EntityStatus
		if err := newDaemonClient().get("/api/status/"+url.PathEscape(args[0]), &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var statusSetCmd = &cobra.Command{
	Use:   "set <owner> <status>",
	Short: "Set an owner's status and wait for confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := types.ParseStatusValue(args[1])
		if err != nil {
			return err
		}
		var st types.EntityStatus
		body := map[string]string{"status": string(value)}
		if err := newDaemonClient().post("/api/status/"+url.PathEscape(args[0]), body, &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel> <message>",
	Short: "Send a chat message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("reply-to")
		body := map[string]string{"content": args[1], "parent_message_id": parent}
		var msg types.Message
		if err := newDaemonClient().post("/api/channels/"+url.PathEscape(args[0])+"/messages", body, &msg); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Sent %s.\n", msg.ID)
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <channel>",
	Short: "Show the loaded messages of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var msgs []types.Message
		if err := newDaemonClient().get("/api/channels/"+url.PathEscape(args[0])+"/messages", &msgs); err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tFROM\tMESSAGE")
		for _, m := range msgs {
			from := m.SenderDisplayName
			if from == "" {
				from = string(m.SenderID)
			}
			if m.Pending {
				from += " (sending)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.Timestamp.Local().Format(time.DateTime), from, m.Content)
		}
		return w.Flush()
	},
}

func printHealth(h realtime.Health) {
	switch {
	case h.Exhausted:
		fmt.Println("Realtime: failed, retries exhausted")
	case h.Connected:
		fmt.Println("Realtime: connected")
	default:
		fmt.Printf("Realtime: reconnecting for %s\n", h.ReconnectingFor.Round(time.Second))
	}
	if !h.LastHeartbeatAt.IsZero() {
		fmt.Printf("Last heartbeat: %s\n", h.LastHeartbeatAt.Local().Format(time.DateTime))
	}
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Force every realtime subscription to reconnect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var h realtime.Health
		if err := newDaemonClient().post("/api/reconnect", nil, &h); err != nil {
			return err
		}
		printHealth(h)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the daemon's connection health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Status     string          `json:"status"`
			Connection realtime.Health `json:"connection"`
		}
		if err := newDaemonClient().get("/health", &resp); err != nil {
			return err
		}
		printHealth(resp.Connection)
		return nil
	},
}
