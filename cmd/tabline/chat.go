package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/tabline/internal/live/app"
	"github.com/aussiebroadwan/tabline/internal/live/bus"
	"github.com/aussiebroadwan/tabline/internal/live/domain"
)

func (c *cli) conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd, func(ctx context.Context, a *app.Application) error {
				if err := requireSession(a); err != nil {
					return err
				}
				list, err := a.Gateway.ListConversations(ctx)
				if err != nil {
					return err
				}
				a.Chat.SetConversations(list)

				out := cmd.OutOrStdout()
				for _, conv := range a.Chat.Conversations() {
					name := conv.Name
					if name == "" {
						name = string(conv.Type)
					}
					fmt.Fprintf(out, "%s\t%s\tunread=%d\n", conv.ID, name, conv.UnreadCount)
				}
				return nil
			})
		},
	}
}

func (c *cli) listenCmd() *cobra.Command {
	var (
		conversations []string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print incoming messages",
		Long: `listen keeps the live session open until interrupted. Messages from the
personal inbox are always printed; --conversation also follows a conversation
topic and its typing indicators.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd, func(ctx context.Context, a *app.Application) error {
				if err := requireSession(a); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				a.Coordinator.OnMessage(func(m domain.ChatMessage) {
					if asJSON {
						b, _ := json.Marshal(m)
						fmt.Fprintln(out, string(b))
						return
					}
					fmt.Fprintf(out, "[%s] %s: %s\n", m.ConversationID, sender(m), m.Content)
				})
				a.Coordinator.OnTyping(func(t domain.Typing) {
					if !asJSON && t.IsTyping {
						fmt.Fprintf(out, "[%s] %s is typing...\n", t.ConversationID, t.Username)
					}
				})
				a.Bus.OnDisconnect(func(ev bus.DisconnectEvent) {
					if !ev.Expected {
						fmt.Fprintln(cmd.ErrOrStderr(), "connection lost, reconnecting")
					}
				})
				a.Bus.OnError(func(err error) {
					fmt.Fprintln(cmd.ErrOrStderr(), "bus:", err)
				})

				for _, id := range conversations {
					go func() {
						if err := a.Coordinator.OpenConversation(ctx, id); err != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "follow %s: %v\n", id, err)
						}
					}()
				}

				return a.Run(ctx)
			})
		},
	}

	cmd.Flags().StringSliceVar(&conversations, "conversation", nil, "conversation id to follow (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON lines")
	return cmd
}

func (c *cli) sendCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a chat message over the live connection",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd, func(ctx context.Context, a *app.Application) error {
				if err := requireSession(a); err != nil {
					return err
				}

				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				// The broker checks the token once at CONNECT, so rotate an
				// expired one first.
				if a.Credentials.Credential().Expired(time.Now()) {
					if _, err := a.Gateway.Refresh(ctx); err != nil {
						return err
					}
				}

				cred := a.Credentials.Credential()
				if err := a.Bus.Connect(ctx, bus.Credentials{Token: cred.AccessToken, Subject: cred.SubjectID}); err != nil {
					return fmt.Errorf("connect: %w", err)
				}
				defer a.Bus.Disconnect()

				if err := a.Coordinator.SendMessage(args[0], strings.Join(args[1:], " ")); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent")
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "give up after this long")
	return cmd
}

func sender(m domain.ChatMessage) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return fmt.Sprintf("user %d", m.SenderID)
}
