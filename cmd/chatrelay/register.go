package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// openStore opens the configured store for one-shot commands.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.DBPath, logger)
}

func registerCmd() *cobra.Command {
	var noTrigger bool
	cmd := &cobra.Command{
		Use:   "register [jid] [name] [folder]",
		Short: "Opt a conversation in so its messages reach the engine",
		Long: `Registers a conversation id (see 'chatrelay chats' or /chatid in Telegram).
Attachments land in <attachments.root>/<folder>/uploads/.`,
		Example: "  chatrelay register tg:-100123 \"Family\" family",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			reg := domain.RegisteredConversation{
				ConversationID:  args[0],
				DisplayName:     args[1],
				StorageFolder:   args[2],
				RequiresTrigger: !noTrigger,
				AddedAt:         time.Now().UTC(),
			}
			if err := st.Register(cmd.Context(), reg); err != nil {
				return err
			}
			fmt.Printf("Registered %s as %q (folder %s, trigger required: %v)\n", reg.ConversationID, reg.DisplayName, reg.StorageFolder, reg.RequiresTrigger)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "forward every message, not only ones addressed to the assistant")
	return cmd
}

func unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister [jid]",
		Short: "Stop forwarding a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Unregister(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s is not registered", args[0])
				}
				return err
			}
			fmt.Printf("Unregistered %s\n", args[0])
			return nil
		},
	}
}

func chatsCmd() *cobra.Command {
	var limit int
	var registeredOnly bool
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List discovered conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			chats, err := st.ListChats(cmd.Context(), limit)
			if err != nil {
				return err
			}
			regs, err := st.RegisteredConversations(cmd.Context())
			if err != nil {
				return err
			}
			return printChats(chats, regs, registeredOnly)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of chats")
	cmd.Flags().BoolVar(&registeredOnly, "registered", false, "only show registered conversations")
	return cmd
}

func printChats(chats []domain.ChatInfo, regs map[string]domain.RegisteredConversation, registeredOnly bool) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JID\tNAME\tLAST ACTIVITY\tREGISTERED")
	shown := 0
	for _, c := range chats {
		if registeredOnly && !c.Registered {
			continue
		}
		registered := "-"
		if reg, ok := regs[c.ConversationID]; ok {
			registered = reg.StorageFolder
			if !reg.RequiresTrigger {
				registered += " (all messages)"
			}
		}
		last := "never"
		if !c.LastActivity.IsZero() {
			last = humanize.Time(c.LastActivity)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ConversationID, c.Name, last, registered)
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Println("\nNo chats yet. Run the gateway and send a message in a chat the bot can see.")
	}
	return nil
}
