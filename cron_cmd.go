package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/batalabs/masix/internal/cron"
	"github.com/batalabs/masix/internal/store"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and edit reminders without a running instance",
	}
	cmd.PersistentFlags().String("account", "", "Account tag the reminders belong to (default: first Telegram account)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active reminders",
		Args:  cobra.NoArgs,
		RunE:  runCronList,
	}
	list.Flags().String("recipient", "", "Only list reminders of this chat")

	add := &cobra.Command{
		Use:   "add <request>",
		Short: `Create a reminder, e.g. masix cron add --recipient 42 'tomorrow at 9 "Team sync"'`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCronAdd,
	}
	add.Flags().String("recipient", "", "Chat id that receives the reminder")
	add.Flags().String("channel", "telegram", "Channel the reminder is delivered on (telegram or sms)")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a reminder",
		Args:  cobra.ExactArgs(1),
		RunE:  runCronCancel,
	}

	cmd.AddCommand(list, add, cancel)
	return cmd
}

// cronEnv opens the store and a scheduler that is never started. The
// returned closer releases the store.
func cronEnv(cmd *cobra.Command) (*cron.Scheduler, string, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", nil, err
	}
	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, "", nil, fmt.Errorf("data dir: %w", err)
	}
	loc, err := cfg.Cron.Location()
	if err != nil {
		return nil, "", nil, fmt.Errorf("cron timezone: %w", err)
	}
	st, err := store.Open(filepath.Join(dataDir, store.DefaultFileName))
	if err != nil {
		return nil, "", nil, err
	}

	account, _ := cmd.Flags().GetString("account")
	if strings.TrimSpace(account) == "" {
		account = cfg.DefaultTelegramAccountTag()
	}
	if strings.TrimSpace(account) == "" {
		st.Close()
		return nil, "", nil, fmt.Errorf("--account is required when no Telegram account is configured")
	}

	sched := cron.New(st, cron.Options{
		Location:           loc,
		DefaultTelegramTag: cfg.DefaultTelegramAccountTag(),
	}, zerolog.Nop())
	return sched, account, func() { st.Close() }, nil
}

func runCronList(cmd *cobra.Command, args []string) error {
	sched, account, closeFn, err := cronEnv(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	recipient, _ := cmd.Flags().GetString("recipient")
	jobs, err := sched.List(context.Background(), account, recipient)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No active reminders.")
		return nil
	}
	for _, j := range jobs {
		kind := "once"
		if j.Recurring {
			kind = j.Schedule
		}
		flag := ""
		if j.Flagged {
			flag = " [failing: " + j.LastError + "]"
		}
		fmt.Fprintf(out, "#%d %s %s (%s, %s) %s: %s%s\n",
			j.ID, j.Channel, j.Recipient,
			j.NextRun.In(sched.Location()).Format("2006-01-02 15:04"), humanize.Time(j.NextRun),
			kind, j.Message, flag)
	}
	return nil
}

func runCronAdd(cmd *cobra.Command, args []string) error {
	sched, account, closeFn, err := cronEnv(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	recipient, _ := cmd.Flags().GetString("recipient")
	ch, _ := cmd.Flags().GetString("channel")
	id, err := sched.Add(context.Background(), strings.Join(args, " "), ch, account, recipient)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reminder #%d created.\n", id)
	return nil
}

func runCronCancel(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(args[0]), "#"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid reminder id %q", args[0])
	}
	sched, account, closeFn, err := cronEnv(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := sched.Cancel(context.Background(), id, account); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reminder #%d cancelled.\n", id)
	return nil
}
