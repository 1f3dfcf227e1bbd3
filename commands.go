// FILE: commands.go
// Package main – CLI subcommands.
//
//   keep-online [--once]                 run the keep-online loop
//   book [--side] [--currency] [--method] [--json]
//   order <robot>                        fetch + store the current order
//   list [state...]                      robots per state with last order
//   move <robot> <from> <to>             manual partition transition
//   import <robot> --coordinator --token-file [--state]
//   remove <robot>
//   queue [--drop robot]                 show or edit the waiting queue
//   action <robot> <cancel|pause|confirm|undo-confirm|dispute|collaborative-cancel|invoice>
//   chat <robot> [--offset n] [--send msg]

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	keepOnlineCmd.Flags().Bool("once", false, "run a single pass and exit")

	bookCmd.Flags().String("side", "any", "buy, sell or any")
	bookCmd.Flags().String("currency", "", "currency code, empty for all")
	bookCmd.Flags().String("method", "", "payment method substring")
	bookCmd.Flags().Bool("json", false, "print JSON instead of a table")

	importCmd.Flags().String("coordinator", "", "coordinator id the robot lives on")
	importCmd.Flags().String("token-file", "-", "file holding the robot token, - for stdin")
	importCmd.Flags().String("state", StateActive.String(), "initial state")
	_ = importCmd.MarkFlagRequired("coordinator")

	queueCmd.Flags().String("drop", "", "remove a robot from the waiting queue")

	chatCmd.Flags().Int("offset", 0, "skip messages before this index")
	chatCmd.Flags().String("send", "", "post an already-encrypted message")

	rootCmd.AddCommand(keepOnlineCmd, bookCmd, orderCmd, listCmd, moveCmd,
		importCmd, removeCmd, queueCmd, actionCmd, chatCmd)
}

var keepOnlineCmd = &cobra.Command{
	Use:   "keep-online",
	Short: "Keep active robots' orders online, pass after pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		once, _ := cmd.Flags().GetBool("once")
		a, err := newApp()
		if err != nil {
			return err
		}
		defer func() { _ = a.log.Sync() }()
		ctx := cmd.Context()

		cfg := a.cfgs.Current()
		if cfg.Metrics.Addr != "" && !once {
			serveMetrics(ctx, cfg.Metrics.Addr, a.log)
		}
		if !once {
			go func() {
				if err := a.cfgs.Watch(ctx); err != nil {
					a.log.Warn("config watch disabled", zap.Error(err))
				}
			}()
		}
		fleet := NewFleet(a.cfgs, a.store, a.queue, a.book, a.ctrl, a.log)
		return fleet.KeepOnline(ctx, once)
	},
}

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Show the merged order book of all coordinators",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sideFlag, _ := cmd.Flags().GetString("side")
		currency, _ := cmd.Flags().GetString("currency")
		method, _ := cmd.Flags().GetString("method")
		asJSON, _ := cmd.Flags().GetBool("json")
		side, err := ParseSide(sideFlag)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		res, err := a.book.Fetch(cmd.Context(), BookQuery{Side: side, Currency: currency, PaymentMethod: method})
		if err != nil {
			return err
		}
		for id, ferr := range res.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s skipped: %v\n", id, ferr)
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res.Offers)
		}
		return RenderBook(cmd.OutOrStdout(), res.Offers, time.Now())
	},
}

var orderCmd = &cobra.Command{
	Use:   "order <robot>",
	Short: "Fetch and store a robot's current order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		snap, err := a.ctrl.Inspect(cmd.Context(), a.cfgs.Current(), args[0])
		if err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [state...]",
	Short: "List robots per state with their last stored order",
	RunE: func(cmd *cobra.Command, args []string) error {
		states := allStates
		if len(args) > 0 {
			states = nil
			for _, s := range args {
				st, err := ParseRobotState(s)
				if err != nil {
					return err
				}
				states = append(states, st)
			}
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROBOT\tSTATE\tCOORD\tORDER\tSTATUS\t")
		for _, st := range states {
			names, err := a.store.List(st)
			if err != nil {
				return err
			}
			for _, n := range names {
				r, err := a.store.Load(n)
				if err != nil {
					fmt.Fprintf(tw, "%s\t%s\t?\t-\t%v\t\n", n, st, err)
					continue
				}
				order, status := "-", "-"
				if snap, err := a.store.LatestSnapshot(r); err == nil {
					order, status = fmt.Sprint(snap.ID()), snap.Status().Label()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", n, st, r.Coordinator, order, status)
			}
		}
		return tw.Flush()
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <robot> <from> <to>",
	Short: "Move a robot between states",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := ParseRobotState(args[1])
		if err != nil {
			return err
		}
		to, err := ParseRobotState(args[2])
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		lock, err := a.locks.Acquire(cmd.Context(), args[0], a.cfgs.Current().LockTimeout)
		if err != nil {
			return err
		}
		defer lock.Release()
		if err := a.store.Move(args[0], from, to); err != nil {
			return err
		}
		if to != StateActive {
			return a.queue.Remove(args[0])
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <robot>",
	Short: "Record an existing robot identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, _ := cmd.Flags().GetString("coordinator")
		tokenFile, _ := cmd.Flags().GetString("token-file")
		stateFlag, _ := cmd.Flags().GetString("state")
		st, err := ParseRobotState(stateFlag)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		if _, err := a.cfgs.Current().Coordinator(coord); err != nil {
			return err
		}
		var raw []byte
		if tokenFile == "-" {
			raw, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
		} else {
			raw, err = os.ReadFile(tokenFile)
		}
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token := Secret(strings.TrimSpace(string(raw)))
		if err := a.store.Import(args[0], coord, token, st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s on %s as %s\n", args[0], coord, st)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <robot>",
	Short: "Delete a robot and its order history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		lock, err := a.locks.Acquire(cmd.Context(), args[0], a.cfgs.Current().LockTimeout)
		if err != nil {
			return err
		}
		defer lock.Release()
		if err := a.store.Remove(args[0]); err != nil {
			return err
		}
		return a.queue.Remove(args[0])
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the robots waiting for an hourly quota slot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		drop, _ := cmd.Flags().GetString("drop")
		a, err := newApp()
		if err != nil {
			return err
		}
		if drop != "" {
			return a.queue.Remove(drop)
		}
		names, err := a.queue.Names()
		if err != nil {
			return err
		}
		for i, n := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i+1, n)
		}
		return nil
	},
}

var actionCmd = &cobra.Command{
	Use:   "action <robot> <action>",
	Short: "Submit an order action (cancel, pause, confirm, undo-confirm, dispute, collaborative-cancel, invoice)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cfg := a.cfgs.Current()
		var snap *OrderSnapshot
		if strings.EqualFold(args[1], "invoice") {
			snap, err = a.ctrl.SubmitInvoice(cmd.Context(), cfg, args[0])
		} else {
			action, perr := ParseOrderAction(args[1])
			if perr != nil {
				return perr
			}
			snap, err = a.ctrl.OrderAction(cmd.Context(), cfg, args[0], action)
		}
		var br *BadRequestError
		if errors.As(err, &br) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s rejected: %s\n", br.Coordinator, br.Message)
		}
		if err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <robot>",
	Short: "Read or post chat messages on a robot's current order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		offset, _ := cmd.Flags().GetInt("offset")
		send, _ := cmd.Flags().GetString("send")
		a, err := newApp()
		if err != nil {
			return err
		}
		if send != "" {
			return a.ctrl.PostChat(cmd.Context(), a.cfgs.Current(), args[0], send)
		}
		msgs, err := a.ctrl.ReadChat(cmd.Context(), args[0], offset)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s <%s> %s\n", m.Index, m.Time.Format(time.RFC3339), m.Nick, m.Message)
		}
		return nil
	},
}

func printSnapshot(w io.Writer, s *OrderSnapshot) {
	fmt.Fprintln(w, s.Description())
	fmt.Fprintf(w, "status:     %d %s\n", s.Status(), s.Status().Label())
	fmt.Fprintf(w, "expires at: %s\n", s.Info.ExpiresAt.UTC().Format(time.RFC3339))
	if s.Info.BondInvoice != "" {
		fmt.Fprintf(w, "bond:       %d sats\n", s.Info.BondSatoshis)
	}
	if s.Info.TradeSatoshis > 0 {
		fmt.Fprintf(w, "trade:      %d sats\n", s.Info.TradeSatoshis)
	}
}
