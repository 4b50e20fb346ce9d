package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"obtrade/internal/app"
	"obtrade/internal/config"
	"obtrade/internal/estimate"
	"obtrade/internal/orderbook"
	"obtrade/internal/trade"
	"obtrade/internal/txbuilder"
	"obtrade/internal/units"
)

type cli struct {
	configPath string
	envPath    string
	debug      bool

	cfg    *config.Config
	logger *slog.Logger
	app    *app.App
}

func main() {
	c := &cli{}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := c.root().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:          "obtrade",
		Short:        "Estimate and execute orderbook market orders",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&c.envPath, "env", ".env", "optional dotenv file")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logs")

	root.AddCommand(c.paramsCmd(), c.estimateCmd(), c.watchCmd(), c.tradeCmd(), c.balanceCmd(), c.historyCmd(), c.keysCmd())
	return root
}

func (c *cli) init() error {
	if err := godotenv.Load(c.envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("env: %w", err)
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}
	c.cfg = cfg
	c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	c.app, err = app.New(cfg, c.logger)
	return err
}

func (c *cli) paramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params <market>",
		Short: "Print a market's trading parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			market, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			params, err := c.app.Params.Get(cmd.Context(), market)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), params)
		},
	}
}

type orderFlags struct {
	side     string
	market   string
	amount   string
	slippage string
}

func (f *orderFlags) register(cmd *cobra.Command, withAmount bool) {
	cmd.Flags().StringVar(&f.side, "side", "buy", "buy|sell")
	cmd.Flags().StringVar(&f.market, "market", "", "orderbook market address")
	if withAmount {
		cmd.Flags().StringVar(&f.amount, "amount", "", "amount in the input asset (quote for buy, base for sell)")
	}
	cmd.Flags().StringVar(&f.slippage, "slippage", "", "slippage percent, 0-50 (defaults to tx.default_slippage)")
	_ = cmd.MarkFlagRequired("market")
}

func (f *orderFlags) request(cfg *config.Config) (estimate.Request, error) {
	side, err := orderbook.ParseSide(f.side)
	if err != nil {
		return estimate.Request{}, err
	}
	market, err := parseAddress(f.market)
	if err != nil {
		return estimate.Request{}, err
	}
	slippage := decimal.NewFromFloat(cfg.Tx.DefaultSlippage)
	if f.slippage != "" {
		slippage, err = decimal.NewFromString(f.slippage)
		if err != nil {
			return estimate.Request{}, fmt.Errorf("slippage: %w", err)
		}
	}
	return estimate.Request{Side: side, Market: market, Amount: f.amount, Slippage: slippage}, nil
}

func (c *cli) estimateCmd() *cobra.Command {
	var f orderFlags
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate output, minimum output and gas for a market order",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(c.cfg)
			if err != nil {
				return err
			}
			est, err := c.app.Estimator.Estimate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if est == nil {
				return errors.New("no estimate available")
			}
			_, plan, err := c.app.Planner.PlanTrade(cmd.Context(), planRequest(c.app, est))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"estimate":  est,
				"gas_limit": plan.GasLimit,
				"simulated": plan.Simulated,
				"fee_wei":   plan.NetworkFee().String(),
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

// watchCmd reads amounts line by line and prints every fresh estimate.
func (c *cli) watchCmd() *cobra.Command {
	var f orderFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-estimate as amounts are typed on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := f.request(c.cfg)
			if err != nil {
				return err
			}
			w := c.app.NewWatcher()
			out := cmd.OutOrStdout()
			printed := make(chan struct{})
			updates := w.Subscribe()
			go func() {
				defer close(printed)
				for snap := range updates {
					printSnapshot(out, snap)
				}
			}()
			defer func() {
				w.Close()
				<-printed
			}()

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				req := base
				req.Amount = units.TruncateDecimals(strings.TrimSpace(scanner.Text()), units.DisplayFractionDigits)
				w.Update(req)
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return settle(cmd.Context(), w)
		},
	}
	f.register(cmd, false)
	return cmd
}

// settle waits for the in-flight estimate, if any, before the watcher closes.
func settle(ctx context.Context, w *estimate.Watcher) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for w.Snapshot().Pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printSnapshot(w io.Writer, s estimate.Snapshot) {
	switch {
	case s.Pending:
		fmt.Fprintf(w, "#%d estimating %s...\n", s.Generation, s.Request.Amount)
	case s.Err != nil:
		fmt.Fprintf(w, "#%d no estimate: %v\n", s.Generation, s.Err)
	case s.Estimate == nil:
		fmt.Fprintf(w, "#%d no estimate\n", s.Generation)
	default:
		line := fmt.Sprintf("#%d out=%s min=%s", s.Generation,
			units.TruncateDecimals(s.Estimate.RawOutput.String(), units.DisplayFractionDigits),
			units.TruncateDecimals(s.Estimate.MinAmountOut.String(), units.DisplayFractionDigits))
		if s.Gas != nil {
			line += fmt.Sprintf(" gas=%d fee_wei=%s", s.Gas.GasLimit, s.Gas.NetworkFee().String())
		}
		fmt.Fprintln(w, line)
	}
}

func (c *cli) tradeCmd() *cobra.Command {
	var (
		f   orderFlags
		pct int
	)
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Estimate, then approve (token sells) and submit a market order",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(c.cfg)
			if err != nil {
				return err
			}
			signer := c.app.TradeSigner()
			if pct > 0 && signer != nil {
				amount, err := c.amountFromBalance(cmd.Context(), signer.Address(), req, pct)
				if err != nil {
					return err
				}
				req.Amount = amount
			}
			est, err := c.app.Estimator.Estimate(cmd.Context(), req)
			if err != nil {
				return err
			}
			res, err := c.app.Executor.Execute(cmd.Context(), trade.Attempt{
				Request:  req,
				Estimate: est,
				Signer:   signer,
				OnState: func(s trade.State) {
					fmt.Fprintf(cmd.ErrOrStderr(), "state: %s\n", s)
				},
			})
			if jerr := c.app.Journal.Record(req, est, res); jerr != nil {
				c.logger.Warn("journal write failed", "error", jerr)
			}
			if res != nil {
				_ = printJSON(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	f.register(cmd, true)
	cmd.Flags().IntVar(&pct, "percent", 0, "use this percentage of the input balance instead of --amount")
	return cmd
}

func (c *cli) amountFromBalance(ctx context.Context, owner common.Address, req estimate.Request, pct int) (string, error) {
	params, err := c.app.Params.Get(ctx, req.Market)
	if err != nil {
		return "", err
	}
	in := params.InputAsset(req.Side)
	bal, err := c.app.Balances.InputBalance(ctx, owner, in)
	if err != nil {
		return "", err
	}
	return units.FractionOfBalance(bal, pct, in.Decimals), nil
}

func (c *cli) balanceCmd() *cobra.Command {
	var owner, token string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a native or token balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var addr common.Address
			switch {
			case owner != "":
				a, err := parseAddress(owner)
				if err != nil {
					return err
				}
				addr = a
			case c.app.Signer != nil:
				addr = c.app.Signer.Address()
			default:
				return errors.New("--address is required without a keystore account")
			}
			tokenAddr := orderbook.NativeAsset
			if token != "" {
				t, err := parseAddress(token)
				if err != nil {
					return err
				}
				tokenAddr = t
			}
			bal, decimals, err := c.app.Balances.TokenBalance(cmd.Context(), addr, tokenAddr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"address":  addr.Hex(),
				"token":    tokenAddr.Hex(),
				"balance":  units.TruncateDecimals(bal.String(), units.DisplayFractionDigits),
				"decimals": decimals,
			})
		},
	}
	cmd.Flags().StringVar(&owner, "address", "", "owner address (defaults to the keystore account)")
	cmd.Flags().StringVar(&token, "token", "", "ERC-20 token address (empty for the native coin)")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent trade attempts and their transaction hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := c.app.Journal.Recent(limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func (c *cli) keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage keystore accounts"}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Create a keystore account",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := c.app.Keys.CreateAccount()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr.Hex())
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List keystore accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, a := range c.app.Keys.Accounts() {
				fmt.Fprintln(cmd.OutOrStdout(), a.Hex())
			}
			return nil
		},
	})
	return cmd
}

func planRequest(a *app.App, est *estimate.Estimate) txbuilder.PlanRequest {
	var from common.Address
	if s := a.TradeSigner(); s != nil {
		from = s.Address()
	}
	return txbuilder.PlanRequest{
		From:         from,
		Market:       est.Market,
		Params:       est.Params,
		Side:         est.Side,
		Amount:       est.Amount,
		MinAmountOut: est.MinAmountOut.String(),
	}
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(value), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
