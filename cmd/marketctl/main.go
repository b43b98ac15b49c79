// Command marketctl inspects market state and workspaces offline.
//
//	marketctl prices  -file market.json
//	marketctl depth   -file market.json [-outcome Yes]
//	marketctl history -file market.json
//	marketctl scan    ./workspace
//
// A market file holds the market definition and its stake log:
//
//	{"question": "...", "outcomes": ["Yes","No"], "initial_liquidity": 1000,
//	 "stakes": [{"outcome": "Yes", "amount": 10, "timestamp": "2025-01-01T00:00:00Z"}]}
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/amm"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/contract"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/scanner"
)

const usage = "usage: marketctl <prices|depth|history|scan> [flags]"

var errUnsafe = errors.New("workspace failed the static check")

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errUnsafe):
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "marketctl:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, args := args[0], args[1:]

	fset := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	file := fset.String("file", "market.json", "market file")
	outcome := fset.String("outcome", "", "restrict depth to one outcome")
	if err := fset.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "prices":
		mf, err := loadMarket(*file)
		if err != nil {
			return err
		}
		return printPrices(out, mf)
	case "depth":
		mf, err := loadMarket(*file)
		if err != nil {
			return err
		}
		return printDepth(out, mf, *outcome)
	case "history":
		mf, err := loadMarket(*file)
		if err != nil {
			return err
		}
		return printHistory(out, mf)
	case "scan":
		if fset.NArg() != 1 {
			return errors.New("usage: marketctl scan <dir>")
		}
		return scanDir(out, fset.Arg(0))
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

type stakeRecord struct {
	Outcome   string    `json:"outcome"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type marketFile struct {
	Question         string        `json:"question"`
	Outcomes         []string      `json:"outcomes"`
	InitialLiquidity float64       `json:"initial_liquidity"`
	Stakes           []stakeRecord `json:"stakes"`

	liquidity float64
	events    []amm.StakeEvent
}

func loadMarket(path string) (*marketFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf marketFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	question := mf.Question
	if question == "" {
		question = filepath.Base(path)
	}
	def, err := contract.Parse(question, mf.Outcomes, "", decimal.NewFromFloat(mf.InitialLiquidity))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	mf.Outcomes = def.Outcomes
	mf.liquidity = def.InitialLiquidity.InexactFloat64()

	sort.SliceStable(mf.Stakes, func(i, j int) bool { return mf.Stakes[i].Timestamp.Before(mf.Stakes[j].Timestamp) })
	for _, s := range mf.Stakes {
		mf.events = append(mf.events, amm.StakeEvent{Outcome: s.Outcome, Amount: s.Amount, Timestamp: s.Timestamp})
	}
	return &mf, nil
}

func printPrices(out io.Writer, mf *marketFile) error {
	snap, err := amm.ComputePools(mf.Outcomes, mf.events, mf.liquidity)
	if err != nil {
		return err
	}
	prices := amm.Prices(snap)

	table := tablewriter.NewWriter(out)
	table.Header("Outcome", "Pool", "Price")
	for _, o := range mf.Outcomes {
		table.Append(o, fmt.Sprintf("%.2f", snap.Pool(o)), fmt.Sprintf("%.4f", prices[o]))
	}
	table.Render()
	fmt.Fprintf(out, "  %d stakes | total pool %.2f\n", len(mf.events), snap.Total())
	return nil
}

func printDepth(out io.Writer, mf *marketFile, only string) error {
	snap, err := amm.ComputePools(mf.Outcomes, mf.events, mf.liquidity)
	if err != nil {
		return err
	}
	outcomes := mf.Outcomes
	if only != "" {
		outcomes = []string{only}
	}

	for _, o := range outcomes {
		depth, err := amm.MarketDepth(snap, o)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s @ %.4f\n", depth.Outcome, depth.CurrentPrice)
		table := tablewriter.NewWriter(out)
		table.Header("Shares", "Buy cost", "Buy avg", "Sell payout", "Sell avg")
		for _, l := range depth.Levels {
			table.Append(
				fmt.Sprintf("%g", l.Shares),
				fmt.Sprintf("%.4f", l.BuyCost),
				fmt.Sprintf("%.4f", l.BuyAvgPrice),
				fmt.Sprintf("%.4f", l.SellPayout),
				fmt.Sprintf("%.4f", l.SellAvgPrice),
			)
		}
		table.Render()
	}
	return nil
}

func printHistory(out io.Writer, mf *marketFile) error {
	var opened time.Time
	if len(mf.events) > 0 {
		opened = mf.events[0].Timestamp
	}
	points, err := amm.Replay(mf.Outcomes, mf.events, mf.liquidity, opened)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	header := []any{"#", "Time", "Stake on", "Volume"}
	for _, o := range mf.Outcomes {
		header = append(header, o)
	}
	table.Header(header...)
	for _, p := range points {
		row := []any{
			fmt.Sprintf("%d", p.Index+1),
			p.Timestamp.UTC().Format(time.RFC3339),
			p.Outcome,
			fmt.Sprintf("%.2f", p.Volume),
		}
		for _, o := range mf.Outcomes {
			row = append(row, fmt.Sprintf("%.4f", p.Prices[o]))
		}
		table.Append(row...)
	}
	table.Render()
	return nil
}

// scanDir loads every regular file under dir as a workspace and runs the
// static check over it.
func scanDir(out io.Writer, dir string) error {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return err
	}

	res := scanner.New(nil).ValidateWorkspace(files)
	if res.Safe {
		fmt.Fprintf(out, "OK: %d files, no violations\n", len(files))
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("#", "Violation")
	for i, v := range res.Violations {
		table.Append(fmt.Sprintf("%d", i+1), v)
	}
	table.Render()
	fmt.Fprintf(out, "  %d violations in %d files\n", len(res.Violations), len(files))
	return errUnsafe
}
