package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/matheus3301/wppsync/internal/daemon"
	"github.com/matheus3301/wppsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	if _, err := os.Stat(socketPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: no daemon for session %q (%s)\n", sessionName, socketPath)
		os.Exit(1)
	}
	c := daemon.NewClient(socketPath)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "collections":
		cmdCollections(ctx, c, *jsonFlag)
	case "sync":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wppctl sync <collection>")
			os.Exit(1)
		}
		cmdSync(ctx, c, args[1], *jsonFlag)
	case "cache":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wppctl cache <stats|evict [budget]>")
			os.Exit(1)
		}
		cmdCache(ctx, c, args[1:], *jsonFlag)
	case "items":
		if len(args) < 2 || args[1] != "trim" {
			fmt.Fprintln(os.Stderr, "usage: wppctl items trim")
			os.Exit(1)
		}
		cmdTrim(ctx, c, *jsonFlag)
	case "logout":
		check(c.Logout(ctx))
		fmt.Println("Logged out.")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wppctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show session status")
	fmt.Fprintln(os.Stderr, "  collections            List open collections")
	fmt.Fprintln(os.Stderr, "  sync <collection>      Refresh a collection now")
	fmt.Fprintln(os.Stderr, "  cache stats            Show media cache totals")
	fmt.Fprintln(os.Stderr, "  cache evict [bytes]    Evict media down to a budget")
	fmt.Fprintln(os.Stderr, "  items trim             Apply the per-collection item ceiling")
	fmt.Fprintln(os.Stderr, "  logout                 Close collections and clear sync state")
}

func cmdStatus(ctx context.Context, c *daemon.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Backend: %s\n", st.Backend)
	if st.Me != "" {
		fmt.Printf("Me:      %s\n", st.Me)
	}
	fmt.Printf("Uptime:  %s\n", st.Uptime)
	fmt.Printf("Scroll:  %s\n", st.Scroll)
	fmt.Printf("Media:   %d entries, %d bytes\n", st.Media.Entries, st.Media.TotalBytes)
	if len(st.Sends) > 0 {
		states := make([]string, 0, len(st.Sends))
		for s := range st.Sends {
			states = append(states, s)
		}
		sort.Strings(states)
		for _, s := range states {
			fmt.Printf("Sends:   %s=%d\n", s, st.Sends[s])
		}
	}
	for _, col := range st.Collections {
		loading := ""
		if col.Loading {
			loading = " (loading)"
		}
		fmt.Printf("  %-30s %6d stored  %3d receipts  %s%s\n",
			col.Name, col.Stored, col.Receipts, shortSig(col.Signature), loading)
	}
}

func cmdCollections(ctx context.Context, c *daemon.Client, jsonOut bool) {
	names, err := c.Collections(ctx)
	check(err)
	if jsonOut {
		outputJSON(names)
		return
	}
	if len(names) == 0 {
		fmt.Println("No open collections.")
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func cmdSync(ctx context.Context, c *daemon.Client, collection string, jsonOut bool) {
	res, err := c.Sync(ctx, collection)
	check(err)
	if jsonOut {
		outputJSON(res)
		return
	}
	switch {
	case res.Deferred:
		fmt.Printf("%s: fetched %d, apply deferred while scrolling\n", res.Collection, res.Fetched)
	case res.Stale:
		fmt.Printf("%s: timed out, showing stored items\n", res.Collection)
	case res.Noop:
		fmt.Printf("%s: up to date (%d fetched)\n", res.Collection, res.Fetched)
	default:
		fmt.Printf("%s: applied %d items\n", res.Collection, res.Fetched)
	}
}

func cmdCache(ctx context.Context, c *daemon.Client, args []string, jsonOut bool) {
	switch args[0] {
	case "stats":
		st, err := c.CacheStats(ctx)
		check(err)
		if jsonOut {
			outputJSON(st)
			return
		}
		fmt.Printf("Entries: %d\n", st.Entries)
		fmt.Printf("Aliases: %d\n", st.Aliases)
		fmt.Printf("Bytes:   %d\n", st.TotalBytes)
	case "evict":
		var budget int64
		if len(args) > 1 {
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "error: invalid budget %q\n", args[1])
				os.Exit(1)
			}
			budget = n
		}
		res, err := c.Evict(ctx, budget)
		check(err)
		if jsonOut {
			outputJSON(res)
			return
		}
		fmt.Printf("Removed %d entries, freed %d bytes, %d bytes remain (%d skipped)\n",
			res.Removed, res.FreedBytes, res.TotalBytes, res.Skipped)
	default:
		fmt.Fprintf(os.Stderr, "unknown cache subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdTrim(ctx context.Context, c *daemon.Client, jsonOut bool) {
	trimmed, err := c.TrimItems(ctx)
	check(err)
	if jsonOut {
		outputJSON(trimmed)
		return
	}
	if len(trimmed) == 0 {
		fmt.Println("Nothing to trim.")
		return
	}
	names := make([]string, 0, len(trimmed))
	for n := range trimmed {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("%-30s %d removed\n", n, trimmed[n])
	}
}

func shortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
