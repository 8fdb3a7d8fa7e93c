package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-runewidth"

	"tarun-kavipurapu/p2p-share/peer"
)

// shell executes one command line at a time against a running peer. It is
// the executor behind the interactive prompt and the one-shot flags.
type shell struct {
	ctx context.Context
	p   *peer.PeerServer
	out io.Writer
}

func newShell(ctx context.Context, p *peer.PeerServer, out io.Writer) *shell {
	return &shell{ctx: ctx, p: p, out: out}
}

func isExit(in string) bool {
	switch strings.TrimSpace(in) {
	case "exit", "quit":
		return true
	}
	return false
}

func (s *shell) execute(in string) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Fprintln(s.out, "Stopping peer...")
	case "connect":
		s.connect(blocks[1:])
	case "search":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: search <keyword>")
			return
		}
		keyword := strings.Join(blocks[1:], " ")
		fmt.Fprint(s.out, renderResults(s.p.Search(s.ctx, keyword)))
	case "download":
		if len(blocks) < 2 {
			fmt.Fprintln(s.out, "Usage: download <file_name>")
			return
		}
		s.download(strings.Join(blocks[1:], " "))
	case "peers":
		peers := s.p.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(s.out, "No peers registered.")
			return
		}
		for _, p := range peers {
			fmt.Fprintf(s.out, "  %s\n", p)
		}
	case "files":
		files := s.p.Files()
		if len(files) == 0 {
			fmt.Fprintln(s.out, "Share folder is empty.")
			return
		}
		for _, f := range files {
			fmt.Fprintf(s.out, "  %s (%s)\n", f.Name, humanSize(f.Size))
		}
	case "history":
		s.history()
	case "status":
		m := s.p.Metrics()
		fmt.Fprintf(s.out, "Address:   %s\nPeers:     %d\nFiles:     %d\nDownloads: %d (%s received)\nUptime:    %s\n",
			s.p.Addr(), len(s.p.Peers()), len(s.p.Files()),
			atomic.LoadInt64(&m.TransferCount),
			humanSize(atomic.LoadInt64(&m.TransferBytes)),
			time.Since(m.ServerStart).Round(time.Second),
		)
	case "help":
		fmt.Fprintln(s.out, "Available commands:")
		fmt.Fprintln(s.out, "  connect <host> <port>  - Handshake with a peer and remember it")
		fmt.Fprintln(s.out, "  search <keyword>       - Search every known peer")
		fmt.Fprintln(s.out, "  download <name>        - Download a file into the share folder")
		fmt.Fprintln(s.out, "  peers                  - List known peers")
		fmt.Fprintln(s.out, "  files                  - List shared files")
		fmt.Fprintln(s.out, "  history                - List completed downloads")
		fmt.Fprintln(s.out, "  status                 - Show peer status")
		fmt.Fprintln(s.out, "  exit                   - Stop peer and exit")
	default:
		fmt.Fprintln(s.out, "Unknown command: "+blocks[0])
	}
}

// connect accepts "host port" or "host:port".
func (s *shell) connect(args []string) {
	var host, portStr string
	switch len(args) {
	case 1:
		var err error
		host, portStr, err = net.SplitHostPort(args[0])
		if err != nil {
			fmt.Fprintln(s.out, "Usage: connect <host> <port>")
			return
		}
	case 2:
		host, portStr = args[0], args[1]
	default:
		fmt.Fprintln(s.out, "Usage: connect <host> <port>")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Fprintf(s.out, "Invalid port %q\n", portStr)
		return
	}
	if err := s.p.Connect(s.ctx, host, port); err != nil {
		fmt.Fprintf(s.out, "Error connecting: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Connected to %s\n", net.JoinHostPort(host, portStr))
}

func (s *shell) download(name string) {
	report, err := s.p.Download(s.ctx, name)
	switch {
	case errors.Is(err, peer.ErrNotFound):
		fmt.Fprintf(s.out, "No peer has %s.\n", name)
	case errors.Is(err, peer.ErrInconsistent):
		fmt.Fprintf(s.out, "Peers disagree about %s, not downloading.\n%v\n", name, err)
	case errors.Is(err, peer.ErrIncomplete):
		fmt.Fprintf(s.out, "Download of %s incomplete: %v\n", name, err)
	case err != nil:
		fmt.Fprintf(s.out, "Error downloading: %v\n", err)
	case report.AlreadyLocal:
		fmt.Fprintf(s.out, "You already have %s.\n", name)
	default:
		fmt.Fprintf(s.out, "Downloaded %s (%s, %d blocks)\n", report.FileName, humanSize(report.Size), report.BlockCount)
		fmt.Fprint(s.out, renderSources(report.Blocks))
	}
}

func (s *shell) history() {
	store := s.p.History()
	if store == nil {
		fmt.Fprintln(s.out, "History is disabled (start with --history).")
		return
	}
	entries, err := store.List()
	if err != nil {
		fmt.Fprintf(s.out, "Error reading history: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "No downloads yet.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(s.out, "  %s  %s (%s) from %d peers\n",
			e.CompletedAt.Local().Format("2006-01-02 15:04:05"), e.FileName, humanSize(e.Size), len(e.Blocks))
	}
}

func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	suggestions := []prompt.Suggest{
		{Text: "connect", Description: "Connect to a peer"},
		{Text: "search", Description: "Search for files"},
		{Text: "download", Description: "Download a file"},
		{Text: "peers", Description: "List peers"},
		{Text: "files", Description: "List shared files"},
		{Text: "history", Description: "Completed downloads"},
		{Text: "status", Description: "Show peer status"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

// renderResults lays search results out as a table. Widths are measured in
// terminal cells so wide characters in names keep the columns aligned.
func renderResults(results []peer.SearchResult) string {
	if len(results) == 0 {
		return "No results.\n"
	}

	const maxName = 40
	header := []string{"NAME", "SIZE", "PEERS", "LOCAL", "FINGERPRINT"}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		local := ""
		if r.Local {
			local = "yes"
		}
		fp := r.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		rows = append(rows, []string{
			runewidth.Truncate(r.Name, maxName, "…"),
			humanSize(r.Size),
			strconv.Itoa(r.PeerCount),
			local,
			fp,
		})
	}
	return renderTable(header, rows)
}

func renderSources(blocks map[string]int) string {
	addrs := make([]string, 0, len(blocks))
	for addr := range blocks {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	rows := make([][]string, 0, len(addrs))
	for _, addr := range addrs {
		rows = append(rows, []string{addr, strconv.Itoa(blocks[addr])})
	}
	return renderTable([]string{"PEER", "BLOCKS"}, rows)
}

func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			b.WriteString("  ")
		}
		b.WriteString("\n")
	}
	writeRow(header)
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
