package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-share/peer"
	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/history"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
)

var (
	peerAddr        string
	advertiseAddr   string
	shareDir        string
	connectPeers    []string
	workers         int
	blockDeadline   time.Duration
	proxyURL        string
	historyPath     string
	metricsInterval time.Duration
	noWatch         bool
	searchKeyword   string
	fileToDownload  string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a Peer Node",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyPeerFlags(cmd, &cfg)
		return runPeer(cmd.Context(), cfg)
	},
}

// applyPeerFlags lets explicitly set flags win over file and environment.
func applyPeerFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		c.ListenAddr = peerAddr
	}
	if flags.Changed("advertise") {
		c.AdvertiseAddr = advertiseAddr
	}
	if flags.Changed("share") {
		c.ShareDir = shareDir
	}
	if flags.Changed("connect") {
		c.Peers = append(c.Peers, connectPeers...)
	}
	if flags.Changed("workers") {
		c.Workers = workers
	}
	if flags.Changed("deadline") {
		c.BlockDeadline = config.Duration{Duration: blockDeadline}
	}
	if flags.Changed("proxy") {
		c.Proxy = proxyURL
	}
	if flags.Changed("history") {
		c.HistoryPath = historyPath
	}
	if flags.Changed("metrics-interval") {
		c.MetricsInterval = config.Duration{Duration: metricsInterval}
	}
	if noWatch {
		c.Watch = false
	}
}

func runPeer(ctx context.Context, c config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []peer.Option{peer.WithProgress(os.Stdout)}

	var scopeCloser io.Closer
	if c.MetricsInterval.Duration > 0 {
		scope, closer := monitor.NewRootScope("p2p_share", c.MetricsInterval.Duration)
		scopeCloser = closer
		opts = append(opts, peer.WithMetrics(monitor.New(scope)))
	}

	if c.HistoryPath != "" {
		store, err := history.Open(c.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, peer.WithHistory(store))
	}

	logger.Sugar.Infof("Starting Peer Node on %s sharing %s", c.ListenAddr, c.ShareDir)
	p, err := peer.NewPeerServer(c, opts...)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		p.Stop()
		if scopeCloser != nil {
			scopeCloser.Close()
		}
	}()

	if c.MetricsInterval.Duration > 0 {
		go p.Metrics().LogPeriodic(ctx, c.MetricsInterval.Duration)
	}

	sh := newShell(ctx, p, os.Stdout)

	// Handle immediate actions
	if searchKeyword != "" {
		sh.execute("search " + searchKeyword)
	}
	if fileToDownload != "" {
		sh.execute("download " + fileToDownload)
	}

	if !peerInteractive {
		if searchKeyword != "" || fileToDownload != "" {
			return nil
		}
		<-ctx.Done()
		logger.Sugar.Infof("Shutting down")
		return nil
	}

	fmt.Println("P2P Share Interactive Shell")
	fmt.Printf("Listening on %s. Type 'help' for commands.\n", p.Addr())

	prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionPrefix("peer> "),
		prompt.OptionTitle("P2P Share"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	).Run()
	return nil
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerAddr, "addr", "a", "127.0.0.1:8001", "Address for this peer to listen on")
	peerCmd.Flags().StringVar(&advertiseAddr, "advertise", "", "Address announced to other peers (defaults to the listen address)")
	peerCmd.Flags().StringVarP(&shareDir, "share", "s", "shared", "Folder to share and download into")
	peerCmd.Flags().StringSliceVarP(&connectPeers, "connect", "p", nil, "Peer host:port to connect to at startup (repeatable)")
	peerCmd.Flags().IntVarP(&workers, "workers", "w", 5, "Concurrent block workers per download")
	peerCmd.Flags().DurationVar(&blockDeadline, "deadline", 5*time.Second, "Deadline for the block retrieval phase")
	peerCmd.Flags().StringVar(&proxyURL, "proxy", "", "SOCKS5 proxy URL for outbound connections")
	peerCmd.Flags().StringVar(&historyPath, "history", "", "Path of the download history database")
	peerCmd.Flags().DurationVar(&metricsInterval, "metrics-interval", 0, "Log runtime metrics at this interval (0 disables)")
	peerCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the share folder for changes")
	peerCmd.Flags().StringVar(&searchKeyword, "search", "", "Search for a keyword immediately")
	peerCmd.Flags().StringVarP(&fileToDownload, "download", "d", "", "File name to download immediately")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
