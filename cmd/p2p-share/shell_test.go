package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-share/peer"
	"tarun-kavipurapu/p2p-share/pkg/config"
)

func startShellPeer(t *testing.T, files map[string]string) (*shell, *bytes.Buffer, *peer.PeerServer) {
	t.Helper()
	c := config.Default()
	c.ListenAddr = "127.0.0.1:0"
	c.ShareDir = t.TempDir()
	c.Watch = false
	c.IOTimeout = config.Duration{Duration: 2 * time.Second}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(c.ShareDir, name), []byte(content), 0644))
	}

	p, err := peer.NewPeerServer(c)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })

	var out bytes.Buffer
	return newShell(context.Background(), p, &out), &out, p
}

func TestShellConnectSearchDownload(t *testing.T) {
	_, _, seeder := startShellPeer(t, map[string]string{"hello.txt": "hello world"})
	sh, out, _ := startShellPeer(t, nil)

	sh.execute("peers")
	assert.Contains(t, out.String(), "No peers registered.")
	out.Reset()

	sh.execute("connect " + seeder.Addr())
	assert.Contains(t, out.String(), "Connected to "+seeder.Addr())
	out.Reset()

	sh.execute("search hello")
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "hello.txt")
	out.Reset()

	sh.execute("download hello.txt")
	assert.Contains(t, out.String(), "Downloaded hello.txt")
	assert.Contains(t, out.String(), seeder.Addr())
	out.Reset()

	sh.execute("download hello.txt")
	assert.Contains(t, out.String(), "You already have hello.txt.")
	out.Reset()

	sh.execute("download nope.txt")
	assert.Contains(t, out.String(), "No peer has nope.txt.")
	out.Reset()

	sh.execute("files")
	assert.Contains(t, out.String(), "hello.txt (11 B)")
}

func TestShellUsage(t *testing.T) {
	sh, out, _ := startShellPeer(t, nil)

	for _, line := range []string{"connect", "connect host", "search", "download"} {
		sh.execute(line)
	}
	assert.Contains(t, out.String(), "Usage: connect <host> <port>")
	assert.Contains(t, out.String(), "Usage: search <keyword>")
	assert.Contains(t, out.String(), "Usage: download <file_name>")
	out.Reset()

	sh.execute("connect 127.0.0.1 notaport")
	assert.Contains(t, out.String(), `Invalid port "notaport"`)
	out.Reset()

	sh.execute("history")
	assert.Contains(t, out.String(), "History is disabled")
	out.Reset()

	sh.execute("frobnicate")
	assert.Contains(t, out.String(), "Unknown command: frobnicate")
}

func TestRenderResultsAlignsWideNames(t *testing.T) {
	table := renderResults([]peer.SearchResult{
		{Name: "報告書.pdf", Size: 2048, Fingerprint: strings.Repeat("a", 64), PeerCount: 2},
		{Name: "notes.txt", Size: 10, Fingerprint: strings.Repeat("b", 64), Local: true},
	})

	lines := strings.Split(strings.TrimRight(table, "\n"), "\n")
	require.Len(t, lines, 3)
	// the SIZE column starts at the same cell on every row
	col := strings.Index(lines[0], "SIZE")
	for _, line := range lines[1:] {
		prefix := strings.TrimRight(line, " ")
		cut := 0
		for i := range line {
			if runewidth.StringWidth(line[:i]) == col {
				cut = i
				break
			}
		}
		require.NotZero(t, cut, prefix)
		assert.NotEqual(t, byte(' '), line[cut], line)
		assert.Equal(t, byte(' '), line[cut-1], line)
	}
	assert.Contains(t, lines[2], "yes")
	assert.Contains(t, lines[1], "aaaaaaaaaaaa")
	assert.NotContains(t, lines[1], strings.Repeat("a", 13))

	assert.Equal(t, "No results.\n", renderResults(nil))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "999 B", humanSize(999))
	assert.Equal(t, "25.0 KB", humanSize(25600))
	assert.Equal(t, "1.0 GB", humanSize(1<<30))
}

func TestIsExit(t *testing.T) {
	assert.True(t, isExit(" exit "))
	assert.True(t, isExit("quit"))
	assert.False(t, isExit("exit now"))
}
