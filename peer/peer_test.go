package peer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/fingerprint"
	"tarun-kavipurapu/p2p-share/pkg/history"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/registry"
	"tarun-kavipurapu/p2p-share/pkg/transport"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
)

func patterned(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7) + seed
	}
	return data
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShareDir = t.TempDir()
	cfg.Watch = false
	cfg.IOTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.DialTimeout = config.Duration{Duration: time.Second}
	return cfg
}

// newTestPeer starts a node sharing files on a loopback port.
func newTestPeer(t *testing.T, files map[string][]byte, opts ...Option) *PeerServer {
	t.Helper()
	cfg := testConfig(t)
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.ShareDir, name), data, 0644))
	}

	p, err := NewPeerServer(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop() })
	return p
}

// startFakePeer serves h on a loopback port. Hello is always answered so the
// fake can be connected to.
func startFakePeer(t *testing.T, h transport.HandlerFunc) string {
	t.Helper()
	tr, err := tcp.NewTCPTransport("127.0.0.1:0", tcp.Options{IOTimeout: 2 * time.Second})
	require.NoError(t, err)
	tr.SetHandler(transport.HandlerFunc(func(from string, msg protocol.Message) (protocol.Message, bool) {
		if _, ok := msg.(protocol.Hello); ok {
			return protocol.Hello{Addr: tr.Addr()}, true
		}
		return h(from, msg)
	}))
	require.NoError(t, tr.ListenAndAccept())
	t.Cleanup(func() { tr.Close() })
	return tr.Addr()
}

func connect(t *testing.T, p *PeerServer, addr string) {
	t.Helper()
	peer, err := registry.ParsePeer(addr)
	require.NoError(t, err)
	require.NoError(t, p.Connect(context.Background(), peer.Host, peer.Port))
}

func TestEndToEndDownload(t *testing.T) {
	data := patterned(25600, 1)
	a := newTestPeer(t, map[string][]byte{"x.bin": data})
	b := newTestPeer(t, nil)

	connect(t, b, a.Addr())

	// the handshake registers both sides
	assert.Equal(t, []string{a.Addr()}, peerAddrs(b.Peers()))
	assert.Equal(t, []string{b.Addr()}, peerAddrs(a.Peers()))

	results := b.Search(context.Background(), "x")
	require.Len(t, results, 1)
	assert.Equal(t, "x.bin", results[0].Name)
	assert.Equal(t, int64(25600), results[0].Size)
	assert.Equal(t, 1, results[0].PeerCount)
	assert.False(t, results[0].Local)

	report, err := b.Download(context.Background(), "x.bin")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{a.Addr(): 3}, report.Blocks)
	assert.Equal(t, 3, report.BlockCount)
	assert.Equal(t, int64(25600), report.Size)
	assert.Equal(t, fingerprint.Sum(data), report.Fingerprint)
	assert.NotEmpty(t, report.ID)

	got, err := os.ReadFile(filepath.Join(b.cfg.ShareDir, "x.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// the new copy is served and searchable right away
	assert.Equal(t, 3, b.index.BlockCount("x.bin"))
	results = b.Search(context.Background(), "x")
	require.Len(t, results, 1)
	assert.True(t, results[0].Local)
	assert.Equal(t, 1, results[0].PeerCount)

	assert.Equal(t, int64(1), atomic.LoadInt64(&b.Metrics().TransferCount))
}

func TestDownloadFromSeveralPeers(t *testing.T) {
	data := patterned(protocol.BlockSize*12+100, 3)
	a := newTestPeer(t, map[string][]byte{"big.bin": data})
	c := newTestPeer(t, map[string][]byte{"big.bin": data})
	b := newTestPeer(t, nil)
	connect(t, b, a.Addr())
	connect(t, b, c.Addr())

	report, err := b.Download(context.Background(), "big.bin")
	require.NoError(t, err)

	total := 0
	for addr, n := range report.Blocks {
		assert.Contains(t, []string{a.Addr(), c.Addr()}, addr)
		total += n
	}
	assert.Equal(t, 13, total)

	got, err := os.ReadFile(filepath.Join(b.cfg.ShareDir, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadAlreadyLocal(t *testing.T) {
	spy := &countingTransport{}
	b := newTestPeer(t, map[string][]byte{"x.bin": patterned(100, 0)}, wrapTransport(spy))
	b.registry.Add(registry.Peer{Host: "127.0.0.1", Port: 1})

	report, err := b.Download(context.Background(), "x.bin")
	require.NoError(t, err)
	assert.True(t, report.AlreadyLocal)
	assert.Empty(t, report.Blocks)
	assert.Equal(t, int32(0), spy.exchanges.Load())
}

func TestDownloadRejectsPathNames(t *testing.T) {
	b := newTestPeer(t, nil)
	for _, name := range []string{"", "..", "../x.bin", "sub/x.bin"} {
		_, err := b.Download(context.Background(), name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestDownloadNotFound(t *testing.T) {
	a := newTestPeer(t, map[string][]byte{"other.bin": patterned(10, 0)})
	b := newTestPeer(t, nil)
	connect(t, b, a.Addr())

	_, err := b.Download(context.Background(), "x.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	// no peers at all
	lonely := newTestPeer(t, nil)
	_, err = lonely.Download(context.Background(), "x.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadInconsistentPeers(t *testing.T) {
	a := newTestPeer(t, map[string][]byte{"x.bin": patterned(25600, 1)})
	c := newTestPeer(t, map[string][]byte{"x.bin": patterned(25600, 2)})
	b := newTestPeer(t, nil)
	connect(t, b, a.Addr())
	connect(t, b, c.Addr())

	_, err := b.Download(context.Background(), "x.bin")
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.NoFileExists(t, filepath.Join(b.cfg.ShareDir, "x.bin"))
}

func TestDownloadIncompleteWhenBlocksMissing(t *testing.T) {
	data := patterned(25600, 5)
	fileFP := fingerprint.Sum(data)

	// answers the query, serves a corrupt block 0 and nothing else
	addr := startFakePeer(t, func(_ string, msg protocol.Message) (protocol.Message, bool) {
		switch v := msg.(type) {
		case protocol.DownloadQuery:
			return protocol.DownloadAnswer{Exists: true, Fingerprint: fileFP, BlockCount: 3}, true
		case protocol.BlockRequest:
			if v.Index == 0 {
				payload := data[:protocol.BlockSize]
				return protocol.Block{
					FileName:         "x.bin",
					Index:            0,
					Size:             len(payload),
					Payload:          payload,
					FileFingerprint:  fileFP,
					BlockFingerprint: fingerprint.Sum([]byte("something else")),
				}, true
			}
		}
		return nil, false
	})

	b := newTestPeer(t, nil)
	connect(t, b, addr)

	_, err := b.Download(context.Background(), "x.bin")
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.NoFileExists(t, filepath.Join(b.cfg.ShareDir, "x.bin"))
}

func TestDownloadIgnoresMalformedAnswers(t *testing.T) {
	fileFP := fingerprint.Sum([]byte("huge"))
	answers := []protocol.DownloadAnswer{
		{Exists: true, Fingerprint: fileFP, BlockCount: 1 << 62},
		{Exists: true, Fingerprint: fileFP, BlockCount: protocol.MaxBlockCount + 1},
		{Exists: true, Fingerprint: strings.ToUpper(fileFP), BlockCount: 1},
	}
	for _, answer := range answers {
		answer := answer
		var blockRequests atomic.Int32
		addr := startFakePeer(t, func(_ string, msg protocol.Message) (protocol.Message, bool) {
			switch msg.(type) {
			case protocol.DownloadQuery:
				return answer, true
			case protocol.BlockRequest:
				blockRequests.Add(1)
			}
			return nil, false
		})

		b := newTestPeer(t, nil)
		connect(t, b, addr)

		_, err := b.Download(context.Background(), "x.bin")
		assert.ErrorIs(t, err, ErrNotFound, "block count %d", answer.BlockCount)
		assert.Zero(t, blockRequests.Load())
		assert.NoFileExists(t, filepath.Join(b.cfg.ShareDir, "x.bin"))
	}
}

func TestDownloadDeadline(t *testing.T) {
	fileFP := fingerprint.Sum([]byte("never delivered"))
	release := make(chan struct{})
	var requests atomic.Int32

	addr := startFakePeer(t, func(_ string, msg protocol.Message) (protocol.Message, bool) {
		switch msg.(type) {
		case protocol.DownloadQuery:
			return protocol.DownloadAnswer{Exists: true, Fingerprint: fileFP, BlockCount: 4}, true
		case protocol.BlockRequest:
			requests.Add(1)
			<-release
		}
		return nil, false
	})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	mock := clock.NewMock()
	b := newTestPeer(t, nil, WithClock(mock))
	connect(t, b, addr)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Download(context.Background(), "x.bin")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return requests.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	mock.Add(b.cfg.BlockDeadline.Duration)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrIncomplete)
	case <-time.After(3 * time.Second):
		t.Fatal("download did not stop at the block deadline")
	}
	assert.NoFileExists(t, filepath.Join(b.cfg.ShareDir, "x.bin"))
}

func TestDownloadDestinationExists(t *testing.T) {
	data := patterned(300, 9)
	a := newTestPeer(t, map[string][]byte{"x.bin": data})
	b := newTestPeer(t, nil)
	connect(t, b, a.Addr())

	// hidden from the index but occupying the name on disk
	dest := filepath.Join(b.cfg.ShareDir, "x.bin")
	require.NoError(t, os.Mkdir(dest, 0755))

	_, err := b.Download(context.Background(), "x.bin")
	assert.ErrorIs(t, err, ErrDestinationExists)
}

func TestDownloadRecordsHistory(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	a := newTestPeer(t, map[string][]byte{"x.bin": patterned(25600, 1)})
	b := newTestPeer(t, nil, WithHistory(store))
	connect(t, b, a.Addr())

	report, err := b.Download(context.Background(), "x.bin")
	require.NoError(t, err)

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, report.ID, entries[0].ID)
	assert.Equal(t, "x.bin", entries[0].FileName)
	assert.Equal(t, map[string]int{a.Addr(): 3}, entries[0].Blocks)
}

func TestSearchWithoutPeers(t *testing.T) {
	b := newTestPeer(t, map[string][]byte{"Notes.txt": patterned(42, 0)})

	results := b.Search(context.Background(), "notes")
	require.Len(t, results, 1)
	assert.True(t, results[0].Local)
	assert.Equal(t, 0, results[0].PeerCount)
	assert.Equal(t, int64(42), results[0].Size)

	assert.Empty(t, b.Search(context.Background(), "missing"))
}

func TestSearchMergesByFingerprint(t *testing.T) {
	same := patterned(500, 1)
	a := newTestPeer(t, map[string][]byte{"report.pdf": same, "report-old.pdf": patterned(400, 2)})
	c := newTestPeer(t, map[string][]byte{"report-copy.pdf": same})
	b := newTestPeer(t, nil)
	connect(t, b, a.Addr())
	connect(t, b, c.Addr())
	// unreachable peer contributes nothing
	b.registry.Add(registry.Peer{Host: "127.0.0.1", Port: 1})

	results := b.Search(context.Background(), "REPORT")
	require.Len(t, results, 2)

	counts := map[string]int{}
	for _, r := range results {
		counts[r.Fingerprint] = r.PeerCount
	}
	assert.Equal(t, 2, counts[fingerprint.Sum(same)])
	assert.Equal(t, 1, counts[fingerprint.Sum(patterned(400, 2))])
}

func TestSearchNameIsStable(t *testing.T) {
	same := patterned(500, 3)
	a := newTestPeer(t, map[string][]byte{"b-copy.txt": same})
	c := newTestPeer(t, map[string][]byte{"a-copy.txt": same})
	b := newTestPeer(t, nil)
	connect(t, b, a.Addr())
	connect(t, b, c.Addr())

	for i := 0; i < 10; i++ {
		results := b.Search(context.Background(), "copy")
		require.Len(t, results, 1)
		assert.Equal(t, "a-copy.txt", results[0].Name)
		assert.Equal(t, 2, results[0].PeerCount)
		assert.False(t, results[0].Local)
	}
}

func TestSearchPrefersLocalName(t *testing.T) {
	same := patterned(500, 4)
	a := newTestPeer(t, map[string][]byte{"a-copy.txt": same})
	b := newTestPeer(t, map[string][]byte{"z-copy.txt": same})
	connect(t, b, a.Addr())

	results := b.Search(context.Background(), "copy")
	require.Len(t, results, 1)
	assert.Equal(t, "z-copy.txt", results[0].Name)
	assert.True(t, results[0].Local)
	assert.Equal(t, 1, results[0].PeerCount)
}

func TestConnectRequiresHello(t *testing.T) {
	wrong, err := tcp.NewTCPTransport("127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	wrong.SetHandler(transport.HandlerFunc(func(string, protocol.Message) (protocol.Message, bool) {
		return protocol.SearchResults{}, true
	}))
	require.NoError(t, wrong.ListenAndAccept())
	defer wrong.Close()

	silent, err := tcp.NewTCPTransport("127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	silent.SetHandler(transport.HandlerFunc(func(string, protocol.Message) (protocol.Message, bool) {
		return nil, false
	}))
	require.NoError(t, silent.ListenAndAccept())
	defer silent.Close()

	b := newTestPeer(t, nil)
	assert.ErrorIs(t, b.ConnectAddr(context.Background(), wrong.Addr()), ErrHandshake)
	assert.ErrorIs(t, b.ConnectAddr(context.Background(), silent.Addr()), ErrHandshake)
	assert.Empty(t, b.Peers())
}

func TestServeMessage(t *testing.T) {
	data := patterned(15000, 4)
	p := newTestPeer(t, map[string][]byte{"a.txt": data})
	fp := fingerprint.Sum(data)

	t.Run("hello with bad address", func(t *testing.T) {
		_, ok := p.ServeMessage("x", protocol.Hello{Addr: "not-an-address"})
		assert.False(t, ok)
		assert.Empty(t, p.Peers())
	})

	t.Run("hello registers", func(t *testing.T) {
		reply, ok := p.ServeMessage("x", protocol.Hello{Addr: "127.0.0.1:9999"})
		require.True(t, ok)
		assert.Equal(t, protocol.Hello{Addr: p.Addr()}, reply)
		assert.True(t, p.registry.Contains(registry.Peer{Host: "127.0.0.1", Port: 9999}))
	})

	t.Run("response kinds are rejected", func(t *testing.T) {
		_, ok := p.ServeMessage("x", protocol.SearchResults{})
		assert.False(t, ok)
		_, ok = p.ServeMessage("x", protocol.Block{})
		assert.False(t, ok)
	})

	t.Run("download query", func(t *testing.T) {
		reply, ok := p.ServeMessage("x", protocol.DownloadQuery{FileName: "a.txt"})
		require.True(t, ok)
		assert.Equal(t, protocol.DownloadAnswer{Exists: true, Fingerprint: fp, BlockCount: 2}, reply)

		reply, ok = p.ServeMessage("x", protocol.DownloadQuery{FileName: "b.txt"})
		require.True(t, ok)
		assert.Equal(t, protocol.DownloadAnswer{}, reply)
	})

	t.Run("search", func(t *testing.T) {
		reply, ok := p.ServeMessage("x", protocol.Search{Keyword: "A."})
		require.True(t, ok)
		assert.Equal(t, protocol.SearchResults{Entries: []string{protocol.FormatEntry("a.txt", 15000, fp)}}, reply)
	})

	t.Run("block request", func(t *testing.T) {
		reply, ok := p.ServeMessage("x", protocol.BlockRequest{Fingerprint: fp, Index: 1})
		require.True(t, ok)
		block := reply.(protocol.Block)
		assert.Equal(t, 15000-protocol.BlockSize, block.Size)
		assert.Equal(t, data[protocol.BlockSize:], block.Payload)

		_, ok = p.ServeMessage("x", protocol.BlockRequest{Fingerprint: fp, Index: 2})
		assert.False(t, ok)
	})
}

func TestVerifyBlock(t *testing.T) {
	payload := []byte("payload")
	good := protocol.Block{
		Index:            2,
		Size:             len(payload),
		Payload:          payload,
		FileFingerprint:  "file",
		BlockFingerprint: fingerprint.Sum(payload),
	}
	assert.NoError(t, verifyBlock(good, "file", 2))

	wrongIndex := good
	assert.Error(t, verifyBlock(wrongIndex, "file", 3))

	wrongFile := good
	wrongFile.FileFingerprint = "other"
	assert.Error(t, verifyBlock(wrongFile, "file", 2))

	wrongSize := good
	wrongSize.Size = 3
	assert.Error(t, verifyBlock(wrongSize, "file", 2))

	tampered := good
	tampered.Payload = []byte("PAYLOAD")
	assert.Error(t, verifyBlock(tampered, "file", 2))
}

func peerAddrs(peers []registry.Peer) []string {
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.String())
	}
	return addrs
}

// countingTransport wraps another transport and counts outbound exchanges.
type countingTransport struct {
	transport.Transport
	exchanges atomic.Int32
}

func (c *countingTransport) Exchange(ctx context.Context, addr string, msg protocol.Message) (protocol.Message, error) {
	c.exchanges.Add(1)
	return c.Transport.Exchange(ctx, addr, msg)
}

func wrapTransport(spy *countingTransport) Option {
	return func(p *PeerServer) {
		inner, err := tcp.NewTCPTransport(p.cfg.ListenAddr, tcp.Options{})
		if err != nil {
			panic(err)
		}
		spy.Transport = inner
		p.Transport = spy
	}
}
