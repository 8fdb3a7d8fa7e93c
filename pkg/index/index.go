package index

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tarun-kavipurapu/p2p-share/pkg/fingerprint"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// SharedFile is a regular, non-hidden file directly inside the share folder.
type SharedFile struct {
	Name string
	Size int64
}

// Index lists the share folder and holds the eagerly built block set for
// every file in it. Refresh rebuilds both.
type Index struct {
	dir string

	mu     sync.RWMutex
	files  []SharedFile
	blocks []protocol.Block
	// names being written by a download, never indexed until released
	writing map[string]struct{}
}

// New creates the share folder if needed and performs the first refresh.
func New(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create share folder: %w", err)
	}
	idx := &Index{dir: dir, writing: make(map[string]struct{})}
	if err := idx.Refresh(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Dir() string {
	return idx.dir
}

// Path is where a file with this name lives (or would live) in the share folder.
func (idx *Index) Path(name string) string {
	return filepath.Join(idx.dir, name)
}

// Refresh re-reads the folder and regenerates every block.
func (idx *Index) Refresh() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return fmt.Errorf("failed to list share folder: %w", err)
	}

	var files []SharedFile
	var blocks []protocol.Block
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") || !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}

		fileBlocks, err := buildBlocks(idx.Path(entry.Name()), entry.Name())
		if err != nil {
			logger.Sugar.Warnf("[Index] skipping %s: %v", entry.Name(), err)
			continue
		}
		files = append(files, SharedFile{Name: entry.Name(), Size: info.Size()})
		blocks = append(blocks, fileBlocks...)
	}

	idx.mu.Lock()
	if len(idx.writing) > 0 {
		files, blocks = idx.withoutWritingLocked(files, blocks)
	}
	idx.files = files
	idx.blocks = blocks
	idx.mu.Unlock()

	logger.Sugar.Debugf("[Index] refreshed %s: %d files, %d blocks", idx.dir, len(files), len(blocks))
	return nil
}

// Reserve keeps name out of the index while a download writes it, so a
// refresh in the meantime cannot pick up a partial file. Call the returned
// func once the file is complete or removed.
func (idx *Index) Reserve(name string) (release func()) {
	idx.mu.Lock()
	idx.writing[name] = struct{}{}
	idx.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			idx.mu.Lock()
			delete(idx.writing, name)
			idx.mu.Unlock()
		})
	}
}

func (idx *Index) withoutWritingLocked(files []SharedFile, blocks []protocol.Block) ([]SharedFile, []protocol.Block) {
	keptFiles := files[:0]
	for _, f := range files {
		if _, busy := idx.writing[f.Name]; !busy {
			keptFiles = append(keptFiles, f)
		}
	}
	keptBlocks := blocks[:0]
	for _, b := range blocks {
		if _, busy := idx.writing[b.FileName]; !busy {
			keptBlocks = append(keptBlocks, b)
		}
	}
	return keptFiles, keptBlocks
}

// List returns the shared files in folder order.
func (idx *Index) List() []SharedFile {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	files := make([]SharedFile, len(idx.files))
	copy(files, idx.files)
	return files
}

// FindByName is an exact, case-sensitive lookup.
func (idx *Index) FindByName(name string) (SharedFile, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, f := range idx.files {
		if f.Name == name {
			return f, true
		}
	}
	return SharedFile{}, false
}

// SearchByKeyword matches keyword as a case-insensitive substring of file names.
func (idx *Index) SearchByKeyword(keyword string) []SharedFile {
	needle := strings.ToLower(keyword)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var matches []SharedFile
	for _, f := range idx.files {
		if strings.Contains(strings.ToLower(f.Name), needle) {
			matches = append(matches, f)
		}
	}
	return matches
}

// Fingerprint hashes the current on-disk content of a shared file.
func (idx *Index) Fingerprint(name string) (string, error) {
	if _, ok := idx.FindByName(name); !ok {
		return "", fmt.Errorf("file %s is not shared", name)
	}
	return fingerprint.File(idx.Path(name))
}

// BlockCount is the number of precomputed blocks for name.
func (idx *Index) BlockCount(name string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	count := 0
	for _, b := range idx.blocks {
		if b.FileName == name {
			count++
		}
	}
	return count
}

// LookupBlock scans the block set for a (file fingerprint, index) match.
func (idx *Index) LookupBlock(fileFingerprint string, index int) (protocol.Block, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, b := range idx.blocks {
		if b.FileFingerprint == fileFingerprint && b.Index == index {
			return b, true
		}
	}
	return protocol.Block{}, false
}

// buildBlocks splits a file into BlockSize pieces, the last one holding the remainder.
func buildBlocks(path, name string) ([]protocol.Block, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var blocks []protocol.Block
	for index := 0; ; index++ {
		buf := make([]byte, protocol.BlockSize)
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			payload := buf[:n]
			blocks = append(blocks, protocol.Block{
				FileName:         name,
				Index:            index,
				Size:             n,
				Payload:          payload,
				BlockFingerprint: fingerprint.Sum(payload),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	fileFingerprint, err := fingerprint.Reader(file)
	if err != nil {
		return nil, err
	}
	for i := range blocks {
		blocks[i].FileFingerprint = fileFingerprint
	}
	return blocks, nil
}
