package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BlockSize is the fixed transfer unit. The last block of a file holds the remainder.
const BlockSize = 10240

// MaxBlockCount bounds the block count a DownloadAnswer may announce, keeping
// shared files under 2 GiB.
const MaxBlockCount = math.MaxInt32 / BlockSize

// Kind is the discriminant written ahead of every payload on the wire.
type Kind uint8

// Message Kinds
const (
	KindHello Kind = iota + 1
	KindSearch
	KindSearchResults
	KindDownloadQuery
	KindDownloadAnswer
	KindBlockRequest
	KindBlock
)

var ErrUnknownKind = errors.New("unknown message kind")

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindSearch:
		return "search"
	case KindSearchResults:
		return "search_results"
	case KindDownloadQuery:
		return "download_query"
	case KindDownloadAnswer:
		return "download_answer"
	case KindBlockRequest:
		return "block_request"
	case KindBlock:
		return "block"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid reports whether k names one of the message variants.
func (k Kind) Valid() bool {
	return k >= KindHello && k <= KindBlock
}

// Message is the closed set of values exchanged between peers.
type Message interface {
	Kind() Kind
	isMessage()
}

// --- Domain Types ---

// Hello announces the sender's listen address ("host:port").
type Hello struct {
	Addr string
}

type Search struct {
	Keyword string
}

// SearchResults carries one "name:size:fingerprint" entry per local match.
type SearchResults struct {
	Entries []string
}

type DownloadQuery struct {
	FileName string
}

type DownloadAnswer struct {
	Exists      bool
	Fingerprint string
	BlockCount  int
}

type BlockRequest struct {
	Fingerprint string
	Index       int
}

// Block is one slice of a shared file. FileFingerprint ties it to a specific
// whole-file identity and BlockFingerprint covers Payload alone.
type Block struct {
	FileName         string
	Index            int
	Size             int
	Payload          []byte
	FileFingerprint  string
	BlockFingerprint string
}

func (Hello) Kind() Kind          { return KindHello }
func (Search) Kind() Kind         { return KindSearch }
func (SearchResults) Kind() Kind  { return KindSearchResults }
func (DownloadQuery) Kind() Kind  { return KindDownloadQuery }
func (DownloadAnswer) Kind() Kind { return KindDownloadAnswer }
func (BlockRequest) Kind() Kind   { return KindBlockRequest }
func (Block) Kind() Kind          { return KindBlock }

func (Hello) isMessage()          {}
func (Search) isMessage()         {}
func (SearchResults) isMessage()  {}
func (DownloadQuery) isMessage()  {}
func (DownloadAnswer) isMessage() {}
func (BlockRequest) isMessage()   {}
func (Block) isMessage()          {}

// SearchEntry is the decoded form of one SearchResults entry.
type SearchEntry struct {
	Name        string
	Size        int64
	Fingerprint string
}

// FormatEntry renders a search hit as "name:size:fingerprint".
func FormatEntry(name string, size int64, fingerprint string) string {
	return name + ":" + strconv.FormatInt(size, 10) + ":" + fingerprint
}

// ParseEntry splits from the right so that names containing ':' survive.
func ParseEntry(entry string) (SearchEntry, error) {
	fpSep := strings.LastIndex(entry, ":")
	if fpSep < 0 {
		return SearchEntry{}, fmt.Errorf("malformed search entry %q", entry)
	}
	sizeSep := strings.LastIndex(entry[:fpSep], ":")
	if sizeSep <= 0 {
		return SearchEntry{}, fmt.Errorf("malformed search entry %q", entry)
	}

	size, err := strconv.ParseInt(entry[sizeSep+1:fpSep], 10, 64)
	if err != nil || size < 0 {
		return SearchEntry{}, fmt.Errorf("malformed size in search entry %q", entry)
	}
	fp := entry[fpSep+1:]
	if fp == "" {
		return SearchEntry{}, fmt.Errorf("missing fingerprint in search entry %q", entry)
	}

	return SearchEntry{
		Name:        entry[:sizeSep],
		Size:        size,
		Fingerprint: fp,
	}, nil
}
