// Package idwords: human-readable names for peer IDs (logs, admin API).
package idwords

import (
	"embed"
	"strings"
	"sync"

	"dev.c0redev.peerrpc/internal/peer"
)

//go:embed words.txt
var wordsFS embed.FS

var (
	wordlist   []string
	wordset    map[string]bool
	wordlistMu sync.Once
)

func loadWordlist() {
	wordlistMu.Do(func() {
		b, _ := wordsFS.ReadFile("words.txt")
		s := strings.TrimSpace(string(b))
		wordset = make(map[string]bool)
		if s != "" {
			wordlist = strings.Split(s, "\n")
			for i, w := range wordlist {
				wordlist[i] = strings.TrimSpace(w)
				wordset[wordlist[i]] = true
			}
		}
	})
}

// mix splitmix64 finalizer; spreads nearby IDs across the list.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Name returns word1:word2:word3:word4:word5 for id; same id, same name.
func Name(id peer.ID) string {
	loadWordlist()
	n := uint64(len(wordlist))
	if n == 0 {
		return id.String()
	}
	h := mix(uint64(id))
	parts := make([]string, 5)
	for i := range parts {
		parts[i] = wordlist[(h>>(i*12))%n]
	}
	return strings.Join(parts, ":")
}

// Identity is Name as a peer.Identity.
var Identity peer.Identity = peer.IdentityFunc(Name)

// ValidName true if s is five words from list, ":" joined.
func ValidName(s string) bool {
	loadWordlist()
	parts := strings.Split(s, ":")
	if len(parts) != 5 {
		return false
	}
	for _, p := range parts {
		if p == "" || !wordset[p] {
			return false
		}
	}
	return true
}
