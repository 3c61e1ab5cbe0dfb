package toolregistry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sable-systems/sentry/internal/logging"
)

// LearningStore is the JSON-file-backed recall store from §4.6: records
// successful (query, winning_server) routings and scores past queries
// against a new one to produce "recall hints" for the classifier prompt.
//
// No direct teacher equivalent — the teacher's tool selection is static
// per toolset, not learned per query — built fresh against the decision
// contract in §4.6, using an advisory flock so multiple gateway processes
// sharing one state directory can append safely (mirrors the advisory
// locking idiom the teacher uses for its own on-disk session state).
type LearningStore struct {
	mu     sync.Mutex
	path   string
	logger logging.Logger

	entries []LearningEntry
}

func NewLearningStore(path string, logger logging.Logger) *LearningStore {
	s := &LearningStore{path: path, logger: logging.OrNop(logger).With("toolregistry.learning")}
	s.load()
	return s
}

func (s *LearningStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var entries []LearningEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("learning store %s is corrupt, starting empty: %v", s.path, err)
		return
	}
	s.entries = entries
}

// Observe records a successful routing, trimming to the newest 20% of
// maxLearningEntries on overflow (§4.6).
func (s *LearningStore) Observe(queryText, winningServer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, LearningEntry{
		QueryHash:     hashQuery(queryText),
		QueryText:     queryText,
		WinningServer: winningServer,
		Timestamp:     time.Now(),
	})
	if len(s.entries) > maxLearningEntries {
		retain := int(float64(maxLearningEntries) * learningTrimRetained)
		s.entries = s.entries[len(s.entries)-retain:]
	}
	s.persist()
}

// Recall scores every stored entry against queryText and returns the
// winning servers whose score exceeds recallScoreThreshold, most
// relevant first.
func (s *LearningStore) Recall(queryText string) []string {
	s.mu.Lock()
	entries := append([]LearningEntry(nil), s.entries...)
	s.mu.Unlock()

	type scored struct {
		server string
		score  float64
	}
	queryTokens := tokenize(queryText)

	var hits []scored
	now := time.Now()
	for _, e := range entries {
		score := recallScore(queryTokens, tokenize(e.QueryText), now.Sub(e.Timestamp))
		if score > recallScoreThreshold {
			hits = append(hits, scored{server: e.WinningServer, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	seen := make(map[string]bool)
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h.server] {
			continue
		}
		seen[h.server] = true
		out = append(out, h.server)
	}
	return out
}

// recallScore implements the exact §4.6 formula:
//
//	score = (keyword_overlap + coverage_ratio + 0.4*fuzzy_ratio) * exp(-age_days/3)
func recallScore(query, past []string, age time.Duration) float64 {
	if len(query) == 0 || len(past) == 0 {
		return 0
	}
	overlap := tokenOverlap(query, past)
	keywordOverlap := float64(overlap) / float64(len(query))
	coverageRatio := float64(overlap) / float64(len(past))
	fuzzyRatio := fuzzyMatchRatio(query, past)

	ageDays := age.Hours() / 24
	return (keywordOverlap + coverageRatio + 0.4*fuzzyRatio) * math.Exp(-ageDays/3)
}

func tokenOverlap(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	count := 0
	for _, t := range a {
		if set[t] {
			count++
		}
	}
	return count
}

// fuzzyMatchRatio is a token-level Jaccard-style ratio as the "fuzzy"
// signal, cheap enough to run against up to 10,000 stored entries per
// classification without a dedicated string-distance library.
func fuzzyMatchRatio(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	union := make(map[string]bool, len(setA)+len(setB))
	intersection := 0
	for t := range setA {
		union[t] = true
		if setB[t] {
			intersection++
		}
	}
	for t := range setB {
		union[t] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func hashQuery(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}

// persist writes the full entry set back to disk under an advisory flock
// so concurrent gateway processes sharing the state directory don't
// interleave writes.
func (s *LearningStore) persist() {
	data, err := json.Marshal(s.entries)
	if err != nil {
		s.logger.Warn("marshal learning store: %v", err)
		return
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		s.logger.Warn("open learning store %s: %v", s.path, err)
		return
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		s.logger.Warn("lock learning store %s: %v", s.path, err)
		return
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if err := f.Truncate(0); err != nil {
		s.logger.Warn("truncate learning store %s: %v", s.path, err)
		return
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		s.logger.Warn("write learning store %s: %v", s.path, err)
	}
}
