// Package matcher maps an asset whose file cannot be resolved to a
// candidate file elsewhere in the scanned tree. Strategies form an
// ordered cascade from exact to fuzzy; the first hit wins and carries a
// confidence score. Only the fuzzy strategy is gated by a minimum
// confidence: sub-threshold candidates are surfaced for manual review,
// never auto-applied.
package matcher

import (
	"path"
	"sort"
	"strings"

	"github.com/assetshift/assetshift/internal/asset"
	"github.com/assetshift/assetshift/internal/storage"
)

// Strategy names, in cascade order.
const (
	StrategySourceExact  = "source_exact"
	StrategyExact        = "exact"
	StrategyCaseFold     = "case_insensitive"
	StrategyNormalized   = "normalized"
	StrategyExtFamily    = "extension_family"
	StrategySizeAndName  = "size_and_name"
	StrategyFuzzy        = "fuzzy"
)

// Confidence per strategy.
const (
	confSourceExact = 1.0
	confExact       = 0.95
	confCaseFold    = 0.85
	confNormalized  = 0.75
	confExtFamily   = 0.70
	confSizeName    = 0.60
)

// DefaultMinFuzzyConfidence gates the fuzzy strategy only.
const DefaultMinFuzzyConfidence = 0.70

// fuzzy pre-filter bounds, keeping candidate scans sub-quadratic
const (
	maxEditDistance   = 5
	prefixLen         = 3
	maxPrefixDistance = 2
	lengthTolerance   = 0.3
)

// Result is the outcome of a match attempt.
type Result struct {
	Found      bool
	File       storage.FileRecord
	Strategy   string
	Confidence float64

	// NeedsReview is set when the only candidate fell below the fuzzy
	// confidence gate. File and Confidence describe the rejected
	// candidate; Found stays false.
	NeedsReview bool
}

// Index holds lookup tables over a scanned file tree. Built once per
// phase from a provider scan; never persisted.
type Index struct {
	byPath  map[string]storage.FileRecord
	byName  map[string][]storage.FileRecord
	byLower map[string][]storage.FileRecord
	byNorm  map[string][]storage.FileRecord
	byStem  map[string][]storage.FileRecord
	bySize  map[int64][]storage.FileRecord
	count   int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		byPath:  make(map[string]storage.FileRecord),
		byName:  make(map[string][]storage.FileRecord),
		byLower: make(map[string][]storage.FileRecord),
		byNorm:  make(map[string][]storage.FileRecord),
		byStem:  make(map[string][]storage.FileRecord),
		bySize:  make(map[int64][]storage.FileRecord),
	}
}

// Add indexes one file record.
func (idx *Index) Add(f storage.FileRecord) {
	idx.byPath[f.Path] = f
	idx.byName[f.Filename] = append(idx.byName[f.Filename], f)

	lower := strings.ToLower(f.Filename)
	idx.byLower[lower] = append(idx.byLower[lower], f)

	norm := Normalize(f.Filename)
	idx.byNorm[norm] = append(idx.byNorm[norm], f)

	stem := canonicalStem(f.Filename)
	idx.byStem[stem] = append(idx.byStem[stem], f)

	idx.bySize[f.Size] = append(idx.bySize[f.Size], f)
	idx.count++
}

// Len returns the number of indexed files.
func (idx *Index) Len() int { return idx.count }

// Each invokes fn for every indexed file, in unspecified order.
func (idx *Index) Each(fn func(storage.FileRecord)) {
	for _, f := range idx.byPath {
		fn(f)
	}
}

// Lookup returns the file at an exact path, if indexed.
func (idx *Index) Lookup(filePath string) (storage.FileRecord, bool) {
	f, ok := idx.byPath[filePath]
	return f, ok
}

// Matcher runs the strategy cascade against an index.
type Matcher struct {
	// TargetVolume biases tie-breaking toward files already in the
	// migration target.
	TargetVolume string

	// MinFuzzyConfidence gates the fuzzy strategy (strategy 7) only.
	MinFuzzyConfidence float64
}

// New creates a matcher with the default fuzzy gate.
func New(targetVolume string) *Matcher {
	return &Matcher{
		TargetVolume:       targetVolume,
		MinFuzzyConfidence: DefaultMinFuzzyConfidence,
	}
}

// FindMatch runs the cascade for one asset. Higher-priority strategies
// always win over lower-priority ones.
func (m *Matcher) FindMatch(rec asset.Record, idx *Index) Result {
	// 1. Exact filename at the asset's own source location.
	if f, ok := idx.Lookup(rec.Path()); ok {
		return Result{Found: true, File: f, Strategy: StrategySourceExact, Confidence: confSourceExact}
	}

	// 2. Exact filename anywhere scanned.
	if files := idx.byName[rec.Filename]; len(files) > 0 {
		return Result{Found: true, File: m.pick(files), Strategy: StrategyExact, Confidence: confExact}
	}

	// 3. Case-insensitive filename.
	if files := idx.byLower[strings.ToLower(rec.Filename)]; len(files) > 0 {
		return Result{Found: true, File: m.pick(files), Strategy: StrategyCaseFold, Confidence: confCaseFold}
	}

	// 4. Normalized filename.
	if files := idx.byNorm[Normalize(rec.Filename)]; len(files) > 0 {
		return Result{Found: true, File: m.pick(files), Strategy: StrategyNormalized, Confidence: confNormalized}
	}

	// 5. Basename within an equivalent extension family.
	if files := idx.byStem[canonicalStem(rec.Filename)]; len(files) > 0 {
		matches := files[:0:0]
		for _, f := range files {
			if sameExtFamily(rec.Filename, f.Filename) {
				matches = append(matches, f)
			}
		}
		if len(matches) > 0 {
			return Result{Found: true, File: m.pick(matches), Strategy: StrategyExtFamily, Confidence: confExtFamily}
		}
	}

	// 6. Byte-size match plus fuzzy name similarity above 0.5.
	if rec.Size > 0 {
		if files := idx.bySize[rec.Size]; len(files) > 0 {
			matches := files[:0:0]
			for _, f := range files {
				if nameSimilarity(rec.Filename, f.Filename) > 0.5 {
					matches = append(matches, f)
				}
			}
			if len(matches) > 0 {
				return Result{Found: true, File: m.pick(matches), Strategy: StrategySizeAndName, Confidence: confSizeName}
			}
		}
	}

	// 7. Bounded fuzzy match over a pre-filtered candidate set.
	return m.fuzzyMatch(rec, idx)
}

// fuzzyMatch scans pre-filtered candidates with a bounded edit distance.
func (m *Matcher) fuzzyMatch(rec asset.Record, idx *Index) Result {
	want := strings.ToLower(rec.Filename)
	wantLen := len(want)
	minLen := wantLen - int(float64(wantLen)*lengthTolerance)
	maxLen := wantLen + int(float64(wantLen)*lengthTolerance)

	wantPrefix := prefixOf(want)

	type candidate struct {
		file storage.FileRecord
		dist int
	}
	var best []candidate
	bestDist := maxEditDistance + 1

	for name, files := range idx.byLower {
		if len(name) < minLen || len(name) > maxLen {
			continue
		}
		if levenshteinBounded(wantPrefix, prefixOf(name), maxPrefixDistance) > maxPrefixDistance {
			continue
		}
		dist := levenshteinBounded(want, name, maxEditDistance)
		if dist > maxEditDistance {
			continue
		}
		if dist < bestDist {
			bestDist = dist
			best = best[:0]
		}
		if dist == bestDist {
			for _, f := range files {
				best = append(best, candidate{file: f, dist: dist})
			}
		}
	}

	if len(best) == 0 {
		return Result{}
	}

	denom := wantLen
	if l := len(strings.ToLower(best[0].file.Filename)); l > denom {
		denom = l
	}
	confidence := 1.0 - float64(bestDist)/float64(denom)

	files := make([]storage.FileRecord, len(best))
	for i, c := range best {
		files[i] = c.file
	}
	picked := m.pick(files)

	if confidence < m.MinFuzzyConfidence {
		// Below the gate: never auto-applied, surfaced for review.
		return Result{File: picked, Strategy: StrategyFuzzy, Confidence: confidence, NeedsReview: true}
	}
	return Result{Found: true, File: picked, Strategy: StrategyFuzzy, Confidence: confidence}
}

// pick breaks ties among equal-strategy matches: prefer files already in
// the target volume, then most recent modification time.
func (m *Matcher) pick(files []storage.FileRecord) storage.FileRecord {
	if len(files) == 1 {
		return files[0]
	}
	sorted := make([]storage.FileRecord, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		inTargetI := m.inTarget(sorted[i])
		inTargetJ := m.inTarget(sorted[j])
		if inTargetI != inTargetJ {
			return inTargetI
		}
		return sorted[i].LastModified.After(sorted[j].LastModified)
	})
	return sorted[0]
}

func (m *Matcher) inTarget(f storage.FileRecord) bool {
	return m.TargetVolume != "" && strings.HasPrefix(f.Path, m.TargetVolume+"/")
}

// extension families treated as equivalent
var extFamilies = map[string]string{
	"jpg": "jpg", "jpeg": "jpg", "jpe": "jpg",
	"tif": "tif", "tiff": "tif",
	"htm": "htm", "html": "htm",
	"yml": "yml", "yaml": "yml",
}

func extFamily(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if fam, ok := extFamilies[ext]; ok {
		return fam
	}
	return ext
}

func sameExtFamily(a, b string) bool {
	return extFamily(a) == extFamily(b)
}

// canonicalStem returns the lowercase basename without its extension.
func canonicalStem(name string) string {
	base := strings.ToLower(name)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// copySuffixes are junk markers appended by copy tools and humans.
var copySuffixes = []string{"_copy", "-copy", " copy", "(copy)", ".bak"}

// Normalize lowercases a filename, strips copy markers and duplicate
// counters like "(1)", collapses separator runs, and drops stray
// punctuation, keeping the (family-canonical) extension.
func Normalize(name string) string {
	lower := strings.ToLower(name)

	// ".bak" wraps the whole filename: "photo.jpg.bak" -> "photo.jpg"
	lower = strings.TrimSuffix(lower, ".bak")

	ext := extFamily(lower)
	stem := lower
	if e := path.Ext(lower); e != "" {
		stem = strings.TrimSuffix(lower, e)
	}

	for changed := true; changed; {
		changed = false
		for _, suffix := range copySuffixes {
			trimmed := strings.TrimSuffix(strings.TrimSpace(stem), suffix)
			if trimmed != stem {
				stem = strings.TrimSpace(trimmed)
				changed = true
			}
		}
		// numbered duplicates: "photo (1)", "photo(2)"
		if i := strings.LastIndex(stem, "("); i >= 0 && strings.HasSuffix(stem, ")") {
			inner := stem[i+1 : len(stem)-1]
			if isDigits(inner) {
				stem = strings.TrimSpace(stem[:i])
				changed = true
			}
		}
	}

	var b strings.Builder
	lastSep := false
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		case r == '-' || r == '_' || r == ' ' || r == '.':
			if !lastSep && b.Len() > 0 {
				b.WriteByte('_')
				lastSep = true
			}
		default:
			// drop punctuation
		}
	}
	stem = strings.TrimSuffix(b.String(), "_")

	if ext != "" {
		return stem + "." + ext
	}
	return stem
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// nameSimilarity returns 1 - editDistance/maxLen over lowercased names.
func nameSimilarity(a, b string) float64 {
	al, bl := strings.ToLower(a), strings.ToLower(b)
	maxLen := len(al)
	if len(bl) > maxLen {
		maxLen = len(bl)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshteinBounded(al, bl, maxLen)
	return 1.0 - float64(dist)/float64(maxLen)
}

func prefixOf(s string) string {
	if len(s) <= prefixLen {
		return s
	}
	return s[:prefixLen]
}

// levenshteinBounded computes edit distance with an early exit: once
// every value in a row exceeds bound the result is reported as bound+1.
func levenshteinBounded(a, b string, bound int) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return min(len(b), bound+1)
	}
	if len(b) == 0 {
		return min(len(a), bound+1)
	}
	if abs(len(a)-len(b)) > bound {
		return bound + 1
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > bound {
			return bound + 1
		}
		prev, curr = curr, prev
	}

	if prev[len(b)] > bound {
		return bound + 1
	}
	return prev[len(b)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
