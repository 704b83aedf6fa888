package casemover

import (
	"regexp"
	"strings"
)

// KnownMatter is the matcher's view of an already-loaded matter.
type KnownMatter struct {
	MatterID   string
	Number     string
	Name       string
	ClientName string
}

// MatchResult carries the probable matter for a document path. Remainder is
// the folder suffix between the matched folder and the file itself, kept so
// the document lands in the matching subfolder on the target side.
type MatchResult struct {
	MatterID   string
	Confidence MatchConfidence
	Remainder  string
}

var caseNumberPattern = regexp.MustCompile(`^\d{2,4}-\d{2,6}$`)

// genericSegments are folder names carrying no case information.
var genericSegments = map[string]struct{}{
	"documents": {}, "document": {}, "files": {}, "file": {},
	"docs": {}, "shared": {}, "scans": {}, "uploads": {}, "archive": {},
}

// PathMatcher heuristically maps a reconstructed folder path to a probable
// matter. Rules are evaluated in strictly decreasing confidence order and the
// first hit wins:
//
//	a. exact case-number segment            -> high
//	b. "number - name" composite segment    -> high (number) / medium (name)
//	c. client folder then matter folder     -> medium
//	d. substring overlap with a case name   -> low
//	e. nothing                              -> no matter
type PathMatcher struct {
	byNumber map[string]KnownMatter
	byName   map[string]KnownMatter
	byClient map[string][]KnownMatter
	allKnown []KnownMatter
}

func NewPathMatcher(matters []KnownMatter) *PathMatcher {
	m := &PathMatcher{
		byNumber: map[string]KnownMatter{},
		byName:   map[string]KnownMatter{},
		byClient: map[string][]KnownMatter{},
	}
	for _, matter := range matters {
		if matter.MatterID == "" {
			continue
		}
		if number := normalizeAlias(matter.Number); number != "" {
			if _, taken := m.byNumber[number]; !taken {
				m.byNumber[number] = matter
			}
		}
		if name := normalizeAlias(matter.Name); name != "" {
			if _, taken := m.byName[name]; !taken {
				m.byName[name] = matter
			}
		}
		if client := normalizeAlias(matter.ClientName); client != "" {
			m.byClient[client] = append(m.byClient[client], matter)
		}
		m.allKnown = append(m.allKnown, matter)
	}
	return m
}

func (m *PathMatcher) Match(path string) MatchResult {
	segments := splitPathSegments(path)
	if len(segments) == 0 {
		return MatchResult{Confidence: ConfidenceNone}
	}
	// The last segment is the file itself; folders are everything before it.
	folders := segments[:len(segments)-1]

	// (a) exact case-number match.
	for i, folder := range folders {
		if !caseNumberPattern.MatchString(strings.TrimSpace(folder)) {
			continue
		}
		if matter, ok := m.byNumber[normalizeAlias(folder)]; ok {
			return m.result(matter, ConfidenceHigh, folders, i)
		}
	}

	// (b) "number - name" composite, then its name half alone.
	for i, folder := range folders {
		number, name, ok := splitComposite(folder)
		if !ok {
			continue
		}
		if matter, found := m.byNumber[normalizeAlias(number)]; found {
			return m.result(matter, ConfidenceHigh, folders, i)
		}
		if matter, found := m.byName[normalizeAlias(name)]; found {
			return m.result(matter, ConfidenceMedium, folders, i)
		}
	}

	// Plain name equality counts as the composite fallback too.
	for i, folder := range folders {
		if matter, ok := m.byName[normalizeAlias(folder)]; ok {
			return m.result(matter, ConfidenceMedium, folders, i)
		}
	}

	// (c) client folder followed by a matter folder.
	for i := 0; i+1 < len(folders); i++ {
		matters, ok := m.byClient[normalizeAlias(folders[i])]
		if !ok {
			continue
		}
		next := normalizeAlias(folders[i+1])
		for _, matter := range matters {
			if next == normalizeAlias(matter.Name) || next == normalizeAlias(matter.Number) ||
				substringOverlap(next, normalizeAlias(matter.Name)) {
				return m.result(matter, ConfidenceMedium, folders, i+1)
			}
		}
	}

	// (d) fuzzy substring between any folder and any case name.
	for i, folder := range folders {
		normalized := normalizeAlias(folder)
		for _, matter := range m.allKnown {
			if substringOverlap(normalized, normalizeAlias(matter.Name)) {
				return m.result(matter, ConfidenceLow, folders, i)
			}
		}
	}

	return MatchResult{Confidence: ConfidenceNone}
}

func (m *PathMatcher) result(matter KnownMatter, confidence MatchConfidence, folders []string, matchedIndex int) MatchResult {
	remainder := ""
	if matchedIndex+1 < len(folders) {
		remainder = "/" + strings.Join(folders[matchedIndex+1:], "/")
	}
	return MatchResult{MatterID: matter.MatterID, Confidence: confidence, Remainder: remainder}
}

func splitPathSegments(path string) []string {
	parts := strings.Split(strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/"), "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, generic := genericSegments[strings.ToLower(part)]; generic {
			continue
		}
		segments = append(segments, part)
	}
	return segments
}

// splitComposite recognizes "2024-0001 - Smith v Jones" style folder names.
func splitComposite(folder string) (number, name string, ok bool) {
	parts := strings.SplitN(folder, " - ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	number = strings.TrimSpace(parts[0])
	name = strings.TrimSpace(parts[1])
	if number == "" || name == "" {
		return "", "", false
	}
	return number, name, true
}

// substringOverlap is the low-confidence rule: one string contained in the
// other, with a floor so short tokens don't match everything.
func substringOverlap(a, b string) bool {
	if len(a) < 5 || len(b) < 5 {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
