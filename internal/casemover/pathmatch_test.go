package casemover

import (
	"testing"
)

func knownTestMatters() []KnownMatter {
	return []KnownMatter{
		{MatterID: "matter_000001", Number: "2024-0001", Name: "Smith v Jones", ClientName: "John Smith"},
		{MatterID: "matter_000002", Number: "2023-0107", Name: "Acme v Bolt", ClientName: "Acme Corp"},
	}
}

func TestNumberNameCompositeMatchesHigh(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("2024-0001 - Smith v Jones/Pleadings/motion.pdf")
	if match.MatterID != "matter_000001" {
		t.Fatalf("expected matter_000001, got %q", match.MatterID)
	}
	if match.Confidence != ConfidenceHigh {
		t.Fatalf("expected high confidence, got %s", match.Confidence)
	}
	if match.Remainder != "/Pleadings" {
		t.Fatalf("expected remainder /Pleadings, got %q", match.Remainder)
	}
}

func TestExactCaseNumberSegmentMatchesHigh(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("Documents/2024-0001/Discovery/interrogatories.docx")
	if match.MatterID != "matter_000001" || match.Confidence != ConfidenceHigh {
		t.Fatalf("expected high number match, got %+v", match)
	}
	if match.Remainder != "/Discovery" {
		t.Fatalf("expected remainder /Discovery, got %q", match.Remainder)
	}
}

func TestNameOnlyFolderMatchesMedium(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("Smith v Jones/exhibit-a.pdf")
	if match.MatterID != "matter_000001" || match.Confidence != ConfidenceMedium {
		t.Fatalf("expected medium name match, got %+v", match)
	}
}

func TestClientThenMatterFolderMatchesMedium(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("Acme Corp/Acme v Bolt 2023/contract.pdf")
	if match.MatterID != "matter_000002" || match.Confidence != ConfidenceMedium {
		t.Fatalf("expected medium client/matter match, got %+v", match)
	}
	if match.Remainder != "" {
		t.Fatalf("expected empty remainder, got %q", match.Remainder)
	}
}

func TestSubstringFallbackMatchesLow(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("Old archive smith v jones closed 2019/scan.tiff")
	if match.MatterID != "matter_000001" || match.Confidence != ConfidenceLow {
		t.Fatalf("expected low fuzzy match, got %+v", match)
	}
}

func TestNoMatchReturnsNoMatter(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("Office Admin/Payroll/march.xlsx")
	if match.MatterID != "" || match.Confidence != ConfidenceNone {
		t.Fatalf("expected no match, got %+v", match)
	}
}

func TestGenericSegmentsAreSkipped(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("Documents/Files/2024-0001/motion.pdf")
	if match.MatterID != "matter_000001" || match.Confidence != ConfidenceHigh {
		t.Fatalf("expected generic folders ignored, got %+v", match)
	}
}

func TestFileWithoutFoldersDoesNotMatch(t *testing.T) {
	matcher := NewPathMatcher(knownTestMatters())

	match := matcher.Match("motion.pdf")
	if match.MatterID != "" || match.Confidence != ConfidenceNone {
		t.Fatalf("expected no match for bare file, got %+v", match)
	}
}

func TestShortTokensDoNotFuzzyMatch(t *testing.T) {
	matcher := NewPathMatcher([]KnownMatter{{MatterID: "matter_000003", Name: "Lee"}})

	match := matcher.Match("Leeway Consulting/notes.txt")
	if match.MatterID != "" {
		t.Fatalf("expected short name to be below fuzzy floor, got %+v", match)
	}
}
