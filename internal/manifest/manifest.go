// Package manifest reads the list of image pairs to process.
//
// A manifest is plain text with one record per line and three comma-separated
// fields: pair id, primary image filename, secondary image filename. There is
// no header row. Blank lines are ignored.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/stereoforge/pairbatch/internal/artifacts"
)

// DefaultFileName is the manifest looked up in the workspace when none is given.
const DefaultFileName = "imagepairs.csv"

// ErrDuplicatePairID is wrapped by Load when two records share a pair id.
var ErrDuplicatePairID = errors.New("duplicate pair id")

// Record is one manifest entry. Records are immutable once read.
type Record struct {
	Line           int
	PairID         string
	PrimaryImage   string
	SecondaryImage string
}

// Images returns the primary and secondary image filenames in order.
func (r Record) Images() []string {
	return []string{r.PrimaryImage, r.SecondaryImage}
}

// ParseError reports a malformed manifest line.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest line %d: %s", e.Line, e.Reason)
}

// NameCollision lists distinct pair ids whose artifacts would share file names.
type NameCollision struct {
	Name    string
	PairIDs []string
	Lines   []int
}

// DuplicateError lists every pair id that appears more than once, with the
// lines it appears on, and every group of ids sharing an artifact name.
type DuplicateError struct {
	Lines      map[string][]int
	Collisions []NameCollision
}

func (e *DuplicateError) Error() string {
	ids := make([]string, 0, len(e.Lines))
	for id := range e.Lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s (lines %s)", id, joinLines(e.Lines[id])))
	}
	for _, c := range e.Collisions {
		quoted := make([]string, 0, len(c.PairIDs))
		for _, id := range c.PairIDs {
			quoted = append(quoted, fmt.Sprintf("%q", id))
		}
		parts = append(parts, fmt.Sprintf("%s share artifact name %s (lines %s)", strings.Join(quoted, ", "), c.Name, joinLines(c.Lines)))
	}
	return fmt.Sprintf("%s: %s", ErrDuplicatePairID, strings.Join(parts, "; "))
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicatePairID
}

func joinLines(lines []int) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, fmt.Sprint(line))
	}
	return strings.Join(out, ", ")
}

// LoadFile opens path and parses it with Load.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	records, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}
	return records, nil
}

// Load parses manifest records from r in file order. Reports and rasters are
// named after the pair id, so records sharing an id, or ids that map to the
// same artifact name, are rejected.
func Load(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var (
		records []Record
		seen    = map[string][]int{}
		names   = map[string][]Record{}
		order   []string
	)
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, &ParseError{Line: parseErr.StartLine, Reason: parseErr.Err.Error()}
			}
			return nil, err
		}
		line, _ := reader.FieldPos(0)
		if isBlank(fields) {
			continue
		}
		if len(fields) != 3 {
			return nil, &ParseError{Line: line, Reason: fmt.Sprintf("expected 3 fields, got %d", len(fields))}
		}

		record := Record{
			Line:           line,
			PairID:         strings.TrimSpace(fields[0]),
			PrimaryImage:   strings.TrimSpace(fields[1]),
			SecondaryImage: strings.TrimSpace(fields[2]),
		}
		switch {
		case record.PairID == "":
			return nil, &ParseError{Line: line, Reason: "pair id is empty"}
		case record.PrimaryImage == "", record.SecondaryImage == "":
			return nil, &ParseError{Line: line, Reason: "image filename is empty"}
		}

		seen[record.PairID] = append(seen[record.PairID], line)
		name := artifacts.SafeName(record.PairID)
		if _, ok := names[name]; !ok {
			order = append(order, name)
		}
		names[name] = append(names[name], record)
		records = append(records, record)
	}

	duplicates := map[string][]int{}
	for id, lines := range seen {
		if len(lines) > 1 {
			duplicates[id] = lines
		}
	}
	var collisions []NameCollision
	for _, name := range order {
		if c, ok := collision(name, names[name]); ok {
			collisions = append(collisions, c)
		}
	}
	if len(duplicates) > 0 || len(collisions) > 0 {
		return nil, &DuplicateError{Lines: duplicates, Collisions: collisions}
	}
	return records, nil
}

// collision reports the group when it holds more than one distinct pair id.
func collision(name string, records []Record) (NameCollision, bool) {
	c := NameCollision{Name: name}
	distinct := map[string]bool{}
	for _, r := range records {
		if !distinct[r.PairID] {
			distinct[r.PairID] = true
			c.PairIDs = append(c.PairIDs, r.PairID)
		}
		c.Lines = append(c.Lines, r.Line)
	}
	return c, len(c.PairIDs) > 1
}

func isBlank(fields []string) bool {
	for _, field := range fields {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
