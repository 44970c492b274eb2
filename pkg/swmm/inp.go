// Package swmm reads and edits the files exchanged with the SWMM engine:
// the textual .inp model and the binary .out results file.
//
// Only the parts the pipeline needs are interpreted. Every other line of
// an .inp file is preserved verbatim when the model is written back.
package swmm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	SectionOptions       = "OPTIONS"
	SectionSubcatchments = "SUBCATCHMENTS"
)

// ErrUnknownSubcatchment is returned when an outlet update names a
// subcatchment the model does not define
var ErrUnknownSubcatchment = errors.New("unknown subcatchment")

// Model is an .inp file held as lines
type Model struct {
	lines []string
}

// ParseModel reads an .inp model
func ParseModel(r io.Reader) (*Model, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return &Model{lines: lines}, nil
}

// LoadModel reads the .inp model at path
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseModel(f)
}

// sectionName returns the upper-cased name if line is a [SECTION] header
func sectionName(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if len(t) < 3 || t[0] != '[' {
		return "", false
	}
	end := strings.IndexByte(t, ']')
	if end < 0 {
		return "", false
	}
	return strings.ToUpper(strings.TrimSpace(t[1:end])), true
}

// isData reports whether line carries data rather than a comment or blank
func isData(line string) bool {
	t := strings.TrimSpace(line)
	return t != "" && !strings.HasPrefix(t, ";")
}

// stripComment drops an inline ";" comment
func stripComment(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		return line[:i]
	}
	return line
}

// sectionLines calls fn with the index of every data line of a section
func (m *Model) sectionLines(section string, fn func(i int) error) error {
	current := ""
	for i, line := range m.lines {
		if name, ok := sectionName(line); ok {
			current = name
			continue
		}
		if current != section || !isData(line) {
			continue
		}
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// fieldSpan is the byte range of one whitespace-separated field
type fieldSpan struct{ start, end int }

func fieldSpans(line string) []fieldSpan {
	var spans []fieldSpan
	start := -1
	for i := 0; i < len(line); i++ {
		ws := line[i] == ' ' || line[i] == '\t'
		switch {
		case !ws && start < 0:
			start = i
		case ws && start >= 0:
			spans = append(spans, fieldSpan{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, fieldSpan{start, len(line)})
	}
	return spans
}

// Subcatchments lists the subcatchment names in file order
func (m *Model) Subcatchments() []string {
	var names []string
	_ = m.sectionLines(SectionSubcatchments, func(i int) error {
		if f := strings.Fields(stripComment(m.lines[i])); len(f) > 0 {
			names = append(names, f[0])
		}
		return nil
	})
	return names
}

// SetOutlet rewrites the outlet column of the named subcatchment. The rest
// of the line, including alignment and trailing comments, is kept.
func (m *Model) SetOutlet(subcatchment, outlet string) error {
	if strings.ContainsAny(outlet, " \t;") || outlet == "" {
		return fmt.Errorf("invalid outlet id %q", outlet)
	}

	found := false
	err := m.sectionLines(SectionSubcatchments, func(i int) error {
		line := m.lines[i]
		data := stripComment(line)
		spans := fieldSpans(data)
		if len(spans) < 3 || data[spans[0].start:spans[0].end] != subcatchment {
			return nil
		}
		// Name RainGage Outlet Area ...
		outletSpan := spans[2]
		m.lines[i] = line[:outletSpan.start] + outlet + line[outletSpan.end:]
		found = true
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSubcatchment, subcatchment)
	}
	return nil
}

// Option returns the raw value of an [OPTIONS] entry
func (m *Model) Option(name string) (string, bool) {
	var value string
	found := false
	_ = m.sectionLines(SectionOptions, func(i int) error {
		f := strings.Fields(stripComment(m.lines[i]))
		if len(f) >= 2 && strings.EqualFold(f[0], name) {
			value = strings.Join(f[1:], " ")
			found = true
		}
		return nil
	})
	return value, found
}

// WriteTo writes the model in .inp form
func (m *Model) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, line := range m.lines {
		c, err := bw.WriteString(line + "\n")
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// Save writes the model to path
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
