package swmm

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSpec() OutputSpec {
	return OutputSpec{
		Subcatchments: []string{"S1", "S2", "S3"},
		Nodes:         []string{"J1", "J2"},
		Links:         []string{"C1"},
		StartDate:     time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		ReportStep:    5 * time.Minute,
		Periods:       4,
		Runoff: map[string][]float32{
			"S1": {0.5, 1.5, 2.5, 0.25},
			"S3": {3, 2, 1, 0},
		},
	}
}

func writeSpec(t *testing.T, spec OutputSpec) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteOutput(&buf, spec); err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	return buf.Bytes()
}

func TestOutputRoundTrip(t *testing.T) {
	data := writeSpec(t, testSpec())
	out, err := NewOutput(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}

	if out.Periods() != 4 {
		t.Errorf("Periods() = %d, want 4", out.Periods())
	}
	if out.ReportStep() != 5*time.Minute {
		t.Errorf("ReportStep() = %v, want 5m", out.ReportStep())
	}
	if !out.StartDate().Equal(testSpec().StartDate) {
		t.Errorf("StartDate() = %v", out.StartDate())
	}

	idx := out.SubcatchmentIndex()
	if len(idx) != 3 || idx["S1"] != 0 || idx["S2"] != 1 || idx["S3"] != 2 {
		t.Errorf("SubcatchmentIndex() = %v", idx)
	}

	tests := []struct {
		name  string
		index int
		want  []float64
	}{
		{"S1", 0, []float64{0.5, 1.5, 2.5, 0.25}},
		{"S2", 1, []float64{0, 0, 0, 0}},
		{"S3", 2, []float64{3, 2, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := out.SubcatchSeries(tt.index, SubcatchRunoffRate, 0, out.Periods())
			if err != nil {
				t.Fatalf("SubcatchSeries: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("value[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSubcatchSeriesClampsEnd(t *testing.T) {
	data := writeSpec(t, testSpec())
	out, err := NewOutput(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("NewOutput: %v", err)
	}

	got, err := out.SubcatchSeries(0, SubcatchRunoffRate, 0, 120)
	if err != nil {
		t.Fatalf("SubcatchSeries: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("len = %d, want clamp to 4 periods", len(got))
	}

	if _, err := out.SubcatchSeries(3, SubcatchRunoffRate, 0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("index 3 error = %v, want ErrOutOfRange", err)
	}
	if _, err := out.SubcatchSeries(0, SubcatchAttribute(8), 0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("attribute 8 error = %v, want ErrOutOfRange", err)
	}
}

func TestOpenOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.out")
	if err := os.WriteFile(path, writeSpec(t, testSpec()), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := OpenOutput(path)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	defer out.Close()

	if names := out.SubcatchmentNames(); len(names) != 3 || names[2] != "S3" {
		t.Errorf("SubcatchmentNames() = %v", names)
	}
}

func TestOutputRejectsMalformed(t *testing.T) {
	good := writeSpec(t, testSpec())

	engineFailed := testSpec()
	engineFailed.ErrorCode = 317
	failed := writeSpec(t, engineFailed)

	empty := testSpec()
	empty.Periods = 0
	noPeriods := writeSpec(t, empty)

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 0

	tests := []struct {
		name  string
		data  []byte
		check func(error) bool
	}{
		{"too short", good[:10], func(err error) bool { return err != nil }},
		{"bad magic", badMagic, func(err error) bool { return errors.Is(err, ErrBadMagic) }},
		{"engine error", failed, func(err error) bool {
			var ee *EngineError
			return errors.As(err, &ee) && ee.Code == 317
		}},
		{"no periods", noPeriods, func(err error) bool { return errors.Is(err, ErrNoResults) }},
		{"truncated results", append(append([]byte(nil), good[:len(good)-200]...), good[len(good)-24:]...), func(err error) bool { return err != nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOutput(bytes.NewReader(tt.data), int64(len(tt.data)))
			if !tt.check(err) {
				t.Errorf("NewOutput() error = %v", err)
			}
		})
	}
}
