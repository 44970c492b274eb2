package swmm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// OutputSpec describes a synthetic output file. Runoff holds one series
// per subcatchment (in Subcatchments order); every other variable is zero.
type OutputSpec struct {
	Subcatchments []string
	Nodes         []string
	Links         []string
	StartDate     time.Time
	ReportStep    time.Duration
	Periods       int
	Runoff        map[string][]float32
	ErrorCode     int32
}

// WriteOutput writes spec in the SWMM 5 binary output layout. Stand-in
// engines use it to produce results the reader can consume.
func WriteOutput(w io.Writer, spec OutputSpec) error {
	if spec.ReportStep < time.Second {
		return fmt.Errorf("report step %s too small", spec.ReportStep)
	}

	var buf bytes.Buffer
	put := func(v any) {
		// bytes.Buffer writes cannot fail
		_ = binary.Write(&buf, byteOrder, v)
	}

	nS, nN, nL := int32(len(spec.Subcatchments)), int32(len(spec.Nodes)), int32(len(spec.Links))

	// Opening records
	put([]int32{Magic, 51000, 0, nS, nN, nL, 0})

	// Object IDs
	idPos := int32(buf.Len())
	for _, group := range [][]string{spec.Subcatchments, spec.Nodes, spec.Links} {
		for _, name := range group {
			put(int32(len(name)))
			buf.WriteString(name)
		}
	}

	// Object properties
	propPos := int32(buf.Len())
	put(int32(subcatchProps))
	put(int32(1))
	put(make([]float32, nS))
	put(int32(nodeProps))
	put([]int32{0, 2, 3})
	put(make([]float32, nodeProps*nN))
	put(int32(linkProps))
	put([]int32{0, 4, 5, 6, 7})
	put(make([]float32, linkProps*nL))

	// Reporting variables
	for _, n := range []int32{DefaultSubcatchVars, DefaultNodeVars, DefaultLinkVars, DefaultSysVars} {
		put(n)
		codes := make([]int32, n)
		for i := range codes {
			codes[i] = int32(i)
		}
		put(codes)
	}

	put(toSWMMDate(spec.StartDate))
	put(int32(spec.ReportStep / time.Second))

	// Computed results
	resultsPos := int32(buf.Len())
	step := spec.ReportStep.Seconds() / 86400
	start := toSWMMDate(spec.StartDate)
	for p := 0; p < spec.Periods; p++ {
		put(start + float64(p+1)*step)
		for _, name := range spec.Subcatchments {
			vals := make([]float32, DefaultSubcatchVars)
			if series := spec.Runoff[name]; p < len(series) {
				vals[SubcatchRunoffRate] = series[p]
			}
			put(vals)
		}
		put(make([]float32, nN*DefaultNodeVars+nL*DefaultLinkVars+DefaultSysVars))
	}

	// Closing records
	put([]int32{idPos, propPos, resultsPos, int32(spec.Periods), spec.ErrorCode, Magic})

	_, err := w.Write(buf.Bytes())
	return err
}
