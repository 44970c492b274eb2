package swmm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// Magic is the number framing every SWMM 5 binary output file
const Magic = 516114522

const (
	recordSize   = 4
	openingBytes = 7 * recordSize
	closingBytes = 6 * recordSize

	subcatchProps = 1 // area
	nodeProps     = 3 // type, invert, max depth
	linkProps     = 5 // type, offsets, max depth, length
)

// SubcatchAttribute selects a subcatchment result variable
type SubcatchAttribute int

const (
	SubcatchRainfall SubcatchAttribute = iota
	SubcatchSnowDepth
	SubcatchEvapLoss
	SubcatchInfilLoss
	SubcatchRunoffRate
	SubcatchGWOutflow
	SubcatchGWElevation
	SubcatchSoilMoisture
)

// Default variable counts written by SWMM 5.1 without pollutants
const (
	DefaultSubcatchVars = 8
	DefaultNodeVars     = 6
	DefaultLinkVars     = 5
	DefaultSysVars      = 15
)

var (
	ErrBadMagic   = errors.New("not a SWMM binary output file")
	ErrNoResults  = errors.New("output file contains no reporting periods")
	ErrOutOfRange = errors.New("index out of range")
	errTruncated  = errors.New("output file is truncated")
)

var (
	swmmEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	byteOrder = binary.LittleEndian
)

// EngineError is the nonzero error code the engine recorded in the output
type EngineError struct {
	Code int32
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine reported error code %d", e.Code)
}

// Output reads results from a SWMM binary output file
type Output struct {
	r      io.ReaderAt
	closer io.Closer

	Version   int32
	FlowUnits int32

	nSubcatch, nNodes, nLinks, nPolluts       int32
	subcatchVars, nodeVars, linkVars, sysVars int32

	idPos, propPos, resultsPos int64
	periods                    int32
	bytesPerPeriod             int64

	startDate  float64
	reportStep int32

	subcatchNames []string
}

// OpenOutput opens and validates the output file at path
func OpenOutput(path string) (*Output, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	out, err := NewOutput(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	out.closer = f
	return out, nil
}

// NewOutput reads the header of an output file of the given size
func NewOutput(r io.ReaderAt, size int64) (*Output, error) {
	if size < openingBytes+closingBytes {
		return nil, errTruncated
	}
	o := &Output{r: r}

	opening := make([]int32, 7)
	if err := o.readInt32s(0, opening); err != nil {
		return nil, err
	}
	if opening[0] != Magic {
		return nil, ErrBadMagic
	}
	o.Version, o.FlowUnits = opening[1], opening[2]
	o.nSubcatch, o.nNodes, o.nLinks, o.nPolluts = opening[3], opening[4], opening[5], opening[6]

	closing := make([]int32, 6)
	if err := o.readInt32s(size-closingBytes, closing); err != nil {
		return nil, err
	}
	if closing[5] != Magic {
		return nil, ErrBadMagic
	}
	if closing[4] != 0 {
		return nil, &EngineError{Code: closing[4]}
	}
	o.idPos, o.propPos, o.resultsPos = int64(closing[0]), int64(closing[1]), int64(closing[2])
	o.periods = closing[3]
	if o.periods <= 0 {
		return nil, ErrNoResults
	}

	// Reporting variable counts follow the fixed-size property block
	pos := o.propPos +
		int64(o.nSubcatch+subcatchProps+1)*recordSize +
		int64(nodeProps*o.nNodes+nodeProps+1)*recordSize +
		int64(linkProps*o.nLinks+linkProps+1)*recordSize
	counts := []*int32{&o.subcatchVars, &o.nodeVars, &o.linkVars, &o.sysVars}
	for _, c := range counts {
		v, err := o.readInt32(pos)
		if err != nil {
			return nil, err
		}
		*c = v
		pos += int64(v+1) * recordSize
	}

	var buf [8]byte
	if _, err := r.ReadAt(buf[:], o.resultsPos-3*recordSize); err != nil {
		return nil, fmt.Errorf("read start date: %w", err)
	}
	o.startDate = math.Float64frombits(byteOrder.Uint64(buf[:]))
	step, err := o.readInt32(o.resultsPos - recordSize)
	if err != nil {
		return nil, err
	}
	o.reportStep = step

	o.bytesPerPeriod = 2*recordSize + int64(
		o.nSubcatch*o.subcatchVars+
			o.nNodes*o.nodeVars+
			o.nLinks*o.linkVars+
			o.sysVars)*recordSize
	if o.resultsPos+int64(o.periods)*o.bytesPerPeriod > size-closingBytes {
		return nil, errTruncated
	}

	if err := o.readNames(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Output) readInt32(pos int64) (int32, error) {
	var buf [4]byte
	if _, err := o.r.ReadAt(buf[:], pos); err != nil {
		return 0, fmt.Errorf("read at %d: %w", pos, err)
	}
	return int32(byteOrder.Uint32(buf[:])), nil
}

func (o *Output) readInt32s(pos int64, dst []int32) error {
	buf := make([]byte, len(dst)*recordSize)
	if _, err := o.r.ReadAt(buf, pos); err != nil {
		return fmt.Errorf("read at %d: %w", pos, err)
	}
	for i := range dst {
		dst[i] = int32(byteOrder.Uint32(buf[i*recordSize:]))
	}
	return nil
}

// readNames reads the subcatchment IDs, which come first in the ID block
func (o *Output) readNames() error {
	pos := o.idPos
	o.subcatchNames = make([]string, 0, o.nSubcatch)
	for i := int32(0); i < o.nSubcatch; i++ {
		n, err := o.readInt32(pos)
		if err != nil {
			return err
		}
		if n < 0 || n > 1<<16 {
			return fmt.Errorf("invalid name length %d for subcatchment %d", n, i)
		}
		name := make([]byte, n)
		if _, err := o.r.ReadAt(name, pos+recordSize); err != nil {
			return fmt.Errorf("read subcatchment name %d: %w", i, err)
		}
		o.subcatchNames = append(o.subcatchNames, string(name))
		pos += recordSize + int64(n)
	}
	return nil
}

// Periods is the number of reporting periods stored in the file
func (o *Output) Periods() int { return int(o.periods) }

// ReportStep is the reporting interval
func (o *Output) ReportStep() time.Duration {
	return time.Duration(o.reportStep) * time.Second
}

// StartDate is the simulation start encoded in the file
func (o *Output) StartDate() time.Time {
	return fromSWMMDate(o.startDate)
}

// SubcatchmentNames returns subcatchment IDs in element index order
func (o *Output) SubcatchmentNames() []string {
	return append([]string(nil), o.subcatchNames...)
}

// SubcatchmentIndex maps each subcatchment ID to its element index
func (o *Output) SubcatchmentIndex() map[string]int {
	idx := make(map[string]int, len(o.subcatchNames))
	for i, name := range o.subcatchNames {
		idx[name] = i
	}
	return idx
}

// SubcatchSeries returns attr for subcatchment index over periods
// [start, end). end is clamped to Periods.
func (o *Output) SubcatchSeries(index int, attr SubcatchAttribute, start, end int) ([]float64, error) {
	if index < 0 || index >= int(o.nSubcatch) {
		return nil, fmt.Errorf("%w: subcatchment %d", ErrOutOfRange, index)
	}
	if attr < 0 || int32(attr) >= o.subcatchVars {
		return nil, fmt.Errorf("%w: attribute %d", ErrOutOfRange, attr)
	}
	if end > int(o.periods) {
		end = int(o.periods)
	}
	if start < 0 || start > end {
		return nil, fmt.Errorf("%w: periods [%d, %d)", ErrOutOfRange, start, end)
	}

	series := make([]float64, 0, end-start)
	var buf [4]byte
	offset := 2*recordSize + int64(int32(index)*o.subcatchVars+int32(attr))*recordSize
	for p := start; p < end; p++ {
		pos := o.resultsPos + int64(p)*o.bytesPerPeriod + offset
		if _, err := o.r.ReadAt(buf[:], pos); err != nil {
			return nil, fmt.Errorf("read period %d: %w", p, err)
		}
		series = append(series, float64(math.Float32frombits(byteOrder.Uint32(buf[:]))))
	}
	return series, nil
}

// Close releases the underlying file, if Output opened it
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}

func fromSWMMDate(days float64) time.Time {
	d := time.Duration(math.Round(days * 86400 * float64(time.Second)))
	return swmmEpoch.Add(d).Truncate(time.Second)
}

func toSWMMDate(t time.Time) float64 {
	return t.Sub(swmmEpoch).Seconds() / 86400
}
