// Package rain reads the design storm precipitation series, one file per
// admissible return period.
//
// Files are whitespace-delimited tables in the SWMM [TIMESERIES] layout:
//
//	;;[TIMESERIES]
//	;;Name YY MM DD HH mm Value
//	;;---- -- -- -- -- -- -----
//	2-yr 2021 01 01 00 00 1.143
//
// The second line is the header, the third is ignored.
package rain

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/psantana5/stormwater/pkg/models"
)

// ValueColumn names the column holding precipitation amounts
const ValueColumn = "Value"

// Filename is the series file name for a return period
func Filename(rp models.ReturnPeriod) string {
	return fmt.Sprintf("timeseries_%s.txt", rp)
}

// Load reads the series for rp from dir
func Load(dir string, rp models.ReturnPeriod) ([]float64, error) {
	path := filepath.Join(dir, Filename(rp))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return values, nil
}

// Parse returns the Value column in file order
func Parse(r io.Reader) ([]float64, error) {
	sc := bufio.NewScanner(r)
	col := -1
	values := make([]float64, 0, 64)

	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		switch {
		case line == 1:
			continue
		case line == 2:
			for i, name := range strings.Fields(text) {
				if name == ValueColumn {
					col = i
				}
			}
			if col < 0 {
				return nil, fmt.Errorf("line 2: header has no %q column", ValueColumn)
			}
			continue
		case line == 3 || text == "":
			continue
		}

		fields := strings.Fields(text)
		if col >= len(fields) {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, col+1, len(fields))
		}
		v, err := strconv.ParseFloat(fields[col], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if col < 0 {
		return nil, fmt.Errorf("missing header line")
	}
	return values, nil
}
