package sensor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned for lines that do not match the log format.
var ErrMalformedRecord = errors.New("malformed sensor record")

// ParseError reports a record that could not be parsed, with its 1-based
// line number within the source.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseRecord parses a single whitespace separated log line.
//
//	L  px  py  timestamp_us  [gt_px gt_py gt_vx gt_vy [gt_yaw gt_yawrate]]
//	R  rho phi rho_dot timestamp_us  [gt_px gt_py gt_vx gt_vy [gt_yaw gt_yawrate]]
func ParseRecord(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("%w: empty line", ErrMalformedRecord)
	}

	kind, err := ParseKind(fields[0])
	if err != nil {
		return Record{}, err
	}

	var n int
	switch kind {
	case KindLidar:
		n = LidarDim
	case KindRadar:
		n = RadarDim
	}
	if len(fields) < 1+n+1 {
		return Record{}, fmt.Errorf("%w: %s record needs %d values and a timestamp, got %d fields",
			ErrMalformedRecord, kind, n, len(fields)-1)
	}

	vals, err := parseFloats(fields[1 : 1+n])
	if err != nil {
		return Record{}, err
	}
	ts, err := strconv.ParseInt(fields[1+n], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedRecord, fields[1+n], err)
	}

	var rec Record
	switch kind {
	case KindLidar:
		rec.Measurement = Lidar{PX: vals[0], PY: vals[1], TimestampUs: ts}
	case KindRadar:
		rec.Measurement = Radar{Rho: vals[0], Phi: vals[1], RhoDot: vals[2], TimestampUs: ts}
	}

	rest := fields[2+n:]
	switch len(rest) {
	case 0:
	case 4, 6:
		gt, err := parseFloats(rest)
		if err != nil {
			return Record{}, err
		}
		truth := &GroundTruth{PX: gt[0], PY: gt[1], VX: gt[2], VY: gt[3]}
		if len(gt) == 6 {
			truth.HasYaw = true
			truth.Yaw = gt[4]
			truth.YawRate = gt[5]
		}
		rec.Truth = truth
	default:
		return Record{}, fmt.Errorf("%w: expected 0, 4 or 6 ground truth values, got %d", ErrMalformedRecord, len(rest))
	}

	return rec, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: value %q: %v", ErrMalformedRecord, f, err)
		}
		out[i] = v
	}
	return out, nil
}

// FormatRecord renders a record in the log format accepted by ParseRecord.
func FormatRecord(rec Record) (string, error) {
	var b strings.Builder
	switch m := rec.Measurement.(type) {
	case Lidar:
		fmt.Fprintf(&b, "%s\t%g\t%g\t%d", CodeLidar, m.PX, m.PY, m.TimestampUs)
	case Radar:
		fmt.Fprintf(&b, "%s\t%g\t%g\t%g\t%d", CodeRadar, m.Rho, m.Phi, m.RhoDot, m.TimestampUs)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownSensor, rec.Measurement)
	}
	if gt := rec.Truth; gt != nil {
		fmt.Fprintf(&b, "\t%g\t%g\t%g\t%g", gt.PX, gt.PY, gt.VX, gt.VY)
		if gt.HasYaw {
			fmt.Fprintf(&b, "\t%g\t%g", gt.Yaw, gt.YawRate)
		}
	}
	return b.String(), nil
}

// Reader reads records from a sensor log. Blank lines and lines starting
// with '#' are skipped.
type Reader struct {
	scan *bufio.Scanner
	line int
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{scan: bufio.NewScanner(r)}
}

// Next returns the next record. It returns io.EOF when the input is
// exhausted. Unparseable lines are reported as *ParseError and the reader
// remains usable.
func (r *Reader) Next() (Record, error) {
	for r.scan.Scan() {
		r.line++
		text := strings.TrimSpace(r.scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := ParseRecord(text)
		if err != nil {
			return Record{}, &ParseError{Line: r.line, Err: err}
		}
		return rec, nil
	}
	if err := r.scan.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int { return r.line }
