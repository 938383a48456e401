package sensors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fisaks/fieldnode/internal/util"
)

var (
	ErrNoW1Device = errors.New("no 1-wire temperature device found")
	ErrW1CRC      = errors.New("1-wire CRC check failed")
)

// W1Probe reads a DS18B20 through the kernel w1_slave file.
type W1Probe struct {
	base
	pattern string
}

func NewW1Probe(b base, pattern string) *W1Probe {
	return &W1Probe{base: b, pattern: pattern}
}

func (p *W1Probe) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	matches, err := filepath.Glob(p.pattern)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoW1Device, p.pattern)
	}
	sort.Strings(matches)
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return 0, err
	}
	return ParseW1Slave(raw)
}

// ParseW1Slave decodes the two-line w1_slave format: the first line must end
// in YES, the second carries t=<millidegrees>.
func ParseW1Slave(raw []byte) (float64, error) {
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("short w1_slave output: %q", raw)
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, ErrW1CRC
	}
	_, milli, ok := strings.Cut(lines[1], "t=")
	if !ok {
		return 0, fmt.Errorf("no t= field in %q", lines[1])
	}
	v, err := strconv.Atoi(strings.TrimSpace(milli))
	if err != nil {
		return 0, fmt.Errorf("bad temperature %q: %w", milli, err)
	}
	return util.Round1(float64(v) / 1000), nil
}
