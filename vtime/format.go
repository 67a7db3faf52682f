package vtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var timeRe = regexp.MustCompile(`^(-)?(?:(\d+)c|(\d+s)?(\d+m)?(\d+u)?(\d+n)?(\d+p)?)$`)

var periodUnits = []struct {
	suffix string
	scale  int64
}{
	{"s", Sec},
	{"m", MSec},
	{"u", USec},
	{"n", NSec},
	{"p", PSec},
}

// Parse reads a time string. Period time is written as a descending run of
// unit groups, for example "10n" or "1m500u". Cycle time is written as "17c".
// A leading '-' negates the value.
func Parse(s string) (Time, error) {
	m := timeRe.FindStringSubmatch(s)
	if m == nil || s == "" || s == "-" {
		return Time{}, errors.Errorf("vtime: cannot parse time %q", s)
	}

	sign := int64(1)
	if m[1] == "-" {
		sign = -1
	}

	if m[2] != "" {
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return Time{}, errors.Wrapf(err, "vtime: parse %q", s)
		}
		return Cycles(sign * n), nil
	}

	var ps int64
	for i, u := range periodUnits {
		g := m[3+i]
		if g == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(g, u.suffix), 10, 64)
		if err != nil {
			return Time{}, errors.Wrapf(err, "vtime: parse %q", s)
		}
		ps += n * u.scale
	}
	return Picos(sign * ps), nil
}

// MustParse is like Parse but panics on malformed input. It is meant for
// constants.
func MustParse(s string) Time {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String renders t in the format Parse reads. The leading unit group is
// unpadded, the following ones are zero-padded to three digits.
func (t Time) String() string {
	if t.domain == Cycle {
		return fmt.Sprintf("%dc", t.value)
	}
	if t.value == 0 {
		return "0p"
	}

	var sb strings.Builder
	ps := t.value
	if ps < 0 {
		sb.WriteByte('-')
		ps = -ps
	}

	active := false
	for _, u := range periodUnits {
		v := ps / u.scale
		ps %= u.scale
		switch {
		case active:
			fmt.Fprintf(&sb, "%03d%s", v, u.suffix)
		case v != 0:
			fmt.Fprintf(&sb, "%d%s", v, u.suffix)
			active = true
		}
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (t Time) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so times can be written
// as strings in configuration files.
func (t *Time) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
