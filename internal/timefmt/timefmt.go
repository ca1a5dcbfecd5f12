// Package timefmt converts strftime-style date formats into Go time layouts.
package timefmt

import (
	"fmt"
	"strings"
)

var directives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'z': "-0700",
	'Z': "MST",
	'f': "000000",
	'%': "%",
}

// Layout translates a strftime format such as "%Y-%m-%dT%H:%M:%S%z" into the
// equivalent Go reference layout. Unsupported directives are reported as errors.
func Layout(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("dangling %% at end of %q", format)
		}
		i++
		layout, ok := directives[format[i]]
		if !ok {
			return "", fmt.Errorf("unsupported directive %%%c in %q", format[i], format)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}

// MustLayout is like Layout but panics on an invalid format. It is intended for
// package-level defaults.
func MustLayout(format string) string {
	layout, err := Layout(format)
	if err != nil {
		panic(err)
	}
	return layout
}
