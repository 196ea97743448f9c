// Package cmdline concatenates an argument vector into a single
// NUL-terminated boot argument string.
//
// Arguments containing spaces are wrapped in double quotes, and backslashes
// and quote characters are backslash-escaped, so the next-stage consumer can
// split the string back into the original arguments.
package cmdline

import "strings"

func escapedLen(arg string) (int, bool) {
	n := 0
	hasSpace := false
	for i := 0; i < len(arg); i++ {
		switch arg[i] {
		case '\\', '\'', '"':
			n += 2
		case ' ':
			hasSpace = true
			n++
		default:
			n++
		}
	}
	if hasSpace {
		n += 2
	}
	return n, hasSpace
}

// Size returns the exact byte length of the string Build produces, the
// terminating NUL included. It never returns less than 1.
func Size(args []string) int {
	total := 0
	for _, arg := range args {
		n, _ := escapedLen(arg)
		total += n + 1 // separator or terminator
	}
	if total == 0 {
		total = 1
	}
	return total
}

// Build joins args into a NUL-terminated byte string of exactly Size(args)
// bytes.
func Build(args []string) []byte {
	var sb strings.Builder
	sb.Grow(Size(args))

	for i, arg := range args {
		if i > 0 {
			sb.WriteByte(' ')
		}
		_, hasSpace := escapedLen(arg)
		if hasSpace {
			sb.WriteByte('"')
		}
		for j := 0; j < len(arg); j++ {
			switch arg[j] {
			case '\\', '\'', '"':
				sb.WriteByte('\\')
			}
			sb.WriteByte(arg[j])
		}
		if hasSpace {
			sb.WriteByte('"')
		}
	}
	sb.WriteByte(0)

	return []byte(sb.String())
}
