// Package argparse turns a single configuration string into an argument
// vector using a small shell-like quoting grammar.
//
// Arguments are separated by runs of whitespace. A double quote starts or
// ends a quoted region in which whitespace is kept literally. Inside a quoted
// region two consecutive double quotes stand for one literal double quote.
// There is no other escape character.
package argparse

import (
	"unicode"
	"unicode/utf8"
)

const quote = '"'

// scanner walks the input one rune at a time with a single rune of
// lookahead. Bytes are copied through verbatim, so invalid UTF-8 survives.
type scanner struct {
	in  string
	pos int
}

func (s *scanner) eos() bool { return s.pos >= len(s.in) }

// rune decodes at pos; an invalid byte decodes as utf8.RuneError of size 1.
func (s *scanner) rune() (rune, int) { return utf8.DecodeRuneInString(s.in[s.pos:]) }

func (s *scanner) skipSpace() {
	for !s.eos() {
		r, size := s.rune()
		if !unicode.IsSpace(r) {
			return
		}
		s.pos += size
	}
}

// next reads one argument. The caller must ensure the scanner is not at the
// end of input and that leading whitespace has been skipped.
func (s *scanner) next() string {
	arg := make([]byte, 0, 16)
	quoted := false
	for !s.eos() {
		r, size := s.rune()
		raw := s.in[s.pos : s.pos+size]
		s.pos += size
		switch {
		case unicode.IsSpace(r):
			if quoted {
				arg = append(arg, raw...)
				continue
			}
			s.skipSpace()
			return string(arg)
		case r == quote:
			if !quoted {
				quoted = true
				continue
			}
			if !s.eos() && s.in[s.pos] == quote {
				// doubled quote inside a quoted region
				s.pos++
				arg = append(arg, quote)
				continue
			}
			quoted = false
		default:
			arg = append(arg, raw...)
		}
	}
	return string(arg)
}

// Parse splits input into arguments. It never fails: unbalanced quotes
// simply extend the last argument to the end of input.
func Parse(input string) []string {
	s := &scanner{in: input}
	s.skipSpace()
	out := make([]string, 0, 4)
	for !s.eos() {
		out = append(out, s.next())
	}
	return out
}

// Quote renders args back into a string that Parse maps to the same vector.
func Quote(args []string) string {
	buf := make([]byte, 0, 64)
	for i, a := range args {
		if i > 0 {
			buf = append(buf, ' ')
		}
		if a != "" && !needsQuoting(a) {
			buf = append(buf, a...)
			continue
		}
		buf = append(buf, quote)
		for j := 0; j < len(a); j++ {
			if a[j] == quote {
				buf = append(buf, quote)
			}
			buf = append(buf, a[j])
		}
		buf = append(buf, quote)
	}
	return string(buf)
}

func needsQuoting(a string) bool {
	for _, r := range a {
		if r == quote || unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
