// Package basic lists and tokenizes Applesoft and Integer BASIC programs as
// they are stored in BAS and INT files.
package basic

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrTruncated = errors.New("program runs past end of file")
	ErrBadLine   = errors.New("line does not start with a line number")
	ErrTooLong   = errors.New("program too long")
)

const (
	// ApplesoftBase is where Applesoft loads a program.
	ApplesoftBase = 0x801

	tokREM  = 0xb2
	tokDATA = 0x83

	intEOL   = 0x01
	intColon = 0x03
	intREM   = 0x5d
	intOpenQ = 0x28
	intEndQ  = 0x29
)

type reader struct {
	data []byte
	pos  int
}

func (r *reader) left() int { return len(r.data) - r.pos }

func (r *reader) u8() (byte, bool) {
	if r.pos >= len(r.data) {
		return 0, false
	}
	v := r.data[r.pos]
	r.pos++
	return v, true
}

func (r *reader) u16() (int, bool) {
	if r.left() < 2 {
		return 0, false
	}
	v := int(r.data[r.pos]) | int(r.data[r.pos+1])<<8
	r.pos += 2
	return v, true
}

// ListApplesoft turns a tokenized Applesoft program into text, one line per
// program line. A truncated program lists as far as it goes and returns
// ErrTruncated with it.
func ListApplesoft(data []byte) (string, error) {
	var out strings.Builder
	r := &reader{data: data}
	for {
		next, ok := r.u16()
		if !ok {
			return out.String(), ErrTruncated
		}
		if next == 0 {
			return out.String(), nil
		}
		num, ok := r.u16()
		if !ok {
			return out.String(), ErrTruncated
		}
		fmt.Fprintf(&out, "%d ", num)

		inQuote, inRem := false, false
		for {
			t, ok := r.u8()
			if !ok {
				out.WriteByte('\n')
				return out.String(), ErrTruncated
			}
			if t == 0 {
				break
			}
			switch {
			case t&0x80 != 0 && !inQuote && !inRem:
				tok, known := applesoftTokens[t]
				if !known {
					tok = "ERROR"
				}
				out.WriteString(" " + tok + " ")
				inRem = t == tokREM
			case t == '"' && !inRem:
				out.WriteByte(t)
				inQuote = !inQuote
			case inRem && (t == '\r' || t == '\n'):
				out.WriteByte('*')
			default:
				out.WriteByte(t & 0x7f)
			}
		}
		out.WriteByte('\n')
	}
}

// ListInteger turns a tokenized Integer BASIC program into text.
func ListInteger(data []byte) (string, error) {
	var out strings.Builder
	r := &reader{data: data}
	for r.left() > 0 {
		lineLen, _ := r.u8()
		if lineLen == 0 {
			break
		}
		num, ok := r.u16()
		if !ok {
			return out.String(), ErrTruncated
		}
		fmt.Fprintf(&out, "%d ", num)
		if err := listIntegerLine(r, &out); err != nil {
			out.WriteByte('\n')
			return out.String(), err
		}
		out.WriteByte('\n')
	}
	return out.String(), nil
}

func listIntegerLine(r *reader, out *strings.Builder) error {
	trailingSpace := false
	t, ok := r.u8()
	for ok && t != intEOL {
		newTrailingSpace := false
		switch {
		case t == intColon:
			out.WriteString(" :")
			t, ok = r.u8()
		case t == intOpenQ:
			out.WriteByte('"')
			for t, ok = r.u8(); ok && t != intEndQ; t, ok = r.u8() {
				out.WriteByte(t & 0x7f)
			}
			if !ok {
				return ErrTruncated
			}
			out.WriteByte('"')
			t, ok = r.u8()
		case t == intREM:
			if trailingSpace {
				out.WriteByte(' ')
			}
			out.WriteString("REM ")
			for t, ok = r.u8(); ok && t != intEOL; t, ok = r.u8() {
				out.WriteByte(t & 0x7f)
			}
			if !ok {
				return ErrTruncated
			}
			return nil
		case t >= 0xb0 && t <= 0xb9:
			v, vok := r.u16()
			if !vok {
				return ErrTruncated
			}
			out.WriteString(strconv.Itoa(v))
			t, ok = r.u8()
		case t >= 0xc1 && t <= 0xda:
			for ok && (t >= 0xc1 && t <= 0xda || t >= 0xb0 && t <= 0xb9) {
				out.WriteByte(t & 0x7f)
				t, ok = r.u8()
			}
		case t < 0x80:
			tok := integerTokens[t]
			switch {
			case tok == "":
			case tok[0] >= 0x21 && tok[0] <= 0x3f || t < 0x12:
				out.WriteString(tok)
			default:
				if !trailingSpace {
					out.WriteByte(' ')
				}
				out.WriteString(tok)
				out.WriteByte(' ')
				newTrailingSpace = true
			}
			t, ok = r.u8()
		default:
			t, ok = r.u8()
		}
		trailingSpace = newTrailingSpace
	}
	if !ok {
		return ErrTruncated
	}
	return nil
}

// splitLine separates the line number from the statement text.
func splitLine(l string) (int, string, error) {
	l = strings.TrimSpace(strings.TrimRight(l, "\r"))
	numStr, rest, _ := strings.Cut(l, " ")
	n, err := strconv.Atoi(numStr)
	if err != nil || n < 0 || n > 0xffff {
		return 0, "", fmt.Errorf("%q: %w", l, ErrBadLine)
	}
	return n, strings.TrimSpace(rest), nil
}

// applesoftByLength lists the keywords longest first so that HGR2 wins
// over HGR and ATN over AT.
var applesoftByLength = func() []byte {
	var codes []byte
	for c := range applesoftTokens {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool {
		a, b := applesoftTokens[codes[i]], applesoftTokens[codes[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return codes[i] < codes[j]
	})
	return codes
}()

func matchApplesoft(s string) (byte, int) {
	up := strings.ToUpper(s)
	for _, c := range applesoftByLength {
		if strings.HasPrefix(up, applesoftTokens[c]) {
			return c, len(applesoftTokens[c])
		}
	}
	return 0, 0
}

// TokenizeApplesoft builds a program image from listed lines, linked for
// loading at ApplesoftBase. Blank lines are skipped. Spaces outside
// strings, REM and DATA are dropped, as the ROM does.
func TokenizeApplesoft(lines []string) ([]byte, error) {
	var buf []byte
	addr := ApplesoftBase
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		num, rest, err := splitLine(l)
		if err != nil {
			return nil, err
		}
		line := []byte{0, 0, byte(num), byte(num >> 8)}
		inQuote, inRem, inData := false, false, false
		for i := 0; i < len(rest); {
			ch := rest[i]
			switch {
			case inRem:
				line = append(line, ch)
				i++
				continue
			case ch == '"':
				inQuote = !inQuote
				line = append(line, ch)
				i++
				continue
			case inQuote:
				line = append(line, ch)
				i++
				continue
			case inData:
				if ch == ':' {
					inData = false
				}
				line = append(line, ch)
				i++
				continue
			case ch == ' ':
				i++
				continue
			}
			if code, n := matchApplesoft(rest[i:]); n > 0 {
				line = append(line, code)
				inRem = code == tokREM
				inData = code == tokDATA
				i += n
				continue
			}
			if ch >= 'a' && ch <= 'z' {
				ch -= 'a' - 'A'
			}
			line = append(line, ch)
			i++
		}
		line = append(line, 0)
		addr += len(line)
		if addr > 0xffff {
			return nil, ErrTooLong
		}
		line[0], line[1] = byte(addr), byte(addr>>8)
		buf = append(buf, line...)
	}
	return append(buf, 0, 0), nil
}

// integerReverse picks the lowest code for each keyword, skipping the
// immediate-mode codes below 0x10.
var integerReverse = func() map[string]byte {
	m := make(map[string]byte)
	for c := byte(0x7f); c >= 0x10; c-- {
		m[integerTokens[c]] = c
	}
	return m
}()

// integer punctuation whose code depends on context; these are the
// statement forms
var integerPunct = map[byte]byte{
	':': intColon,
	',': 0x0a,
	';': 0x45,
	'(': 0x22,
	')': 0x72,
	'+': 0x12,
}

// TokenizeInteger builds an Integer BASIC program image from listed lines.
func TokenizeInteger(lines []string) ([]byte, error) {
	var buf []byte
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		num, rest, err := splitLine(l)
		if err != nil {
			return nil, err
		}
		line := []byte{0, byte(num), byte(num >> 8)}

		add := func(chunk string) {
			if chunk == "" {
				return
			}
			if v, err := strconv.ParseInt(chunk, 10, 32); err == nil {
				line = append(line, 0xb9, byte(v), byte(v>>8))
				return
			}
			for _, c := range []byte(strings.ToUpper(chunk)) {
				line = append(line, c|0x80)
			}
		}

		chunk := ""
		inQuote := false
		for i := 0; i < len(rest); i++ {
			ch := rest[i]
			switch {
			case ch == '"':
				add(chunk)
				chunk = ""
				inQuote = !inQuote
				if inQuote {
					line = append(line, intOpenQ)
				} else {
					line = append(line, intEndQ)
				}
				continue
			case inQuote:
				line = append(line, ch|0x80)
				continue
			case ch == ' ' || ch == '.':
				add(chunk)
				chunk = ""
				continue
			}
			if code, ok := integerPunct[ch]; ok {
				add(chunk)
				chunk = ""
				line = append(line, code)
				continue
			}
			chunk += string(ch)
			if code, ok := integerReverse[strings.ToUpper(chunk)]; ok {
				line = append(line, code)
				chunk = ""
				if code == intREM {
					for _, c := range []byte(strings.TrimLeft(rest[i+1:], " ")) {
						line = append(line, c|0x80)
					}
					break
				}
			}
		}
		add(chunk)
		line = append(line, intEOL)
		if len(line) > 0xff {
			return nil, fmt.Errorf("line %d: %w", num, ErrTooLong)
		}
		line[0] = byte(len(line))
		buf = append(buf, line...)
	}
	return append(buf, 0), nil
}
