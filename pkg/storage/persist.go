package storage

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"ntcore/pkg/message"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

const persistHeader = "[NetworkTables Storage 3.0]"

var (
	ErrSaveFile   = errors.New("could not open or save file")
	ErrRenameTemp = errors.New("could not rename temp file to real file")
	ErrOpenFile   = errors.New("could not open file")
	ErrReadFile   = errors.New("error reading file")
)

// WarnFunc receives a 1-based line number and a parse complaint.
type WarnFunc func(line int, msg string)

type persistEntry struct {
	name  string
	value *value.Value
}

// persistentEntries snapshots persistent entries in name order. With
// periodic set it returns false when nothing changed since the last save.
func (s *Storage) persistentEntries(periodic bool) ([]persistEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if periodic && !s.persistentDirty {
		return nil, false
	}
	s.persistentDirty = false
	var out []persistEntry
	// skipmap обходит ключи по возрастанию, сортировать не нужно
	s.entries.Range(func(name string, e *entry) bool {
		if e.persistent() && e.value != nil {
			out = append(out, persistEntry{name: name, value: e.value})
		}
		return true
	})
	return out, true
}

func (s *Storage) markDirty() {
	s.mu.Lock()
	s.persistentDirty = true
	s.mu.Unlock()
}

// PersistentDirty reports whether a persistent entry changed since the
// last save.
func (s *Storage) PersistentDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistentDirty
}

// SavePersistentTo writes every persistent entry to w.
func (s *Storage) SavePersistentTo(w io.Writer) error {
	entries, _ := s.persistentEntries(false)
	return writePersistent(w, entries)
}

// SavePersistent writes persistent entries to filename through a temp
// file, keeping the previous file as filename.bak. A periodic save is
// skipped when nothing changed and re-marks the table dirty on failure.
func (s *Storage) SavePersistent(filename string, periodic bool) error {
	entries, ok := s.persistentEntries(periodic)
	if !ok {
		return nil
	}
	err := saveFile(filename, entries)
	if err != nil && periodic {
		s.markDirty()
	}
	return err
}

func saveFile(filename string, entries []persistEntry) error {
	tmp := filename + ".tmp"
	bak := filename + ".bak"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFile, err)
	}
	bw := bufio.NewWriter(f)
	if err := writePersistent(bw, entries); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrSaveFile, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrSaveFile, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSaveFile, err)
	}

	// старую копию храним как .bak; ошибки тут не критичны
	_ = os.Remove(bak)
	_ = os.Rename(filename, bak)

	if err := os.Rename(tmp, filename); err != nil {
		_ = os.Rename(bak, filename)
		return fmt.Errorf("%w: %w", ErrRenameTemp, err)
	}
	return nil
}

func writePersistent(w io.Writer, entries []persistEntry) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(persistHeader)
	bw.WriteByte('\n')
	for _, pe := range entries {
		word := typeWord(pe.value.Type())
		if word == "" {
			continue
		}
		bw.WriteString(word)
		bw.WriteByte(' ')
		writeQuoted(bw, pe.name)
		bw.WriteByte('=')
		writeValue(bw, pe.value)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func typeWord(t value.Type) string {
	switch t {
	case value.Boolean:
		return "boolean"
	case value.Double:
		return "double"
	case value.String:
		return "string"
	case value.Raw:
		return "raw"
	case value.BooleanArray:
		return "array boolean"
	case value.DoubleArray:
		return "array double"
	case value.StringArray:
		return "array string"
	default:
		return ""
	}
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func formatDouble(d float64) string {
	return strconv.FormatFloat(d, 'g', -1, 64)
}

func writeValue(bw *bufio.Writer, v *value.Value) {
	switch v.Type() {
	case value.Boolean:
		bw.WriteString(formatBool(v.GetBool()))
	case value.Double:
		bw.WriteString(formatDouble(v.GetDouble()))
	case value.String:
		writeQuoted(bw, v.GetString())
	case value.Raw:
		bw.WriteString(base64.StdEncoding.EncodeToString(v.GetRaw()))
	case value.BooleanArray:
		for i, b := range v.GetBoolArray() {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(formatBool(b))
		}
	case value.DoubleArray:
		for i, d := range v.GetDoubleArray() {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(formatDouble(d))
		}
	case value.StringArray:
		for i, str := range v.GetStringArray() {
			if i > 0 {
				bw.WriteByte(',')
			}
			writeQuoted(bw, str)
		}
	}
}

const hexDigits = "0123456789ABCDEF"

func writeQuoted(bw *bufio.Writer, s string) {
	bw.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			bw.WriteString(`\\`)
		case '\t':
			bw.WriteString(`\t`)
		case '\n':
			bw.WriteString(`\n`)
		case '"':
			bw.WriteString(`\"`)
		default:
			if c > 0x1f && c < 0x7f && c != '=' {
				bw.WriteByte(c)
				continue
			}
			bw.WriteString(`\x`)
			bw.WriteByte(hexDigits[c>>4])
			bw.WriteByte(hexDigits[c&0xf])
		}
	}
	bw.WriteByte('"')
}

// readStringToken splits a leading quoted token (quotes included) off
// source. An empty token means source does not start with a quote.
func readStringToken(source string) (tok, rest string) {
	if source == "" || source[0] != '"' {
		return "", source
	}
	pos := 1
	for pos < len(source) {
		switch source[pos] {
		case '\\':
			pos += 2
			continue
		case '"':
			pos++
			return source[:pos], source[pos:]
		}
		pos++
	}
	if pos > len(source) {
		pos = len(source)
	}
	return source[:pos], source[pos:]
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// unescape decodes a quoted token produced by readStringToken.
func unescape(tok string) string {
	tok = strings.TrimPrefix(tok, `"`)
	tok = strings.TrimSuffix(tok, `"`)
	var b strings.Builder
	b.Grow(len(tok))
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '\\' || i+1 >= len(tok) {
			b.WriteByte(c)
			continue
		}
		i++
		switch tok[i] {
		case '\\':
			b.WriteByte('\\')
		case '"':
			b.WriteByte('"')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'x':
			hi, ok := byte(0), false
			if i+1 < len(tok) {
				hi, ok = hexValue(tok[i+1])
			}
			if !ok {
				b.WriteByte('x')
				continue
			}
			i++
			ch := hi
			if i+1 < len(tok) {
				if lo, ok := hexValue(tok[i+1]); ok {
					ch = hi<<4 | lo
					i++
				}
			}
			b.WriteByte(ch)
		default:
			b.WriteByte('\\')
			b.WriteByte(tok[i])
		}
	}
	return b.String()
}

// parsePersistent reads entries from r. A header mismatch aborts the
// load; malformed lines are reported through warn and skipped.
func parsePersistent(r io.Reader, warn WarnFunc) ([]persistEntry, error) {
	if warn == nil {
		warn = func(int, string) {}
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<24)

	lineNum := 0
	header := ""
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		header = line
		break
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFile, err)
	}
	if header != persistHeader {
		warn(lineNum, "header line mismatch, ignoring rest of file")
		return nil, ErrReadFile
	}

	var entries []persistEntry
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == ';' || line[0] == '#' {
			continue
		}
		name, v, msg := parseLine(line)
		if msg != "" {
			warn(lineNum, msg)
			continue
		}
		if name != "" && v != nil {
			entries = append(entries, persistEntry{name: name, value: v})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFile, err)
	}
	return entries, nil
}

func cutSpace(s string) (head, tail string) {
	head, tail, _ = strings.Cut(s, " ")
	return head, tail
}

// parseLine decodes one `<type> "<name>"=<value>` line. A non-empty msg
// is a warning and the line is dropped.
func parseLine(line string) (string, *value.Value, string) {
	typeTok, line := cutSpace(line)
	var t value.Type
	switch typeTok {
	case "boolean":
		t = value.Boolean
	case "double":
		t = value.Double
	case "string":
		t = value.String
	case "raw":
		t = value.Raw
	case "array":
		var arrayTok string
		arrayTok, line = cutSpace(line)
		switch arrayTok {
		case "boolean":
			t = value.BooleanArray
		case "double":
			t = value.DoubleArray
		case "string":
			t = value.StringArray
		}
	}
	if t == value.Unassigned {
		return "", nil, "unrecognized type"
	}

	nameTok, line := readStringToken(line)
	if nameTok == "" {
		return "", nil, "unterminated name string"
	}
	name := unescape(nameTok)

	line = strings.TrimLeft(line, " \t")
	if line == "" || line[0] != '=' {
		return "", nil, "expected = after name"
	}
	line = strings.TrimLeft(line[1:], " \t")

	switch t {
	case value.Boolean:
		switch line {
		case "true":
			return name, value.Bool(true), ""
		case "false":
			return name, value.Bool(false), ""
		}
		return "", nil, "unrecognized boolean value, not 'true' or 'false'"
	case value.Double:
		d, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return "", nil, "invalid double value"
		}
		return name, value.Float(d), ""
	case value.String:
		tok, _ := readStringToken(line)
		if tok == "" {
			return "", nil, "missing string value"
		}
		if len(tok) < 2 || tok[len(tok)-1] != '"' {
			return "", nil, "unterminated string value"
		}
		return name, value.Str(unescape(tok)), ""
	case value.Raw:
		raw, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return "", nil, "invalid base64 value"
		}
		return name, value.RawBytes(raw), ""
	case value.BooleanArray:
		var arr []bool
		for _, tok := range splitList(line) {
			switch tok {
			case "true":
				arr = append(arr, true)
			case "false":
				arr = append(arr, false)
			default:
				return "", nil, "unrecognized boolean value, not 'true' or 'false'"
			}
		}
		return name, value.BoolArray(arr), ""
	case value.DoubleArray:
		var arr []float64
		for _, tok := range splitList(line) {
			d, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return "", nil, "invalid double value"
			}
			arr = append(arr, d)
		}
		return name, value.FloatArray(arr), ""
	default:
		arr, msg := parseStringArray(line)
		if msg != "" {
			return "", nil, msg
		}
		return name, value.StrArray(arr), ""
	}
}

func splitList(line string) []string {
	if line == "" {
		return nil
	}
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.Trim(parts[i], " \t")
	}
	return parts
}

func parseStringArray(line string) ([]string, string) {
	var arr []string
	for line != "" {
		tok, rest := readStringToken(line)
		if tok == "" {
			return nil, "missing string value"
		}
		if len(tok) < 2 || tok[len(tok)-1] != '"' {
			return nil, "unterminated string value"
		}
		arr = append(arr, unescape(tok))

		line = strings.TrimLeft(rest, " \t")
		if line == "" {
			break
		}
		if line[0] != ',' {
			return nil, "expected comma between strings"
		}
		line = strings.TrimLeft(line[1:], " \t")
	}
	return arr, ""
}

// LoadPersistentFrom merges entries read from r into the table, marking
// them persistent, and announces the changes to peers.
func (s *Storage) LoadPersistentFrom(r io.Reader, warn WarnFunc) error {
	entries, err := parsePersistent(r, warn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var msgs []message.Message
	for _, pe := range entries {
		e, existed := s.entries.Load(pe.name)
		if !existed {
			e = newEntry(pe.name)
			s.entries.Store(pe.name, e)
		}
		old := e.value
		e.value = pe.value
		wasPersist := e.persistent()
		e.flags |= types.FlagPersistent
		s.allocIDLocked(e)

		if old == nil {
			s.notify(pe.name, pe.value, types.NotifyNew|types.NotifyLocal)
		} else if !old.Equal(pe.value) || !wasPersist {
			flags := types.NotifyUpdate | types.NotifyLocal
			if !wasPersist {
				flags |= types.NotifyFlagsChanged
			}
			s.notify(pe.name, pe.value, flags)
		}

		if s.queueOutgoing == nil {
			continue
		}
		e.seq = e.seq.Next()
		switch {
		case old == nil || old.Type() != pe.value.Type():
			msgs = append(msgs, e.assign())
		case e.id != types.Unassigned:
			if !old.Equal(pe.value) {
				msgs = append(msgs, &message.EntryUpdate{ID: e.id, Seq: e.seq, Value: pe.value})
			}
			if !wasPersist {
				msgs = append(msgs, &message.FlagsUpdate{ID: e.id, Flags: e.flags})
			}
		}
	}
	s.unlockAndSend(msgs...)
	return nil
}

// LoadPersistent loads filename; see LoadPersistentFrom.
func (s *Storage) LoadPersistent(filename string, warn WarnFunc) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenFile, err)
	}
	defer f.Close()
	if err := s.LoadPersistentFrom(f, warn); err != nil {
		return err
	}
	s.logger.Info("loaded persistent entries", slog.String("file", filename))
	return nil
}
