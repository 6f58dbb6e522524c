package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ntcore/pkg/message"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

func persisted(s *Storage, name string, v *value.Value) {
	s.SetEntryValue(name, v)
	s.SetEntryFlags(name, types.FlagPersistent)
}

func TestSaveFormat(t *testing.T) {
	s, _, _ := newTestStorage(true)
	persisted(s, "/b", value.Bool(true))
	persisted(s, "/a=x", value.Str("q\"\t\n\\"))
	persisted(s, "/d", value.Float(1.5))
	persisted(s, "/r", value.RawBytes([]byte("hi")))
	persisted(s, "/ab", value.BoolArray([]bool{true, false}))
	persisted(s, "/ad", value.FloatArray([]float64{1, 2.5}))
	persisted(s, "/as", value.StrArray([]string{"x", "y"}))
	s.SetEntryValue("/volatile", value.Bool(true))

	var buf bytes.Buffer
	if err := s.SavePersistentTo(&buf); err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"[NetworkTables Storage 3.0]",
		`string "/a\x3Dx"="q\"\t\n\\"`,
		`array boolean "/ab"=true,false`,
		`array double "/ad"=1,2.5`,
		`array string "/as"="x","y"`,
		`boolean "/b"=true`,
		`double "/d"=1.5`,
		`raw "/r"=aGk=`,
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Fatalf("saved:\n%s\nwant:\n%s", got, want)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src, _, _ := newTestStorage(true)
	persisted(src, "/bin\x01\xff", value.RawBytes([]byte{0, 1, 2, 255}))
	persisted(src, "/str", value.Str("a,b \"c\" \\"))
	persisted(src, "/dbl", value.Float(-0.125))
	persisted(src, "/arr", value.StrArray([]string{"", "with,comma", "q\"uote"}))
	persisted(src, "/bools", value.BoolArray(nil))

	path := filepath.Join(t.TempDir(), "networktables.ini")
	if err := src.SavePersistent(path, false); err != nil {
		t.Fatal(err)
	}

	dst, _, _ := newTestStorage(true)
	var warnings []string
	if err := dst.LoadPersistent(path, func(line int, msg string) { warnings = append(warnings, msg) }); err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings: %v", warnings)
	}
	for _, info := range src.GetEntryInfo("", 0) {
		want := src.GetEntryValue(info.Name)
		got := dst.GetEntryValue(info.Name)
		if !want.Equal(got) {
			t.Errorf("%q: got %v want %v", info.Name, got, want)
		}
		if dst.GetEntryFlags(info.Name) != types.FlagPersistent {
			t.Errorf("%q not persistent after load", info.Name)
		}
	}
}

func TestSaveRotatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nt.ini")
	s, _, _ := newTestStorage(true)
	persisted(s, "/a", value.Float(1))
	if err := s.SavePersistent(path, false); err != nil {
		t.Fatal(err)
	}
	s.SetEntryValue("/a", value.Float(2))
	if err := s.SavePersistent(path, false); err != nil {
		t.Fatal(err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(bak), `double "/a"=1`) {
		t.Fatalf("backup holds %q", bak)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestPeriodicSaveOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nt.ini")
	s, _, _ := newTestStorage(true)
	persisted(s, "/a", value.Float(1))
	if err := s.SavePersistent(path, true); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePersistent(path, true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("clean table was saved again")
	}
}

func TestFailedPeriodicSaveStaysDirty(t *testing.T) {
	s, _, _ := newTestStorage(true)
	persisted(s, "/a", value.Float(1))
	path := filepath.Join(t.TempDir(), "missing", "nt.ini")
	err := s.SavePersistent(path, true)
	if !errors.Is(err, ErrSaveFile) {
		t.Fatalf("err = %v", err)
	}
	if !s.PersistentDirty() {
		t.Fatal("failed periodic save cleared dirty flag")
	}
}

func TestLoadWarnings(t *testing.T) {
	input := strings.Join([]string{
		"; comment",
		"",
		"[NetworkTables Storage 3.0]",
		"# another",
		`integer "/x"=1`,
		`boolean "/b=maybe`,
		`boolean "/b" true`,
		`boolean "/b"=maybe`,
		`double "/d"=abc`,
		`string "/s"=`,
		`string "/s"="open`,
		`array string "/as"="a" "b"`,
		`boolean "/ok"=true`,
		`array double "/ad"=1, 2 ,3`,
	}, "\n")

	s, _, _ := newTestStorage(true)
	type warning struct {
		line int
		msg  string
	}
	var got []warning
	err := s.LoadPersistentFrom(strings.NewReader(input), func(line int, msg string) {
		got = append(got, warning{line, msg})
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []warning{
		{5, "unrecognized type"},
		{6, "expected = after name"},
		{7, "expected = after name"},
		{8, "unrecognized boolean value, not 'true' or 'false'"},
		{9, "invalid double value"},
		{10, "missing string value"},
		{11, "unterminated string value"},
		{12, "expected comma between strings"},
	}
	if len(got) != len(want) {
		t.Fatalf("warnings %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("warning %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if !s.GetEntryValue("/ok").GetBool() {
		t.Fatal("valid line after bad ones not loaded")
	}
	if arr := s.GetEntryValue("/ad").GetDoubleArray(); len(arr) != 3 || arr[1] != 2 {
		t.Fatalf("array %v", arr)
	}
}

func TestLoadHeaderMismatch(t *testing.T) {
	s, _, _ := newTestStorage(true)
	var msgs []string
	err := s.LoadPersistentFrom(strings.NewReader("[Something Else]\nboolean \"/a\"=true\n"),
		func(_ int, msg string) { msgs = append(msgs, msg) })
	if !errors.Is(err, ErrReadFile) {
		t.Fatalf("err = %v", err)
	}
	if len(msgs) != 1 || msgs[0] != "header line mismatch, ignoring rest of file" || s.ContainsEntry("/a") {
		t.Fatalf("msgs %v", msgs)
	}
}

func TestLoadAnnouncesChanges(t *testing.T) {
	s, rec, _ := newTestStorage(true)
	s.SetEntryValue("/a", value.Float(1))
	rec.take()

	input := "[NetworkTables Storage 3.0]\ndouble \"/a\"=2\nstring \"/n\"=\"v\"\n"
	if err := s.LoadPersistentFrom(strings.NewReader(input), nil); err != nil {
		t.Fatal(err)
	}
	msgs := rec.take()
	if len(msgs) != 3 {
		t.Fatalf("expected update, flags, assign; got %d", len(msgs))
	}
	if _, ok := msgs[0].msg.(*message.EntryUpdate); !ok {
		t.Fatalf("first = %T", msgs[0].msg)
	}
	if fu, ok := msgs[1].msg.(*message.FlagsUpdate); !ok || fu.Flags != types.FlagPersistent {
		t.Fatalf("second = %#v", msgs[1].msg)
	}
	if as, ok := msgs[2].msg.(*message.EntryAssign); !ok || as.Name != "/n" || as.ID != 1 {
		t.Fatalf("third = %#v", msgs[2].msg)
	}
}

func TestUnescape(t *testing.T) {
	cases := map[string]string{
		`"plain"`:    "plain",
		`"a\x3Db"`:   "a=b",
		`"\x4"`:      "\x04",
		`"\xzz"`:     "xzz",
		`"\q"`:       `\q`,
		`"\\\"\t\n"`: "\\\"\t\n",
	}
	for in, want := range cases {
		if got := unescape(in); got != want {
			t.Errorf("unescape(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestReadStringTokenHandlesEscapedBackslash(t *testing.T) {
	tok, rest := readStringToken(`"a\\"=1`)
	if tok != `"a\\"` || rest != "=1" {
		t.Fatalf("tok=%q rest=%q", tok, rest)
	}
}
