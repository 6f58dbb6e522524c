package http

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ntcore/pkg/nterrors"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// Entry is the JSON view of one table entry.
type Entry struct {
	Key        string    `json:"key"`
	Type       string    `json:"type"`
	Value      any       `json:"value"`
	Persistent bool      `json:"persistent,omitempty"`
	LastChange time.Time `json:"last_change,omitempty"`
}

func newEntry(key string, v *value.Value, flags types.EntryFlags) Entry {
	return Entry{
		Key:        key,
		Type:       v.Type().String(),
		Value:      v.Interface(),
		Persistent: flags&types.FlagPersistent != 0,
		LastChange: v.LastChange(),
	}
}

type putRequest struct {
	Key   string          `json:"key"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

var typeNames = map[string]value.Type{
	"boolean":   value.Boolean,
	"double":    value.Double,
	"string":    value.String,
	"raw":       value.Raw,
	"boolean[]": value.BooleanArray,
	"double[]":  value.DoubleArray,
	"string[]":  value.StringArray,
	"rpc":       value.Rpc,
}

// decodeValue builds a value of the named type; raw is base64 as
// encoding/json renders []byte.
func decodeValue(typ string, raw json.RawMessage) (*value.Value, error) {
	var err error
	switch typ {
	case "boolean":
		var b bool
		if err = json.Unmarshal(raw, &b); err == nil {
			return value.Bool(b), nil
		}
	case "double":
		var d float64
		if err = json.Unmarshal(raw, &d); err == nil {
			return value.Float(d), nil
		}
	case "string":
		var s string
		if err = json.Unmarshal(raw, &s); err == nil {
			return value.Str(s), nil
		}
	case "raw":
		var b []byte
		if err = json.Unmarshal(raw, &b); err == nil {
			return value.RawBytes(b), nil
		}
	case "boolean[]":
		var a []bool
		if err = json.Unmarshal(raw, &a); err == nil {
			return value.BoolArray(a), nil
		}
	case "double[]":
		var a []float64
		if err = json.Unmarshal(raw, &a); err == nil {
			return value.FloatArray(a), nil
		}
	case "string[]":
		var a []string
		if err = json.Unmarshal(raw, &a); err == nil {
			return value.StrArray(a), nil
		}
	default:
		return nil, fmt.Errorf("unknown type %q: %w", typ, nterrors.ErrInvalidArgument)
	}
	return nil, fmt.Errorf("bad %s value: %w", typ, err)
}

// parseTypeMask reads "boolean,double[]"; empty means every type.
func parseTypeMask(s string) (value.Type, error) {
	var mask value.Type
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		t, ok := typeNames[strings.TrimSpace(name)]
		if !ok {
			return 0, fmt.Errorf("unknown type %q: %w", name, nterrors.ErrInvalidArgument)
		}
		mask |= t
	}
	return mask, nil
}

func notifyNames(flags types.NotifyFlags) []string {
	var names []string
	for _, f := range []struct {
		flag types.NotifyFlags
		name string
	}{
		{types.NotifyImmediate, "immediate"},
		{types.NotifyLocal, "local"},
		{types.NotifyNew, "new"},
		{types.NotifyDelete, "delete"},
		{types.NotifyUpdate, "update"},
		{types.NotifyFlagsChanged, "flags"},
	} {
		if flags.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return names
}
