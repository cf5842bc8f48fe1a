package space

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// EpochKey is the static field holding the full epoch budget.
const EpochKey = "epoch"

var (
	ErrEmptyField = errors.New("dynamic field has no candidate values")
	ErrOverlap    = errors.New("field is both static and dynamic")
	ErrNoEpoch    = errors.New("static config has no epoch budget")
)

// Static holds the hyperparameters shared by every trial.
type Static map[string]any

// Values is the ordered candidate list of one dynamic field.
type Values []any

// Dynamic maps a field name to its candidates.
type Dynamic map[string]Values

// Params is one fully merged trial configuration. Two trials with equal
// Params are the same trial.
type Params map[string]any

// NewDynamic wraps scalar fields into single-element candidate lists.
func NewDynamic(raw map[string]any) Dynamic {
	d := make(Dynamic, len(raw))
	for k, v := range raw {
		switch vals := v.(type) {
		case []any:
			d[k] = append(Values(nil), vals...)
		case Values:
			d[k] = append(Values(nil), vals...)
		default:
			d[k] = Values{v}
		}
	}
	return d
}

// Fields returns the dynamic field names in grid order.
func (d Dynamic) Fields() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size is the number of grid points.
func (d Dynamic) Size() int {
	n := 1
	for _, vals := range d {
		n *= len(vals)
	}
	return n
}

// Epoch returns the full epoch budget.
func (s Static) Epoch() (int, error) {
	v, ok := s[EpochKey]
	if !ok {
		return 0, ErrNoEpoch
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("static %s: %w", EpochKey, err)
	}
	return n, nil
}

// Expand returns the cross-product of dynamic candidates merged into
// static, last field varying fastest.
func Expand(static Static, dynamic Dynamic) ([]Params, error) {
	fields := dynamic.Fields()
	for _, f := range fields {
		if len(dynamic[f]) == 0 {
			return nil, fmt.Errorf("%s: %w", f, ErrEmptyField)
		}
		if _, ok := static[f]; ok {
			return nil, fmt.Errorf("%s: %w", f, ErrOverlap)
		}
	}

	base, err := normalize(map[string]any(static))
	if err != nil {
		return nil, fmt.Errorf("normalizing static config: %w", err)
	}

	out := make([]Params, 0, dynamic.Size())
	idx := make([]int, len(fields))
	for {
		p := make(Params, len(base)+len(fields))
		for k, v := range base {
			p[k] = v
		}
		for i, f := range fields {
			p[f] = dynamic[f][idx[i]]
		}
		norm, err := normalize(map[string]any(p))
		if err != nil {
			return nil, fmt.Errorf("normalizing grid point %d: %w", len(out), err)
		}
		out = append(out, Params(norm))

		i := len(fields) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(dynamic[fields[i]]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out, nil
		}
	}
}

// normalize round-trips through JSON so numbers from yaml, toml and json
// decoders end up with the same Go types.
func normalize(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return DecodeObject(data)
}

// DecodeObject parses a JSON object. Integral numbers decode as int64 so
// large seeds survive exactly; all other numbers decode as float64.
func DecodeObject(data []byte) (map[string]any, error) {
	v, err := decode(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := exactNumbers(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("want a JSON object, got %T", v)
	}
	return m, nil
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func exactNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = exactNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = exactNumbers(e)
		}
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	default:
		return v
	}
}

// Canonical returns the fingerprint encoding: JSON with sorted keys.
func (p Params) Canonical() ([]byte, error) {
	return Canonical(p)
}

// Canonical encodes any JSON-compatible value with sorted map keys and
// normalized numbers. Integers stay exact up to the int64 range.
func Canonical(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	generic, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return json.Marshal(exactNumbers(generic))
}

func (p Params) Fingerprint() (string, error) {
	data, err := p.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whole-config equality. A single differing field makes
// two configs distinct.
func (p Params) Equal(other Params) bool {
	a, err := p.Canonical()
	if err != nil {
		return false
	}
	b, err := other.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (p Params) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	return cast.ToIntE(v)
}

// Describe renders the given keys as "k=v" pairs for logs.
func (p Params) Describe(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, cast.ToString(p[k])))
	}
	return strings.Join(parts, " ")
}
