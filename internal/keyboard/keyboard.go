// Package keyboard loads physical keyboard geometry: key positions, the
// finger responsible for each key, finger home keys, and the set of
// characters a layout has to place.
package keyboard

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"ergotype/internal/model"
)

// DefaultKeyUnitMM is the pitch of one standard key.
const DefaultKeyUnitMM = 19.05

type Finger int

const (
	LeftPinky Finger = iota
	LeftRing
	LeftMiddle
	LeftIndex
	LeftThumb
	RightThumb
	RightIndex
	RightMiddle
	RightRing
	RightPinky
)

var fingerNames = [model.FingerCount]string{
	"left_pinky", "left_ring", "left_middle", "left_index", "left_thumb",
	"right_thumb", "right_index", "right_middle", "right_ring", "right_pinky",
}

func (f Finger) String() string {
	if f < 0 || int(f) >= len(fingerNames) {
		return fmt.Sprintf("finger(%d)", int(f))
	}
	return fingerNames[f]
}

func ParseFinger(name string) (Finger, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range fingerNames {
		if candidate == name {
			return Finger(i), nil
		}
	}
	return 0, fmt.Errorf("unknown finger: %q", name)
}

// Point is a position in key units.
type Point struct {
	X float64
	Y float64
}

// Distance is the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Key is one physical key. Keys reachable by either hand list two fingers
// and are pressed alternately.
type Key struct {
	ID      string
	Center  Point
	Width   float64
	Fingers []Finger
	// Char is set for fixed keys whose character never moves.
	Char       string
	Assignable bool
}

type Keyboard struct {
	Name      string
	KeyUnitMM float64

	keys      map[string]*Key
	order     []string
	homes     [model.FingerCount]string
	charset   []string
	fixed     map[rune]string
	reference model.Genotype
}

type fileKey struct {
	ID         string   `toml:"id"`
	X          float64  `toml:"x"`
	Y          float64  `toml:"y"`
	Width      float64  `toml:"width"`
	Finger     string   `toml:"finger"`
	Fingers    []string `toml:"fingers"`
	Char       string   `toml:"char"`
	Assignable *bool    `toml:"assignable"`
}

type file struct {
	Name      string            `toml:"name"`
	KeyUnitMM float64           `toml:"key_unit_mm"`
	Charset   string            `toml:"charset"`
	Homes     map[string]string `toml:"homes"`
	Keys      []fileKey         `toml:"keys"`
	Reference map[string]string `toml:"reference"`
}

// Load reads a keyboard definition from a TOML file. The returned error wraps
// the filesystem error so callers can test for fs.ErrNotExist.
func Load(path string) (*Keyboard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyboard %s: %w", path, err)
	}
	kb, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse keyboard %s: %w", path, err)
	}
	return kb, nil
}

// Parse decodes a keyboard definition from TOML text.
func Parse(data string) (*Keyboard, error) {
	var raw file
	if _, err := toml.Decode(data, &raw); err != nil {
		return nil, err
	}
	return build(raw)
}

func build(raw file) (*Keyboard, error) {
	kb := &Keyboard{
		Name:      raw.Name,
		KeyUnitMM: raw.KeyUnitMM,
		keys:      make(map[string]*Key, len(raw.Keys)),
		fixed:     map[rune]string{},
	}
	if kb.KeyUnitMM <= 0 {
		kb.KeyUnitMM = DefaultKeyUnitMM
	}
	if len(raw.Keys) == 0 {
		return nil, fmt.Errorf("keyboard has no keys")
	}

	usedFingers := map[Finger]struct{}{}
	for i, item := range raw.Keys {
		if item.ID == "" {
			return nil, fmt.Errorf("key %d: id is required", i)
		}
		if _, dup := kb.keys[item.ID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", item.ID)
		}
		names := item.Fingers
		if item.Finger != "" {
			names = append([]string{item.Finger}, names...)
		}
		if len(names) == 0 || len(names) > 2 {
			return nil, fmt.Errorf("key %q: need one finger or an alternating pair", item.ID)
		}
		fingers := make([]Finger, 0, len(names))
		for _, name := range names {
			finger, err := ParseFinger(name)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", item.ID, err)
			}
			fingers = append(fingers, finger)
			usedFingers[finger] = struct{}{}
		}
		width := item.Width
		if width <= 0 {
			width = 1
		}
		key := &Key{
			ID:         item.ID,
			Center:     Point{X: item.X, Y: item.Y},
			Width:      width,
			Fingers:    fingers,
			Char:       item.Char,
			Assignable: item.Char == "",
		}
		if item.Assignable != nil {
			key.Assignable = *item.Assignable && item.Char == ""
		}
		if item.Char != "" {
			r, size := utf8.DecodeRuneInString(item.Char)
			if size != len(item.Char) {
				return nil, fmt.Errorf("key %q: fixed char %q must be a single rune", item.ID, item.Char)
			}
			kb.fixed[r] = item.ID
		}
		kb.keys[item.ID] = key
		kb.order = append(kb.order, item.ID)
	}

	for name, keyID := range raw.Homes {
		finger, err := ParseFinger(name)
		if err != nil {
			return nil, fmt.Errorf("homes: %w", err)
		}
		if _, ok := kb.keys[keyID]; !ok {
			return nil, fmt.Errorf("home of %s references unknown key %q", finger, keyID)
		}
		kb.homes[finger] = keyID
	}
	for finger := range usedFingers {
		if kb.homes[finger] == "" {
			return nil, fmt.Errorf("finger %s has keys but no home key", finger)
		}
	}

	seen := map[string]struct{}{}
	for _, r := range raw.Charset {
		ch := string(r)
		if _, dup := seen[ch]; dup {
			continue
		}
		if _, isFixed := kb.fixed[r]; isFixed {
			continue
		}
		seen[ch] = struct{}{}
		kb.charset = append(kb.charset, ch)
	}
	sort.Strings(kb.charset)
	if len(kb.charset) > len(kb.Slots()) {
		return nil, fmt.Errorf("charset has %d characters but only %d assignable keys", len(kb.charset), len(kb.Slots()))
	}

	if len(raw.Reference) > 0 {
		ref := make(model.Genotype, len(raw.Reference))
		for ch, keyID := range raw.Reference {
			key, ok := kb.keys[keyID]
			if !ok {
				return nil, fmt.Errorf("reference layout maps %q to unknown key %q", ch, keyID)
			}
			if !key.Assignable {
				return nil, fmt.Errorf("reference layout maps %q to fixed key %q", ch, keyID)
			}
			ref[ch] = keyID
		}
		if err := ref.Validate(); err != nil {
			return nil, fmt.Errorf("reference layout: %w", err)
		}
		for _, ch := range kb.charset {
			if _, ok := ref[ch]; !ok {
				return nil, fmt.Errorf("reference layout does not place %q", ch)
			}
		}
		kb.reference = ref
	}
	return kb, nil
}

// Key returns the key with the given id.
func (k *Keyboard) Key(id string) (*Key, bool) {
	key, ok := k.keys[id]
	return key, ok
}

// Keys returns every key in file order.
func (k *Keyboard) Keys() []*Key {
	out := make([]*Key, 0, len(k.order))
	for _, id := range k.order {
		out = append(out, k.keys[id])
	}
	return out
}

// Home returns the home position of a finger. Fingers with no keys rest at
// the origin.
func (k *Keyboard) Home(f Finger) Point {
	if id := k.homes[f]; id != "" {
		return k.keys[id].Center
	}
	return Point{}
}

// Charset returns the characters a genotype has to place, sorted.
func (k *Keyboard) Charset() []string {
	return append([]string(nil), k.charset...)
}

// Slots returns the ids of keys available to the genotype, sorted.
func (k *Keyboard) Slots() []string {
	out := make([]string, 0, len(k.keys))
	for _, id := range k.order {
		if k.keys[id].Assignable {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reference returns the reference layout declared in the file, if any.
func (k *Keyboard) Reference() (model.Genotype, bool) {
	if k.reference == nil {
		return nil, false
	}
	return k.reference.Clone(), true
}

// KeyMap merges the fixed keys with a genotype into a rune to key lookup.
func (k *Keyboard) KeyMap(genotype model.Genotype) (map[rune]*Key, error) {
	out := make(map[rune]*Key, len(k.fixed)+len(genotype))
	for r, id := range k.fixed {
		out[r] = k.keys[id]
	}
	for ch, id := range genotype {
		r, size := utf8.DecodeRuneInString(ch)
		if size != len(ch) || size == 0 {
			return nil, fmt.Errorf("genotype char %q must be a single rune", ch)
		}
		key, ok := k.keys[id]
		if !ok {
			return nil, fmt.Errorf("genotype maps %q to unknown key %q", ch, id)
		}
		if !key.Assignable {
			return nil, fmt.Errorf("genotype maps %q to fixed key %q", ch, id)
		}
		out[r] = key
	}
	return out, nil
}
