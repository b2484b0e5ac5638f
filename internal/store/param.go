package store

import (
	"strconv"
	"strings"
)

// Recognized param keys. The param map is an extensible attribute bag;
// unknown keys are preserved opaquely.
const (
	ParamFile          byte = 'f' // attachment path
	ParamMIMEType      byte = 'm' // explicit attachment mimetype
	ParamWidth         byte = 'w'
	ParamHeight        byte = 'h'
	ParamDurationMs    byte = 'd'
	ParamSystemCmd     byte = 'S' // system command code, see Sys* constants
	ParamAffectedAddr  byte = 'E' // member added/removed by a system command
	ParamAuthor        byte = 'N' // audio track author
	ParamTitle         byte = 'n' // audio track title
	ParamForwardedAddr byte = 'a' // forwarding-origin address
	ParamForwardedName byte = 'A' // forwarding-origin display name
	ParamGuaranteeE2EE byte = 'c' // encryption must not be skipped
	ParamReferences    byte = 'R' // chat-level cached thread reference anchor
)

// Param is an ordered mapping from a single-character key to a string value,
// packed into a single text column as "k=v" lines.
type Param struct {
	keys []byte
	vals map[byte]string
}

// NewParam returns an empty param map.
func NewParam() *Param {
	return &Param{vals: make(map[byte]string)}
}

// ParseParam unpacks a param map from its packed text form. Malformed lines
// are dropped.
func ParseParam(packed string) *Param {
	p := NewParam()
	for _, line := range strings.Split(packed, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		p.Set(line[0], line[2:])
	}
	return p
}

// Pack serializes the param map, preserving insertion order. A nil map
// packs to the empty string.
func (p *Param) Pack() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte(k)
		b.WriteByte('=')
		b.WriteString(p.vals[k])
	}
	return b.String()
}

// Get returns the value for key, or def if absent.
func (p *Param) Get(key byte, def string) string {
	if v, ok := p.vals[key]; ok {
		return v
	}
	return def
}

// GetInt returns the integer value for key, or def if absent or malformed.
func (p *Param) GetInt(key byte, def int) int {
	v, ok := p.vals[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Exists reports whether key is set.
func (p *Param) Exists(key byte) bool {
	_, ok := p.vals[key]
	return ok
}

// Set stores value under key, keeping the key's original position if it
// already exists.
func (p *Param) Set(key byte, value string) {
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = value
}

// SetInt stores an integer value under key.
func (p *Param) SetInt(key byte, value int) {
	p.Set(key, strconv.Itoa(value))
}

// Delete removes key from the map.
func (p *Param) Delete(key byte) {
	if _, ok := p.vals[key]; !ok {
		return
	}
	delete(p.vals, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Clone returns an independent copy of the param map.
func (p *Param) Clone() *Param {
	c := NewParam()
	for _, k := range p.keys {
		c.Set(k, p.vals[k])
	}
	return c
}
