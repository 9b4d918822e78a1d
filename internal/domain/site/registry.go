package site

import (
	"fmt"
	"sort"
)

// Tag identifies the origin site of an identifier. Tags occupy the top
// 8 bits of every identifier, so at most 255 sites can be registered.
type Tag uint8

// UnknownTag is the sentinel tag for site codes that are not registered.
// Two distinct unregistered sites collapse onto this tag and their
// identifiers may collide; registration at configuration load is the
// guard against that.
const UnknownTag Tag = 0

// UnknownCode is the human-readable rendering of the sentinel tag.
const UnknownCode = "UNKNOWN"

// Descriptor describes one registered site
type Descriptor struct {
	Code string
	Tag  Tag
	Name string
}

// Registry is the closed site-code-to-tag mapping. It is immutable after
// construction and validated up front: duplicate codes, duplicate tags and
// the sentinel tag are all rejected.
type Registry struct {
	byCode map[string]Descriptor
	byTag  map[Tag]Descriptor
}

// NewRegistry builds a registry from the configured site table
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("site registry requires at least one site")
	}

	r := &Registry{
		byCode: make(map[string]Descriptor, len(descriptors)),
		byTag:  make(map[Tag]Descriptor, len(descriptors)),
	}

	for _, d := range descriptors {
		if d.Code == "" {
			return nil, fmt.Errorf("site descriptor with tag %d has an empty code", d.Tag)
		}
		if d.Code == UnknownCode {
			return nil, fmt.Errorf("site code %q is reserved", UnknownCode)
		}
		if d.Tag == UnknownTag {
			return nil, fmt.Errorf("site %q uses reserved tag %d", d.Code, UnknownTag)
		}
		if prev, ok := r.byCode[d.Code]; ok {
			return nil, fmt.Errorf("duplicate site code %q (tags %d and %d)", d.Code, prev.Tag, d.Tag)
		}
		if prev, ok := r.byTag[d.Tag]; ok {
			return nil, fmt.Errorf("duplicate site tag %d (codes %q and %q)", d.Tag, prev.Code, d.Code)
		}
		r.byCode[d.Code] = d
		r.byTag[d.Tag] = d
	}

	return r, nil
}

// TagFor resolves a site code to its tag. Unknown codes report ok=false;
// callers decide whether to degrade to UnknownTag or reject.
func (r *Registry) TagFor(code string) (Tag, bool) {
	d, ok := r.byCode[code]
	if !ok {
		return UnknownTag, false
	}
	return d.Tag, true
}

// CodeFor is the reverse lookup from tag to site code
func (r *Registry) CodeFor(tag Tag) (string, bool) {
	d, ok := r.byTag[tag]
	if !ok {
		return UnknownCode, false
	}
	return d.Code, true
}

// Descriptor returns the full descriptor for a site code
func (r *Registry) Descriptor(code string) (Descriptor, bool) {
	d, ok := r.byCode[code]
	return d, ok
}

// Contains reports whether the site code is registered
func (r *Registry) Contains(code string) bool {
	_, ok := r.byCode[code]
	return ok
}

// Codes returns all registered site codes in stable order
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.byCode))
	for code := range r.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
