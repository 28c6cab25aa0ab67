package convert

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/google/pprof/profile"
)

// profileBuilder accumulates the samples of one pprof profile. Functions
// are keyed by frame name and samples by their stack and labels, so equal
// stacks from different chunks merge.
type profileBuilder struct {
	*profile.Profile

	functions map[string]*profile.Location
	samples   map[uint64][]*profile.Sample
	hashBuf   []byte
}

func newProfileBuilder() *profileBuilder {
	return &profileBuilder{
		Profile: &profile.Profile{
			Mapping: []*profile.Mapping{{ID: 1, HasFunctions: true}},
		},
		functions: make(map[string]*profile.Location),
		samples:   make(map[uint64][]*profile.Sample),
	}
}

func (b *profileBuilder) addSampleType(typ, unit string) {
	b.SampleType = append(b.SampleType, &profile.ValueType{Type: typ, Unit: unit})
}

func (b *profileBuilder) setPeriodType(typ, unit string) {
	b.Profile.PeriodType = &profile.ValueType{Type: typ, Unit: unit}
}

// location returns the location of the function frame, creating both on
// first use.
func (b *profileBuilder) location(frame string) *profile.Location {
	if loc, ok := b.functions[frame]; ok {
		return loc
	}
	fn := &profile.Function{
		ID:         uint64(len(b.Function)) + 1,
		Name:       frame,
		SystemName: frame,
	}
	b.Function = append(b.Function, fn)
	loc := &profile.Location{
		ID:      uint64(len(b.Location)) + 1,
		Mapping: b.Mapping[0],
		Line:    []profile.Line{{Function: fn}},
	}
	b.Location = append(b.Location, loc)
	b.functions[frame] = loc
	return loc
}

// addSample adds values to the sample with the same stack and label, or
// creates it.
func (b *profileBuilder) addSample(locs []*profile.Location, labelKey, labelValue string, values []int64) {
	h := b.hash(locs, labelValue)
	for _, s := range b.samples[h] {
		if sameStack(s.Location, locs) && sameLabel(s, labelKey, labelValue) {
			for i, v := range values {
				s.Value[i] += v
			}
			return
		}
	}
	s := &profile.Sample{
		Location: slices.Clone(locs),
		Value:    slices.Clone(values),
	}
	if labelKey != "" {
		s.Label = map[string][]string{labelKey: {labelValue}}
	}
	b.samples[h] = append(b.samples[h], s)
	b.Sample = append(b.Sample, s)
}

func (b *profileBuilder) hash(locs []*profile.Location, label string) uint64 {
	buf := b.hashBuf[:0]
	for _, l := range locs {
		buf = binary.LittleEndian.AppendUint64(buf, l.ID)
	}
	buf = append(buf, label...)
	b.hashBuf = buf
	return xxhash.Sum64(buf)
}

func sameStack(a, b []*profile.Location) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameLabel(s *profile.Sample, key, value string) bool {
	if key == "" {
		return len(s.Label) == 0
	}
	v := s.Label[key]
	return len(v) == 1 && v[0] == value
}
