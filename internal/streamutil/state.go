package streamutil

import (
	"encoding"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Algorithms are the digest algorithms an upload session keeps running
// state for. The digest a client will commit with is not known until
// the final request, so a digester is maintained per registered
// algorithm.
var Algorithms = []digest.Algorithm{digest.SHA256, digest.SHA512}

// Digesters is the set of running digesters of one upload session.
type Digesters map[digest.Algorithm]digest.Digester

// NewDigesters returns fresh digesters for all registered algorithms.
func NewDigesters() Digesters {
	ds := make(Digesters, len(Algorithms))
	for _, algorithm := range Algorithms {
		ds[algorithm] = algorithm.Digester()
	}
	return ds
}

// Writer returns a writer that feeds all digesters at once.
func (ds Digesters) Writer() io.Writer {
	ws := make([]io.Writer, 0, len(ds))
	for _, d := range ds {
		ws = append(ws, d.Hash())
	}
	return io.MultiWriter(ws...)
}

// Marshal serializes the internal hash state of every digester so that
// digesting can resume in a later request. The sha256 and sha512
// states implement encoding.BinaryMarshaler.
func (ds Digesters) Marshal() ([]byte, error) {
	states := make(map[digest.Algorithm][]byte, len(ds))
	for algorithm, d := range ds {
		m, ok := d.Hash().(encoding.BinaryMarshaler)
		if !ok {
			return nil, fmt.Errorf("hash state for %s is not marshalable", algorithm)
		}
		state, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("cannot marshal %s hash state: %w", algorithm, err)
		}
		states[algorithm] = state
	}
	return json.Marshal(states)
}

// UnmarshalDigesters restores digesters from state previously produced
// by [Digesters.Marshal]. A nil or empty state yields fresh digesters.
func UnmarshalDigesters(state []byte) (Digesters, error) {
	if len(state) == 0 {
		return NewDigesters(), nil
	}
	var states map[digest.Algorithm][]byte
	if err := json.Unmarshal(state, &states); err != nil {
		return nil, fmt.Errorf("cannot unmarshal digest state: %w", err)
	}
	ds := make(Digesters, len(states))
	for algorithm, s := range states {
		d := algorithm.Digester()
		u, ok := d.Hash().(encoding.BinaryUnmarshaler)
		if !ok {
			return nil, fmt.Errorf("hash state for %s is not unmarshalable", algorithm)
		}
		if err := u.UnmarshalBinary(s); err != nil {
			return nil, fmt.Errorf("cannot restore %s hash state: %w", algorithm, err)
		}
		ds[algorithm] = d
	}
	return ds, nil
}
