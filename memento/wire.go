package memento

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Snapshots travel between processes (and into backups) as canonical CBOR,
// so identical captures encode to identical bytes. Decoding forces
// string-keyed maps so external-reference markers keep their shape.
var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("memento: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("memento: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Marshal serializes a snapshot to CBOR bytes.
func Marshal(snap *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(snap)
}

// Unmarshal deserializes a snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := cborDecMode.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("memento: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
