package crdt

import (
	"fmt"

	"github.com/victornm/peerprep/internal/codec"
)

// Update is a batch of operations exchanged between replicas.
type Update struct {
	Ops []Op `cbor:"1,keyasint"`
}

func (u Update) Empty() bool { return len(u.Ops) == 0 }

func EncodeUpdate(u Update) ([]byte, error) {
	b, err := codec.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode update: %w", err)
	}
	return b, nil
}

func DecodeUpdate(b []byte) (Update, error) {
	var u Update
	if err := codec.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("crdt: decode update: %w", err)
	}
	return u, nil
}
