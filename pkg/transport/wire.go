package transport

import (
	"bytes"
	"encoding/gob"

	"github.com/cuemby/ravel/pkg/types"
)

func encodeMessage(msg types.PeerMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (types.PeerMessage, error) {
	var msg types.PeerMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return types.PeerMessage{}, err
	}
	return msg, nil
}
