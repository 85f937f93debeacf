package apply

import "encoding/json"

// jsonMarshaler is the default Marshaler: plain JSON round-trip through
// an untyped any, matching cuemby-warren's WarrenFSM.Snapshot/Restore
// pair which does the same for its own cluster state.
type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (jsonMarshaler) Unmarshal(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
