package task

import (
	"encoding/json"
	"fmt"
)

// Codec serializes persisted requests. Version is stored with every row so
// payloads written by an older build can still be decoded after an upgrade.
type Codec[R any] interface {
	Version() int
	Encode(req R) ([]byte, error)
	Decode(version int, payload []byte) (R, error)
}

// JSONCodec encodes R as JSON.
//
// Rows with an older version are passed through Upgrade before decoding.
// Rows with a newer version, or an older one without Upgrade, are rejected.
type JSONCodec[R any] struct {
	Current int
	Upgrade func(from int, payload []byte) ([]byte, error)
}

func (c JSONCodec[R]) Version() int {
	if c.Current <= 0 {
		return 1
	}
	return c.Current
}

func (c JSONCodec[R]) Encode(req R) ([]byte, error) {
	return json.Marshal(req)
}

func (c JSONCodec[R]) Decode(version int, payload []byte) (R, error) {
	var out R
	cur := c.Version()
	if version != cur {
		if version > cur || c.Upgrade == nil {
			return out, &UnknownVersionError{Version: version, Current: cur}
		}
		up, err := c.Upgrade(version, payload)
		if err != nil {
			return out, fmt.Errorf("upgrade payload from v%d: %w", version, err)
		}
		payload = up
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
