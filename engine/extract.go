package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	iface "OnnxAnomalyServer/interface"
)

// nativeOutput is the JSON document a native runtime writes to stdout. The
// anomaly map may sit in any of the three places, checked in strategy order.
type nativeOutput struct {
	AnomalyMap  json.RawMessage              `json:"anomaly_map"`
	Outputs     map[string]json.RawMessage   `json:"outputs"`
	Predictions []map[string]json.RawMessage `json:"predictions"`
}

type strategy struct {
	name string
	find func(nativeOutput) json.RawMessage
}

var strategies = []strategy{
	{"attribute", func(o nativeOutput) json.RawMessage { return o.AnomalyMap }},
	{"mapping", func(o nativeOutput) json.RawMessage { return o.Outputs["anomaly_map"] }},
	{"predictions", func(o nativeOutput) json.RawMessage {
		if len(o.Predictions) == 0 {
			return nil
		}
		return o.Predictions[0]["anomaly_map"]
	}},
}

// extractAnomalyMap decodes a native runtime response and returns the first
// anomaly map found, with the name of the strategy that matched.
func extractAnomalyMap(payload []byte) (iface.Tensor, string, error) {
	var out nativeOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return iface.Tensor{}, "", fmt.Errorf("decode native output: %w", err)
	}
	for _, s := range strategies {
		raw := s.find(out)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		t, err := parseTensor(raw)
		if err != nil {
			return iface.Tensor{}, s.name, fmt.Errorf("%s anomaly_map: %w", s.name, err)
		}
		return t, s.name, nil
	}
	return iface.Tensor{}, "", iface.ErrNoAnomalyMap
}

// parseTensor accepts {"shape":[...],"data":[...]}, nested arrays or a bare number.
func parseTensor(raw json.RawMessage) (iface.Tensor, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var flat struct {
			Shape []int     `json:"shape"`
			Data  []float32 `json:"data"`
		}
		if err := json.Unmarshal(raw, &flat); err != nil {
			return iface.Tensor{}, err
		}
		t := iface.Tensor{Shape: flat.Shape, Data: flat.Data}
		if t.Size() != len(t.Data) {
			return iface.Tensor{}, fmt.Errorf("shape %v does not match %d values", flat.Shape, len(flat.Data))
		}
		return t, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return iface.Tensor{}, err
	}
	var t iface.Tensor
	if err := flatten(v, 0, &t); err != nil {
		return iface.Tensor{}, err
	}
	return t, nil
}

var errRagged = errors.New("ragged nested array")

func flatten(v any, depth int, t *iface.Tensor) error {
	switch x := v.(type) {
	case float64:
		if depth != len(t.Shape) {
			return errRagged
		}
		t.Data = append(t.Data, float32(x))
		return nil
	case []any:
		if depth == len(t.Shape) {
			if len(t.Data) > 0 {
				return errRagged
			}
			t.Shape = append(t.Shape, len(x))
		} else if depth > len(t.Shape) || t.Shape[depth] != len(x) {
			return errRagged
		}
		for _, e := range x {
			if err := flatten(e, depth+1, t); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unexpected %T in anomaly_map", v)
}
