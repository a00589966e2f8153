package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/opgroeien/flowd/pkg/models"
)

// The codec serializes graph state values with explicit type tags so
// domain types survive a round trip through the store instead of
// collapsing into generic maps.
//
// Encoded form: {"tag": <variant>, "value": <payload>}.

const (
	tagNull          = "null"
	tagBool          = "bool"
	tagNumber        = "num"
	tagString        = "str"
	tagList          = "list"
	tagMap           = "map"
	tagMessage       = "message"
	tagCluster       = "cluster"
	tagProcedure     = "procedure"
	tagClusterState  = "cluster_state"
	tagStringList    = "str_list"
	tagStringListMap = "str_list_map"
)

type tagged struct {
	Tag   string          `json:"tag"`
	Value json.RawMessage `json:"value,omitempty"`
}

// EncodeValues serializes a full state mapping.
func EncodeValues(values map[string]any) ([]byte, error) {
	encoded := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		raw, err := encodeValue(value)
		if err != nil {
			return nil, fmt.Errorf("encode state key %q: %w", key, err)
		}
		encoded[key] = raw
	}
	return json.Marshal(encoded)
}

// DecodeValues reverses EncodeValues.
func DecodeValues(data []byte) (map[string]any, error) {
	var encoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	values := make(map[string]any, len(encoded))
	for key, raw := range encoded {
		value, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode state key %q: %w", key, err)
		}
		values[key] = value
	}
	return values, nil
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return marshalTagged(tagNull, nil)
	case bool:
		return marshalTagged(tagBool, v)
	case int:
		return marshalTagged(tagNumber, float64(v))
	case int64:
		return marshalTagged(tagNumber, float64(v))
	case float64:
		return marshalTagged(tagNumber, v)
	case string:
		return marshalTagged(tagString, v)
	case models.Message:
		return marshalTagged(tagMessage, v)
	case models.Cluster:
		return marshalTagged(tagCluster, v)
	case models.Procedure:
		return marshalTagged(tagProcedure, v)
	case models.ClusterState:
		return marshalTagged(tagClusterState, v)
	case []string:
		return marshalTagged(tagStringList, v)
	case map[string][]string:
		return marshalTagged(tagStringListMap, v)
	case []models.Message:
		return encodeList(messagesToAny(v))
	case []models.Cluster:
		return encodeList(clustersToAny(v))
	case []models.Procedure:
		return encodeList(proceduresToAny(v))
	case []any:
		return encodeList(v)
	case map[string]models.ClusterState:
		anyMap := make(map[string]any, len(v))
		for k, s := range v {
			anyMap[k] = s
		}
		return encodeMap(anyMap)
	case map[string]any:
		return encodeMap(v)
	default:
		return nil, fmt.Errorf("unsupported state value type %T", value)
	}
}

func messagesToAny(v []models.Message) []any {
	out := make([]any, len(v))
	for i, m := range v {
		out[i] = m
	}
	return out
}

func clustersToAny(v []models.Cluster) []any {
	out := make([]any, len(v))
	for i, c := range v {
		out[i] = c
	}
	return out
}

func proceduresToAny(v []models.Procedure) []any {
	out := make([]any, len(v))
	for i, p := range v {
		out[i] = p
	}
	return out
}

func encodeList(items []any) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, len(items))
	for i, item := range items {
		raw, err := encodeValue(item)
		if err != nil {
			return nil, err
		}
		encoded[i] = raw
	}
	return marshalTagged(tagList, encoded)
}

func encodeMap(m map[string]any) (json.RawMessage, error) {
	encoded := make(map[string]json.RawMessage, len(m))
	for k, item := range m {
		raw, err := encodeValue(item)
		if err != nil {
			return nil, err
		}
		encoded[k] = raw
	}
	return marshalTagged(tagMap, encoded)
}

func marshalTagged(tag string, value any) (json.RawMessage, error) {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(tagged{Tag: tag, Value: raw})
}

func decodeValue(raw json.RawMessage) (any, error) {
	var t tagged
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	switch t.Tag {
	case tagNull:
		return nil, nil
	case tagBool:
		var v bool
		return v, json.Unmarshal(t.Value, &v)
	case tagNumber:
		var v float64
		return v, json.Unmarshal(t.Value, &v)
	case tagString:
		var v string
		return v, json.Unmarshal(t.Value, &v)
	case tagMessage:
		var v models.Message
		return v, json.Unmarshal(t.Value, &v)
	case tagCluster:
		var v models.Cluster
		return v, json.Unmarshal(t.Value, &v)
	case tagProcedure:
		var v models.Procedure
		return v, json.Unmarshal(t.Value, &v)
	case tagClusterState:
		var v models.ClusterState
		return v, json.Unmarshal(t.Value, &v)
	case tagStringList:
		var v []string
		return v, json.Unmarshal(t.Value, &v)
	case tagStringListMap:
		var v map[string][]string
		return v, json.Unmarshal(t.Value, &v)
	case tagList:
		return decodeList(t.Value)
	case tagMap:
		return decodeMap(t.Value)
	default:
		return nil, fmt.Errorf("unknown state value tag %q", t.Tag)
	}
}

// decodeList specializes homogeneous lists of domain types back into
// their typed slice forms so reducers see the types nodes wrote.
func decodeList(raw json.RawMessage) (any, error) {
	var encoded []json.RawMessage
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	items := make([]any, len(encoded))
	tags := make(map[string]bool)
	for i, itemRaw := range encoded {
		var t tagged
		if err := json.Unmarshal(itemRaw, &t); err != nil {
			return nil, err
		}
		tags[t.Tag] = true
		item, err := decodeValue(itemRaw)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}

	if len(items) > 0 && len(tags) == 1 {
		switch {
		case tags[tagMessage]:
			out := make([]models.Message, len(items))
			for i, item := range items {
				out[i] = item.(models.Message)
			}
			return out, nil
		case tags[tagCluster]:
			out := make([]models.Cluster, len(items))
			for i, item := range items {
				out[i] = item.(models.Cluster)
			}
			return out, nil
		case tags[tagProcedure]:
			out := make([]models.Procedure, len(items))
			for i, item := range items {
				out[i] = item.(models.Procedure)
			}
			return out, nil
		}
	}
	return items, nil
}

func decodeMap(raw json.RawMessage) (any, error) {
	var encoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(encoded))
	allClusterState := len(encoded) > 0
	for k, itemRaw := range encoded {
		var t tagged
		if err := json.Unmarshal(itemRaw, &t); err != nil {
			return nil, err
		}
		if t.Tag != tagClusterState {
			allClusterState = false
		}
		item, err := decodeValue(itemRaw)
		if err != nil {
			return nil, err
		}
		out[k] = item
	}
	if allClusterState {
		typed := make(map[string]models.ClusterState, len(out))
		for k, item := range out {
			typed[k] = item.(models.ClusterState)
		}
		return typed, nil
	}
	return out, nil
}
