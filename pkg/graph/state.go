// Package graph implements the checkpointed workflow runtime: named
// nodes over a reduced state, static and conditional edges, parallel
// fan-out via dispatch messages, and per-super-step checkpointing.
package graph

import (
	"fmt"
	"reflect"
)

// State is the graph state: a mapping from channel name to value.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Replace wraps an update value to force a reset on channels whose
// reducer would otherwise accumulate.
type Replace struct {
	Value any
}

// Reducer merges a node's update for one channel into the existing
// value.
type Reducer func(existing, update any) (any, error)

// Schema declares the reducer per channel. Channels without an entry
// use LastWrite.
type Schema map[string]Reducer

// Apply merges an update into state according to the schema.
func (schema Schema) Apply(state State, update State) error {
	for channel, value := range update {
		reducer, ok := schema[channel]
		if !ok {
			reducer = LastWrite
		}
		merged, err := reducer(state[channel], value)
		if err != nil {
			return fmt.Errorf("reduce channel %q: %w", channel, err)
		}
		state[channel] = merged
	}
	return nil
}

// LastWrite replaces the existing value with the update.
func LastWrite(existing, update any) (any, error) {
	if r, ok := update.(Replace); ok {
		return r.Value, nil
	}
	return update, nil
}

// Append concatenates the update onto the existing slice. A Replace
// update resets the channel. Typed slices keep their element type when
// both sides agree.
func Append(existing, update any) (any, error) {
	if r, ok := update.(Replace); ok {
		return r.Value, nil
	}
	if update == nil {
		return existing, nil
	}
	if existing == nil {
		return update, nil
	}

	ev := reflect.ValueOf(existing)
	uv := reflect.ValueOf(update)
	if ev.Kind() != reflect.Slice || uv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("append reducer needs slices, got %T and %T", existing, update)
	}
	if ev.Type() == uv.Type() {
		out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+uv.Len())
		out = reflect.AppendSlice(out, ev)
		out = reflect.AppendSlice(out, uv)
		return out.Interface(), nil
	}

	// Mixed element types degrade to []any.
	out := make([]any, 0, ev.Len()+uv.Len())
	for i := 0; i < ev.Len(); i++ {
		out = append(out, ev.Index(i).Interface())
	}
	for i := 0; i < uv.Len(); i++ {
		out = append(out, uv.Index(i).Interface())
	}
	return out, nil
}

// MergeMap merges the update map into the existing map, update keys
// winning. A Replace update resets the channel.
func MergeMap(existing, update any) (any, error) {
	if r, ok := update.(Replace); ok {
		return r.Value, nil
	}
	if update == nil {
		return existing, nil
	}
	if existing == nil {
		return update, nil
	}

	ev := reflect.ValueOf(existing)
	uv := reflect.ValueOf(update)
	if ev.Kind() != reflect.Map || uv.Kind() != reflect.Map {
		return nil, fmt.Errorf("merge reducer needs maps, got %T and %T", existing, update)
	}
	if ev.Type() != uv.Type() {
		return nil, fmt.Errorf("merge reducer needs matching map types, got %T and %T", existing, update)
	}
	out := reflect.MakeMapWithSize(ev.Type(), ev.Len()+uv.Len())
	for _, key := range ev.MapKeys() {
		out.SetMapIndex(key, ev.MapIndex(key))
	}
	for _, key := range uv.MapKeys() {
		out.SetMapIndex(key, uv.MapIndex(key))
	}
	return out.Interface(), nil
}
