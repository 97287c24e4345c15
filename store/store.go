// Package store implements tracker.Gateway on top of SQL databases and memory.
package store

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/onnwee/trackerbot/tracker"
)

func encode(rec tracker.Record) ([]byte, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", rec.Kind, rec.Name, err)
	}
	return doc, nil
}

func decode(doc []byte) (tracker.Record, error) {
	var rec tracker.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return tracker.Record{}, err
	}
	return rec, nil
}

func clone(rec tracker.Record) tracker.Record {
	out := rec
	out.Channels = maps.Clone(rec.Channels)
	out.Bindings = maps.Clone(rec.Bindings)
	if rec.State != nil {
		out.State = append(json.RawMessage(nil), rec.State...)
	}
	return out
}
