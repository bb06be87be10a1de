package graphlet

import (
	"fmt"

	"github.com/ozanturksever/go-graphlet/link"
)

// componentRecord is a component as it travels in announcements and
// snapshots. The schema arrives either flat or under state.schemaSource.
type componentRecord struct {
	Name   string          `json:"name"`
	Port   int             `json:"port,omitempty"`
	Schema string          `json:"schema,omitempty"`
	State  *componentState `json:"state,omitempty"`
}

type componentState struct {
	SchemaSource string `json:"schemaSource"`
}

func (r componentRecord) component() Component {
	schema := r.Schema
	if r.State != nil && r.State.SchemaSource != "" {
		schema = r.State.SchemaSource
	}
	return Component{Name: r.Name, Port: r.Port, Schema: schema}
}

func snapshotRecord(c Component) componentRecord {
	return componentRecord{
		Name:  c.Name,
		Port:  c.Port,
		State: &componentState{SchemaSource: c.Schema},
	}
}

func announcementRecord(c Component) componentRecord {
	return componentRecord{Name: c.Name, Port: c.Port, Schema: c.Schema}
}

func decodeComponent(msg *link.Message) (Component, error) {
	var rec componentRecord
	if err := msg.DecodePayload(&rec); err != nil {
		return Component{}, fmt.Errorf("decode component: %w", err)
	}
	if rec.Name == "" {
		return Component{}, fmt.Errorf("component without a name")
	}
	return rec.component(), nil
}

// decodeSnapshot keeps the order of the records.
func decodeSnapshot(msg *link.Message) ([]Component, error) {
	var recs []componentRecord
	if err := msg.DecodePayload(&recs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	comps := make([]Component, 0, len(recs))
	for i, rec := range recs {
		if rec.Name == "" {
			return nil, fmt.Errorf("snapshot record %d has no name", i)
		}
		comps = append(comps, rec.component())
	}
	return comps, nil
}

func encodeSnapshot(comps []Component) []componentRecord {
	recs := make([]componentRecord, 0, len(comps))
	for _, c := range comps {
		recs = append(recs, snapshotRecord(c))
	}
	return recs
}
