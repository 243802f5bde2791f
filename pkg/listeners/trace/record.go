package trace

import (
	"fmt"
	"time"
)

// Record is one traced event. Fields irrelevant to the kind are left zero.
type Record struct {
	Seq     uint64   `json:"seq" cbor:"1,keyasint"`
	Time    int64    `json:"time" cbor:"2,keyasint"`
	Kind    string   `json:"kind" cbor:"3,keyasint"`
	Thread  int64    `json:"thread" cbor:"4,keyasint"`
	Timer   uint64   `json:"timer,omitempty" cbor:"5,keyasint,omitempty"`
	Region  string   `json:"region,omitempty" cbor:"6,keyasint,omitempty"`
	Elapsed int64    `json:"elapsed_ns,omitempty" cbor:"7,keyasint,omitempty"`
	Name    string   `json:"name,omitempty" cbor:"8,keyasint,omitempty"`
	Value   float64  `json:"value,omitempty" cbor:"9,keyasint,omitempty"`
	Counter bool     `json:"counter,omitempty" cbor:"10,keyasint,omitempty"`
	Node    int      `json:"node,omitempty" cbor:"11,keyasint,omitempty"`
	Args    []string `json:"args,omitempty" cbor:"12,keyasint,omitempty"`
	Task    string   `json:"task,omitempty" cbor:"13,keyasint,omitempty"`
	Payload string   `json:"payload,omitempty" cbor:"14,keyasint,omitempty"`
	// NonFinite holds a NaN or infinite sample value, in place of Value.
	NonFinite string `json:"non_finite,omitempty" cbor:"15,keyasint,omitempty"`
}

// At returns Time as a time.Time.
func (x *Record) At() time.Time { return time.Unix(0, x.Time) }

func (x *Record) String() string {
	s := fmt.Sprintf("%d %s thread=%d %s", x.Seq, x.At().Format(time.RFC3339Nano), x.Thread, x.Kind)
	if x.Timer != 0 {
		s += fmt.Sprintf(" timer=%d", x.Timer)
	}
	if x.Region != "" {
		s += fmt.Sprintf(" region=%q", x.Region)
	}
	if x.Elapsed != 0 {
		s += fmt.Sprintf(" elapsed=%s", time.Duration(x.Elapsed))
	}
	if x.Name != "" {
		s += fmt.Sprintf(" name=%q", x.Name)
	}
	if x.NonFinite != "" {
		s += fmt.Sprintf(" value=%s counter=%t", x.NonFinite, x.Counter)
	} else if x.Value != 0 || x.Counter {
		s += fmt.Sprintf(" value=%g counter=%t", x.Value, x.Counter)
	}
	if x.Node != 0 {
		s += fmt.Sprintf(" node=%d", x.Node)
	}
	if len(x.Args) != 0 {
		s += fmt.Sprintf(" args=%q", x.Args)
	}
	if x.Task != "" {
		s += fmt.Sprintf(" task=%s", x.Task)
	}
	if x.Payload != "" {
		s += fmt.Sprintf(" payload=%q", x.Payload)
	}
	return s
}

// GroupByThread groups records by thread, preserving order within each
// group.
func GroupByThread(records []Record) map[int64][]Record {
	grouped := make(map[int64][]Record)
	for _, r := range records {
		grouped[r.Thread] = append(grouped[r.Thread], r)
	}
	return grouped
}
