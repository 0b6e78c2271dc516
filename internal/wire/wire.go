// Package wire encodes the messages peers exchange.
//
// Every message is an Envelope. Decode checks the raw JSON against an
// embedded JSON Schema before unmarshalling, so malformed input from another
// peer is rejected before it can reach the resolver or the engine.
package wire

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/ofrenda/internal/ir"
)

//go:embed envelope.schema.json
var schemaSource string

const schemaURL = "https://ofrenda.local/wire/envelope.schema.json"

// Kind tags the body an Envelope carries.
type Kind string

const (
	KindOperation Kind = "operation"
	KindCursor    Kind = "cursor"
	KindAction    Kind = "action"
)

// Cursor is a peer's pointer position, shared for presence only.
type Cursor struct {
	PeerID   string      `json:"peerId"`
	Position ir.Position `json:"position"`
}

// Envelope is one message on the wire. Exactly the body named by Kind is set.
type Envelope struct {
	Kind      Kind          `json:"kind"`
	RoomID    string        `json:"roomId,omitempty"`
	Operation *ir.Operation `json:"operation,omitempty"`
	Cursor    *Cursor       `json:"cursor,omitempty"`
	Action    *ir.Action    `json:"action,omitempty"`
}

// OperationEnvelope wraps op for room.
func OperationEnvelope(room string, op ir.Operation) Envelope {
	return Envelope{Kind: KindOperation, RoomID: room, Operation: &op}
}

// CursorEnvelope wraps a cursor update for room.
func CursorEnvelope(room, peerID string, pos ir.Position) Envelope {
	return Envelope{Kind: KindCursor, RoomID: room, Cursor: &Cursor{PeerID: peerID, Position: pos}}
}

// ActionEnvelope wraps a for room.
func ActionEnvelope(room string, a ir.Action) Envelope {
	return Envelope{Kind: KindAction, RoomID: room, Action: &a}
}

// ErrInvalid is wrapped by every error Decode and Encode return for
// malformed envelopes.
var ErrInvalid = errors.New("invalid envelope")

// Error describes why an envelope was rejected.
type Error struct {
	// Stage is "schema", "decode" or "validate".
	Stage  string
	Errors []ir.ValidationError
	Err    error
}

func (e *Error) Error() string {
	switch {
	case len(e.Errors) > 0:
		return fmt.Sprintf("%s: %s: %v", ErrInvalid, e.Stage, errors.Join(validationErrs(e.Errors)...))
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", ErrInvalid, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrInvalid, e.Stage)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalid, e.Err}
	}
	return []error{ErrInvalid}
}

func validationErrs(in []ir.ValidationError) []error {
	out := make([]error, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader([]byte(schemaSource))); err != nil {
		return nil, fmt.Errorf("load envelope schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return s, nil
})

// Encode validates env and returns its JSON form.
func Encode(env Envelope) ([]byte, error) {
	if errs := env.Validate(); len(errs) > 0 {
		return nil, &Error{Stage: "validate", Errors: errs}
	}
	return json.Marshal(env)
}

// Decode parses and validates one envelope.
func Decode(data []byte) (Envelope, error) {
	schema, err := compiled()
	if err != nil {
		return Envelope{}, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Envelope{}, &Error{Stage: "decode", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return Envelope{}, &Error{Stage: "schema", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &Error{Stage: "decode", Err: err}
	}
	if errs := env.Validate(); len(errs) > 0 {
		return Envelope{}, &Error{Stage: "validate", Errors: errs}
	}
	if env.Operation != nil {
		env.Operation.PeerID = ir.NormalizePeerID(env.Operation.PeerID)
	}
	if env.Cursor != nil {
		env.Cursor.PeerID = ir.NormalizePeerID(env.Cursor.PeerID)
	}
	return env, nil
}

// Validate checks that the body matches Kind and that the body itself is
// well formed. It returns every problem found.
func (e Envelope) Validate() []ir.ValidationError {
	var errs []ir.ValidationError

	bodies := 0
	for _, set := range []bool{e.Operation != nil, e.Cursor != nil, e.Action != nil} {
		if set {
			bodies++
		}
	}
	if bodies > 1 {
		errs = append(errs, ir.ValidationError{Field: "kind", Message: "envelope carries more than one body"})
	}

	switch e.Kind {
	case KindOperation:
		if e.Operation == nil {
			return append(errs, ir.ValidationError{Field: "operation", Message: "required for kind operation"})
		}
		for _, v := range e.Operation.Validate() {
			v.Field = "operation." + v.Field
			errs = append(errs, v)
		}
	case KindCursor:
		if e.Cursor == nil {
			return append(errs, ir.ValidationError{Field: "cursor", Message: "required for kind cursor"})
		}
		if e.Cursor.PeerID == "" {
			errs = append(errs, ir.ValidationError{Field: "cursor.peerId", Message: "peer id is required"})
		}
	case KindAction:
		if e.Action == nil {
			return append(errs, ir.ValidationError{Field: "action", Message: "required for kind action"})
		}
		for _, v := range e.Action.Validate() {
			v.Field = "action." + v.Field
			errs = append(errs, v)
		}
	default:
		errs = append(errs, ir.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", e.Kind)})
	}
	return errs
}
