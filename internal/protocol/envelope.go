// Package protocol defines the JSON envelope exchanged between chat clients
// and the relay, along with its codec.
package protocol

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Type identifies the kind of an envelope. It is a closed set; decoding an
// unknown tag fails.
type Type uint8

// Envelope types.
const (
	TypeLogin Type = iota + 1
	TypeLogout
	TypeSystem
	TypeError
	TypePublic
	TypePrivate
)

var typeNames = map[Type]string{
	TypeLogin:   "login",
	TypeLogout:  "logout",
	TypeSystem:  "system",
	TypeError:   "error",
	TypePublic:  "public",
	TypePrivate: "private",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	name, ok := typeNames[t]
	if !ok {
		return nil, errors.Errorf("unknown message type %d", uint8(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	for typ, name := range typeNames {
		if name == string(text) {
			*t = typ
			return nil
		}
	}
	return errors.Errorf("unknown message type %q", text)
}

// Identity is the claimed identity of a connected user. ID is the unique key;
// Name is a free-form display string.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UnmarshalJSON requires both fields to be present.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   *string `json:"id"`
		Name *string `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == nil {
		return errors.New(`identity is missing "id"`)
	}
	if raw.Name == nil {
		return errors.New(`identity is missing "name"`)
	}
	i.ID, i.Name = *raw.ID, *raw.Name
	return nil
}

// Envelope is the single wire message structure.
//
// Target is overloaded by direction: on an inbound private envelope it names
// the recipient, on every outbound public, private, login or logout envelope
// it is the sender or the subject of the event. Roster is only populated on
// login and logout broadcasts.
type Envelope struct {
	Type    Type       `json:"type"`
	Message string     `json:"msg"`
	Target  *Identity  `json:"target"`
	Roster  []Identity `json:"list"`
}

// New builds an envelope about target.
func New(t Type, target Identity, msg string) Envelope {
	return Envelope{Type: t, Message: msg, Target: &target}
}

// NewError builds an error envelope carrying msg.
func NewError(msg string) Envelope {
	return Envelope{Type: TypeError, Message: msg}
}

// DecodeError reports an inbound frame that is not a valid envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "protocol: " + e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }

// Cause returns the underlying cause for github.com/pkg/errors.Cause.
func (e *DecodeError) Cause() error { return e.Err }

// Decode parses one frame. Missing or null "type" and "msg" fields, an
// unknown type, or a malformed target or list fail the whole decode.
func Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type    *Type       `json:"type"`
		Message *string     `json:"msg"`
		Target  *Identity   `json:"target"`
		Roster  *[]Identity `json:"list"`
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, &DecodeError{Err: errors.Wrap(err, "malformed envelope")}
	}
	if _, err := dec.Token(); err != io.EOF {
		return Envelope{}, &DecodeError{Err: errors.New("trailing data after envelope")}
	}

	switch {
	case raw.Type == nil:
		return Envelope{}, &DecodeError{Err: errors.New(`missing "type" field`)}
	case raw.Message == nil:
		return Envelope{}, &DecodeError{Err: errors.New(`missing "msg" field`)}
	}

	env := Envelope{
		Type:    *raw.Type,
		Message: *raw.Message,
		Target:  raw.Target,
	}
	if raw.Roster != nil {
		env.Roster = *raw.Roster
	}
	return env, nil
}

// Encode serializes env.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", env.Type)
	}
	return data, nil
}
