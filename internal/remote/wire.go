// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package remote implements the cross-rank dependency machinery: the wire
// protocol, the per-rendezvous aggregator and its free-list, the command
// queue linking workers to the agent, and the single-threaded agent that
// drives the ACTIVATE / GET / PUT rendezvous.
package remote

import (
	jsoniter "github.com/json-iterator/go"
)

// Control tags. Payload tags start at FirstDataTag and are allocated in
// contiguous blocks of MaxParams.
const (
	TagActivate = 0
	TagGet      = 1

	// FirstDataTag is the first tag usable for payload frames.
	FirstDataTag = 2
)

// MaxParams bounds the number of output parameters of a task class; each
// rendezvous reserves a block of MaxParams payload tags.
const MaxParams = 8

// Activate is the one-frame control message announcing that a producer on
// the sending rank completed and some of its outputs are destined here.
type Activate struct {
	// Class is the registry index of the producer's task class.
	Class int32 `json:"class"`

	// Locals are the producer instance's local values.
	Locals []int32 `json:"locals"`

	// Which is the bitmask of outputs destined for the receiving rank.
	Which uint32 `json:"which"`

	// Deps is the opaque rendezvous key naming the sender's aggregator.
	Deps uint64 `json:"deps"`
}

// Get is the control reply requesting payloads: it echoes the rendezvous
// key and mask and names the base tag the payloads should arrive on.
type Get struct {
	Deps  uint64 `json:"deps"`
	Which uint32 `json:"which"`
	Tag   int32  `json:"tag"`
}

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeActivate marshals an Activate control frame.
func EncodeActivate(msg *Activate) ([]byte, error) {
	return codec.Marshal(msg)
}

// DecodeActivate unmarshals an Activate control frame.
func DecodeActivate(data []byte) (*Activate, error) {
	var msg Activate
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeGet marshals a Get control frame.
func EncodeGet(msg *Get) ([]byte, error) {
	return codec.Marshal(msg)
}

// DecodeGet unmarshals a Get control frame.
func DecodeGet(data []byte) (*Get, error) {
	var msg Get
	if err := codec.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
