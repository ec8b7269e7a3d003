// Package transport connects the radio to the world outside the mesh.
//
// Packets the radio decodes are delivered to a Fanout, which hands each one
// to every registered Listener (gateways, sniffers, loggers) and then returns
// it to the pool. Transports that also carry traffic back into the mesh
// report those packets through a PacketHandler.
package transport

import (
	"context"

	"github.com/kabili207/meshradio-go/core/codec"
)

// Listener observes packets heard by the radio. A listener must not retain
// pkt after OnPacket returns; use pkt.Clone to keep a copy.
type Listener interface {
	OnPacket(pkt *codec.MeshPacket)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(pkt *codec.MeshPacket)

// OnPacket calls f(pkt).
func (f ListenerFunc) OnPacket(pkt *codec.MeshPacket) { f(pkt) }

// Transport is a bridge to another network. It observes received packets as
// a Listener (uplink) and reports packets to transmit through its
// PacketHandler (downlink).
type Transport interface {
	Listener
	// Start begins the transport's connection and message handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetPacketHandler sets the callback for packets to send into the mesh.
	SetPacketHandler(fn PacketHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
}

// PacketHandler is called with a packet a transport wants transmitted. The
// handler takes ownership of pkt.
type PacketHandler func(pkt *codec.MeshPacket, source PacketSource)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// PacketSource indicates where a packet originated from.
type PacketSource int

const (
	// PacketSourceRadio indicates the packet was heard over LoRa.
	PacketSourceRadio PacketSource = iota
	// PacketSourceMQTT indicates the packet came from an MQTT downlink.
	PacketSourceMQTT
	// PacketSourceSerial indicates the packet came from a serial host link.
	PacketSourceSerial
)

func (s PacketSource) String() string {
	switch s {
	case PacketSourceRadio:
		return "radio"
	case PacketSourceMQTT:
		return "mqtt"
	case PacketSourceSerial:
		return "serial"
	default:
		return "unknown"
	}
}
