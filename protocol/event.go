// Package protocol defines the remote rendering session protocol: event
// tags, the phase state machine, the handshake record and the error codes
// carried in error replies.
package protocol

import "fmt"

// Event is the one-byte tag that starts every message.
type Event uint8

// Client to server events.
const (
	EvHandshake        Event = 0x01
	EvVolumeData       Event = 0x02
	EvVolumePath       Event = 0x03
	EvCameraUpdate     Event = 0x10
	EvRenderRequest    Event = 0x11
	EvMatrix           Event = 0x12
	EvParameterUpdate  Event = 0x20
	EvTransferFunction Event = 0x21
	EvServerInfo       Event = 0x30
	EvResize           Event = 0x40
	EvExit             Event = 0x7F
)

// Server to client events.
const (
	EvAck             Event = 0x81
	EvImageData       Event = 0x82
	EvGeometryData    Event = 0x83
	EvServerInfoReply Event = 0x84
	EvErrorReply      Event = 0x8F
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EvHandshake:
		return "Handshake"
	case EvVolumeData:
		return "VolumeData"
	case EvVolumePath:
		return "VolumePath"
	case EvCameraUpdate:
		return "CameraUpdate"
	case EvRenderRequest:
		return "RenderRequest"
	case EvMatrix:
		return "Matrix"
	case EvParameterUpdate:
		return "ParameterUpdate"
	case EvTransferFunction:
		return "TransferFunction"
	case EvServerInfo:
		return "ServerInfo"
	case EvResize:
		return "Resize"
	case EvExit:
		return "Exit"
	case EvAck:
		return "Ack"
	case EvImageData:
		return "ImageData"
	case EvGeometryData:
		return "GeometryData"
	case EvServerInfoReply:
		return "ServerInfoReply"
	case EvErrorReply:
		return "ErrorReply"
	default:
		return fmt.Sprintf("Event(0x%02X)", uint8(e))
	}
}

// FromServer reports whether e is a server to client event.
func (e Event) FromServer() bool {
	return e&0x80 != 0
}
