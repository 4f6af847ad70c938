package network

import (
	"github.com/pion/webrtc/v4"
)

// ChannelState is the lifecycle state of one data channel.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelClosed     ChannelState = "closed"
	ChannelNone       ChannelState = "none"
)

// ChannelMessage is one inbound frame: a JSON control message when Binary
// is false, a chunk frame otherwise. The distinction comes from the
// transport's native text/binary framing, never from content inspection.
type ChannelMessage struct {
	Binary bool
	Data   []byte
}

// Channel is the engine's view of one ordered reliable message channel.
// Transfers share a channel but never write to it concurrently; the
// transfer layer serializes sends per peer.
type Channel interface {
	Label() string
	State() ChannelState

	SendBinary(data []byte) error
	SendText(data []byte) error

	// BufferedAmount reports bytes queued in the outbound buffer.
	BufferedAmount() uint64
	// SetBufferedAmountLowThreshold arms OnBufferedAmountLow to fire once
	// the outbound buffer drains below the threshold.
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(handler func())

	OnMessage(handler func(ChannelMessage))
	OnClose(handler func())

	Close() error
}

// dataChannel adapts a pion data channel to the Channel interface.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func newDataChannel(dc *webrtc.DataChannel) *dataChannel {
	return &dataChannel{dc: dc}
}

func (c *dataChannel) Label() string { return c.dc.Label() }

func (c *dataChannel) State() ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateConnecting:
		return ChannelConnecting
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	case webrtc.DataChannelStateClosed:
		return ChannelClosed
	default:
		return ChannelNone
	}
}

func (c *dataChannel) SendBinary(data []byte) error { return c.dc.Send(data) }

func (c *dataChannel) SendText(data []byte) error { return c.dc.SendText(string(data)) }

func (c *dataChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *dataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *dataChannel) OnBufferedAmountLow(handler func()) {
	c.dc.OnBufferedAmountLow(handler)
}

func (c *dataChannel) OnMessage(handler func(ChannelMessage)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		handler(ChannelMessage{Binary: !msg.IsString, Data: msg.Data})
	})
}

func (c *dataChannel) OnClose(handler func()) { c.dc.OnClose(handler) }

func (c *dataChannel) Close() error { return c.dc.Close() }
