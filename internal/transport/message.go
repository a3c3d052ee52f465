package transport

import (
	"fmt"

	"netsync/pkg/utils"
)

// FrameType identifies a frame sent over a peer data channel
type FrameType string

const (
	FramePublish   FrameType = "PUBLISH"
	FrameSubscribe FrameType = "SUBSCRIBE"
)

// Frame is the peer-link encoding of a publish or subscribe request
type Frame struct {
	Type    FrameType `json:"type"`
	Topic   string    `json:"topic"`
	Payload []byte    `json:"payload,omitempty"`
	QoS     byte      `json:"qos,omitempty"`
	Retain  bool      `json:"retain,omitempty"`
}

// SerializeFrame converts a Frame to bytes for transmission
func SerializeFrame(f Frame) ([]byte, error) {
	data, err := utils.EncodeJSON(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return data, nil
}

// DeserializeFrame converts bytes back to a Frame
func DeserializeFrame(data []byte) (Frame, error) {
	f, err := utils.DecodeJSON[Frame](data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to deserialize frame: %w", err)
	}
	if f.Topic == "" {
		return Frame{}, fmt.Errorf("frame without topic")
	}
	return f, nil
}

// Message converts a publish frame into an inbound message.
func (f Frame) Message() Message {
	return Message{
		Topic:    f.Topic,
		Payload:  f.Payload,
		QoS:      f.QoS,
		Retained: f.Retain,
		Total:    len(f.Payload),
	}
}
