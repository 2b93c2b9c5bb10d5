// Package transform maps Hydrogen's internal Message to and from the wire
// shape each transport format expects, and back. Every mapping is lossless
// for the envelope and required kind-specific fields; extension fields
// round-trip through Message.Details, following the same
// topic-derived-from-content convention MQTT topic builders commonly use
// for deriving transport addressing from message content.
package transform

import (
	"bytes"
	"fmt"
	"strings"

	"hydrogen/internal/message"
)

// Format names the wire shape a message is being mapped to or from.
type Format string

const (
	FormatHTTP  Format = "http"
	FormatMQTT  Format = "mqtt"
	FormatWS    Format = "ws"
	FormatGRPC  Format = "grpc"
	FormatZMQ   Format = "zmq"
	FormatSTDIO Format = "stdio"
	FormatFIFO  Format = "fifo"
)

// ToProtocol renders msg as the raw bytes a transport of the given format
// would put on the wire. For formats that also carry out-of-band addressing
// (MQTT topic, ZMQ first frame) that addressing is returned separately by
// the format-specific helpers below; ToProtocol covers the common JSON body
// case used by HTTP, WS, gRPC, STDIO and FIFO.
func ToProtocol(msg *message.Message, format Format) ([]byte, error) {
	switch format {
	case FormatHTTP, FormatWS, FormatGRPC, FormatFIFO:
		return message.Serialize(msg)
	case FormatSTDIO:
		body, err := message.Serialize(msg)
		if err != nil {
			return nil, err
		}
		return append(body, '\n'), nil
	case FormatMQTT, FormatZMQ:
		return nil, fmt.Errorf("transform: format %s requires ToMQTT/ToZMQ (carries out-of-band addressing)", format)
	default:
		return nil, fmt.Errorf("transform: unknown format %s", format)
	}
}

// ToInternal parses data produced by a transport of the given format back
// into a Message.
func ToInternal(data []byte, format Format) (*message.Message, error) {
	switch format {
	case FormatHTTP, FormatWS, FormatGRPC, FormatFIFO:
		return message.Deserialize(data)
	case FormatSTDIO:
		return message.Deserialize(bytes.TrimRight(data, "\r\n"))
	case FormatMQTT, FormatZMQ:
		return nil, fmt.Errorf("transform: format %s requires FromMQTT/FromZMQ", format)
	default:
		return nil, fmt.Errorf("transform: unknown format %s", format)
	}
}

// TopicPrefix is the configured MQTT topic root (spec.md §6.5 mqtt.topicPrefix).
type TopicPrefix string

// ToMQTT derives the topic (<prefix>/<command or event>) and JSON payload
// for publishing msg, mirroring a PublishDeviceEvent-style topicBuilder
// call.
func ToMQTT(msg *message.Message, prefix TopicPrefix) (topic string, payload []byte, err error) {
	verb := msg.Command
	if verb == "" {
		verb = msg.Event
	}
	if verb == "" {
		verb = string(msg.MessageType)
	}
	topic = fmt.Sprintf("%s/%s", prefix, verb)
	payload, err = message.Serialize(msg)
	return topic, payload, err
}

// FromMQTT reconstructs a Message from an MQTT topic + JSON payload. The
// topic's final path segment is folded back in as Command/Event if the
// payload didn't already carry one (defends against brokers that strip it).
func FromMQTT(topic string, payload []byte) (*message.Message, error) {
	msg, err := message.Deserialize(payload)
	if err != nil {
		return nil, err
	}

	if msg.Command == "" && msg.Event == "" {
		if i := strings.LastIndexByte(topic, '/'); i >= 0 && i+1 < len(topic) {
			verb := topic[i+1:]
			if msg.MessageType == message.TypeEvent {
				msg.Event = verb
			} else {
				msg.Command = verb
			}
		}
	}
	return msg, nil
}

// ToZMQ renders msg as a two-frame ZMQ multipart message: [command, json],
// per spec.md §6.2.
func ToZMQ(msg *message.Message) ([][]byte, error) {
	verb := msg.Command
	if verb == "" {
		verb = msg.Event
	}
	payload, err := message.Serialize(msg)
	if err != nil {
		return nil, err
	}
	return [][]byte{[]byte(verb), payload}, nil
}

// FromZMQ parses a two-frame ZMQ multipart message back into a Message. The
// command frame is authoritative only when the payload lacks one.
func FromZMQ(frames [][]byte) (*message.Message, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("transform: zmq multipart requires 2 frames, got %d", len(frames))
	}
	msg, err := message.Deserialize(frames[1])
	if err != nil {
		return nil, err
	}
	if msg.Command == "" && msg.MessageType == message.TypeCommand {
		msg.Command = string(frames[0])
	}
	return msg, nil
}
