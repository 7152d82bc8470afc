package broker

// Op identifies a relay frame.
type Op string

const (
	OpPublish     Op = "publish"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpMessage     Op = "message"
	OpError       Op = "error"
)

// Frame is the unit exchanged between relay clients and the relay server.
// Data is opaque and travels base64-encoded.
type Frame struct {
	Op      Op     `json:"op"`
	Channel string `json:"channel,omitempty"`
	Data    []byte `json:"data,omitempty"`
}
