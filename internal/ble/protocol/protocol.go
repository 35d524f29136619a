// Package protocol implements the Thingy:52 environment sensor notification
// formats: the four sensor channels, their well-known characteristic value
// handles, and the binary payload decoders.
package protocol

import "fmt"

// Channel selects one of the Thingy:52 environment sensors. The channel is
// fixed at session start and maps to exactly one characteristic value handle
// and one decode routine.
type Channel uint8

const (
	Temperature Channel = iota
	Pressure
	Humidity
	Gas
)

// channelHandles maps each sensor channel to its characteristic value handle
// on the Thingy:52 attribute table. Retargeting to a different peripheral
// model is a one-table change.
var channelHandles = map[Channel]uint16{
	Temperature: 0x001F,
	Pressure:    0x0022,
	Humidity:    0x0025,
	Gas:         0x0028,
}

// minPayloadLen is the minimum notification payload length per channel.
// Buffers shorter than this are malformed; excess bytes are ignored.
var minPayloadLen = map[Channel]int{
	Temperature: 2,
	Pressure:    5,
	Humidity:    1,
	Gas:         4,
}

// ParseChannel parses a sensor name as given on the command line or in the
// config file.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "temperature":
		return Temperature, nil
	case "pressure":
		return Pressure, nil
	case "humidity":
		return Humidity, nil
	case "gas":
		return Gas, nil
	}
	return 0, fmt.Errorf("protocol: unknown sensor channel %q", s)
}

func (c Channel) String() string {
	switch c {
	case Temperature:
		return "temperature"
	case Pressure:
		return "pressure"
	case Humidity:
		return "humidity"
	case Gas:
		return "gas"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// Label is the short name used in console reading lines.
func (c Channel) Label() string {
	switch c {
	case Temperature:
		return "Temp"
	case Pressure:
		return "Pressure"
	case Humidity:
		return "Humidity"
	case Gas:
		return "Gas"
	}
	return c.String()
}

// Handle returns the characteristic value handle for the channel.
func (c Channel) Handle() uint16 {
	return channelHandles[c]
}

// ChannelForHandle returns the channel bound to a characteristic value
// handle, if any.
func ChannelForHandle(handle uint16) (Channel, bool) {
	for ch, h := range channelHandles {
		if h == handle {
			return ch, true
		}
	}
	return 0, false
}
