package protocol

import (
	"encoding/binary"
	"fmt"
)

// Reading is a decoded sensor notification. Readings are immutable and
// produced once per notification.
type Reading interface {
	// Channel reports which sensor produced the reading.
	Channel() Channel
	// String renders the reading the way it appears on the console.
	String() string
}

// TemperatureReading is a temperature sample in degrees Celsius, split into
// integer and fractional components as sent on the wire.
type TemperatureReading struct {
	Integer  uint8
	Fraction uint8
}

func (TemperatureReading) Channel() Channel { return Temperature }

func (r TemperatureReading) String() string {
	return fmt.Sprintf("%d.%d degCelsius", r.Integer, r.Fraction)
}

// PressureReading is an air pressure sample in hectopascal.
type PressureReading struct {
	Integer  uint32
	Fraction uint8
}

func (PressureReading) Channel() Channel { return Pressure }

func (r PressureReading) String() string {
	return fmt.Sprintf("%d.%d hPa", r.Integer, r.Fraction)
}

// HumidityReading is a relative humidity sample.
type HumidityReading struct {
	Percent uint8
}

func (HumidityReading) Channel() Channel { return Humidity }

func (r HumidityReading) String() string {
	return fmt.Sprintf("%d%%", r.Percent)
}

// GasReading is an air quality sample: equivalent CO2 in ppm and total
// volatile organic compounds in ppb.
type GasReading struct {
	ECO2PPM uint16
	TVOCPPB uint16
}

func (GasReading) Channel() Channel { return Gas }

func (r GasReading) String() string {
	return fmt.Sprintf("eCO2 ppm: %d, TVOC ppb: %d", r.ECO2PPM, r.TVOCPPB)
}

// MalformedError reports a notification payload shorter than the minimum
// length for its channel.
type MalformedError struct {
	Channel  Channel
	Expected int
	Actual   int
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("protocol: %s payload too short: need %d bytes, got %d",
		e.Channel, e.Expected, e.Actual)
}

// Decode maps a raw notification payload to a typed reading for the given
// channel. All layouts are little-endian with fixed offsets. A buffer shorter
// than the channel's minimum length yields a MalformedError; excess bytes
// beyond the minimum are ignored so peers may append fields. Values are not
// range-checked; an implausible but well-formed sample passes through.
func Decode(ch Channel, data []byte) (Reading, error) {
	if want := minPayloadLen[ch]; len(data) < want {
		return nil, &MalformedError{Channel: ch, Expected: want, Actual: len(data)}
	}

	switch ch {
	case Temperature:
		return TemperatureReading{Integer: data[0], Fraction: data[1]}, nil
	case Pressure:
		return PressureReading{
			Integer:  binary.LittleEndian.Uint32(data[0:4]),
			Fraction: data[4],
		}, nil
	case Humidity:
		return HumidityReading{Percent: data[0]}, nil
	case Gas:
		return GasReading{
			ECO2PPM: binary.LittleEndian.Uint16(data[0:2]),
			TVOCPPB: binary.LittleEndian.Uint16(data[2:4]),
		}, nil
	}
	return nil, fmt.Errorf("protocol: no decoder for %s", ch)
}
