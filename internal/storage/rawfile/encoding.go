package rawfile

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/spectra/internal/errors"
	"github.com/xtxerr/spectra/internal/storage/types"
)

// Container wire format (protobuf, proto3 semantics):
//
//	message Container {
//	  ConfigRecord header = 1;
//	  repeated SpectralRecord samples = 2;
//	  uint32 version = 15;
//	}
//	message ConfigRecord {
//	  int64 timestamp_ns = 1; string hardware = 2; Station station = 3;
//	}
//	message Station {
//	  string station_id = 1; string name = 2; repeated Sensor sensors = 3;
//	  Aggregation aggregation = 4; RawCapture raw_capture = 5;
//	}
//	message Sensor {
//	  string id = 1; string hardware = 2; int64 start_hz = 3;
//	  int64 stop_hz = 4; int64 samples_per_scan = 5;
//	}
//	message Aggregation { bool enabled = 1; repeated string granularities = 2; }
//	message RawCapture {
//	  bool enabled = 1; int64 bucket_width_ns = 2; int64 duty_on_ns = 3;
//	  int64 duty_period_ns = 4; int64 retention_ns = 5;
//	}
//	message SpectralRecord {
//	  int64 timestamp_ns = 1; int64 start_hz = 2; int64 stop_hz = 3;
//	  int32 kind = 4; repeated float readings = 5 [packed = true];
//	  string device_id = 6; string location = 7;
//	}

const containerVersion = 1

// Container is the decoded content of one raw scan file.
type Container struct {
	Header  *types.ConfigRecord
	Records []*types.SpectralRecord
}

// Len returns the number of records including the header.
func (c *Container) Len() int {
	n := len(c.Records)
	if c.Header != nil {
		n++
	}
	return n
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64Field(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, uint64(v))
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// appendTimeField omits only the zero time. The Unix epoch is written
// explicitly so presence alone distinguishes it from an unset timestamp.
func appendTimeField(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(t.UnixNano()))
}

func nanosToTime(ns int64, present bool) time.Time {
	if !present {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// encodeContainer serializes a header and records into one message.
func encodeContainer(header *types.ConfigRecord, records []*types.SpectralRecord) []byte {
	buf := make([]byte, 0, 64+len(records)*256)

	if header != nil {
		buf = appendMessageField(buf, 1, encodeConfig(header))
	}
	for _, r := range records {
		buf = appendMessageField(buf, 2, encodeSpectral(r))
	}
	buf = appendVarintField(buf, 15, containerVersion)

	return buf
}

func encodeConfig(c *types.ConfigRecord) []byte {
	var b []byte
	b = appendTimeField(b, 1, c.Timestamp)
	b = appendStringField(b, 2, c.Hardware)
	b = appendMessageField(b, 3, encodeStation(&c.Station))
	return b
}

func encodeStation(s *types.StationConfig) []byte {
	var b []byte
	b = appendStringField(b, 1, s.StationID)
	b = appendStringField(b, 2, s.Name)
	for i := range s.Sensors {
		sensor := &s.Sensors[i]
		var sb []byte
		sb = appendStringField(sb, 1, sensor.ID)
		sb = appendStringField(sb, 2, sensor.Hardware)
		sb = appendInt64Field(sb, 3, sensor.StartFrequencyHz)
		sb = appendInt64Field(sb, 4, sensor.StopFrequencyHz)
		sb = appendInt64Field(sb, 5, int64(sensor.SamplesPerScan))
		b = appendMessageField(b, 3, sb)
	}

	var ab []byte
	ab = appendBoolField(ab, 1, s.Aggregation.Enabled)
	for _, g := range s.Aggregation.Granularities {
		ab = protowire.AppendTag(ab, 2, protowire.BytesType)
		ab = protowire.AppendString(ab, g)
	}
	b = appendMessageField(b, 4, ab)

	rc := s.RawCapture
	var rb []byte
	rb = appendBoolField(rb, 1, rc.Enabled)
	rb = appendInt64Field(rb, 2, int64(rc.BucketWidth))
	rb = appendInt64Field(rb, 3, int64(rc.DutyCycleOn))
	rb = appendInt64Field(rb, 4, int64(rc.DutyCyclePeriod))
	rb = appendInt64Field(rb, 5, int64(rc.Retention))
	b = appendMessageField(b, 5, rb)

	return b
}

func encodeSpectral(r *types.SpectralRecord) []byte {
	b := make([]byte, 0, 48+4*len(r.Readings)+len(r.DeviceID)+len(r.Location))
	b = appendTimeField(b, 1, r.Timestamp)
	b = appendInt64Field(b, 2, r.StartFrequencyHz)
	b = appendInt64Field(b, 3, r.StopFrequencyHz)
	b = appendInt64Field(b, 4, int64(r.ReadingKind))

	if len(r.Readings) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(4*len(r.Readings)))
		for _, v := range r.Readings {
			b = protowire.AppendFixed32(b, math.Float32bits(v))
		}
	}

	b = appendStringField(b, 6, r.DeviceID)
	b = appendStringField(b, 7, r.Location)
	return b
}

// fieldFunc handles one decoded field; data is the remaining input
// positioned after the tag. It returns the number of bytes consumed.
type fieldFunc func(num protowire.Number, typ protowire.Type, data []byte) (int, error)

func walkMessage(data []byte, fn fieldFunc) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return corrupt("tag", protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			// Unknown field: skip.
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return corrupt(fmt.Sprintf("field %d", num), protowire.ParseError(m))
			}
		}
		data = data[m:]
	}
	return nil
}

func corrupt(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", errors.ErrCorruptContainer, what, err)
}

func consumeVarint(typ protowire.Type, data []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, corrupt("varint", fmt.Errorf("wire type %d", typ))
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, corrupt("varint", protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, data []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, corrupt("bytes", fmt.Errorf("wire type %d", typ))
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return 0, corrupt("bytes", protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeInt64(typ protowire.Type, data []byte, dst *int64) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, data, &v)
	*dst = int64(v)
	return n, err
}

func consumeString(typ protowire.Type, data []byte, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, data, &v)
	*dst = string(v)
	return n, err
}

func consumeBool(typ protowire.Type, data []byte, dst *bool) (int, error) {
	var v uint64
	n, err := consumeVarint(typ, data, &v)
	*dst = v != 0
	return n, err
}

// decodeContainer parses a serialized container.
func decodeContainer(data []byte) (*Container, error) {
	c := &Container{}
	var version uint64

	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			var msg []byte
			n, err := consumeBytes(typ, data, &msg)
			if err != nil {
				return 0, err
			}
			cfg, err := decodeConfig(msg)
			if err != nil {
				return 0, err
			}
			c.Header = cfg
			return n, nil
		case 2:
			var msg []byte
			n, err := consumeBytes(typ, data, &msg)
			if err != nil {
				return 0, err
			}
			rec, err := decodeSpectral(msg)
			if err != nil {
				return 0, fmt.Errorf("record %d: %w", len(c.Records), err)
			}
			c.Records = append(c.Records, rec)
			return n, nil
		case 15:
			return consumeVarint(typ, data, &version)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}

	if version > containerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errors.ErrCorruptContainer, version)
	}
	return c, nil
}

func decodeConfig(data []byte) (*types.ConfigRecord, error) {
	c := &types.ConfigRecord{}
	var ts int64
	var hasTS bool

	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			hasTS = true
			return consumeInt64(typ, data, &ts)
		case 2:
			return consumeString(typ, data, &c.Hardware)
		case 3:
			var msg []byte
			n, err := consumeBytes(typ, data, &msg)
			if err != nil {
				return 0, err
			}
			if err := decodeStation(msg, &c.Station); err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	c.Timestamp = nanosToTime(ts, hasTS)
	return c, nil
}

func decodeStation(data []byte, s *types.StationConfig) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		var msg []byte
		switch num {
		case 1:
			return consumeString(typ, data, &s.StationID)
		case 2:
			return consumeString(typ, data, &s.Name)
		case 3:
			n, err := consumeBytes(typ, data, &msg)
			if err != nil {
				return 0, err
			}
			sensor, err := decodeSensor(msg)
			if err != nil {
				return 0, err
			}
			s.Sensors = append(s.Sensors, sensor)
			return n, nil
		case 4:
			n, err := consumeBytes(typ, data, &msg)
			if err != nil {
				return 0, err
			}
			return n, decodeAggregation(msg, &s.Aggregation)
		case 5:
			n, err := consumeBytes(typ, data, &msg)
			if err != nil {
				return 0, err
			}
			return n, decodeRawCapture(msg, &s.RawCapture)
		}
		return 0, nil
	})
}

func decodeSensor(data []byte) (types.SensorConfig, error) {
	var s types.SensorConfig
	var samples int64
	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, data, &s.ID)
		case 2:
			return consumeString(typ, data, &s.Hardware)
		case 3:
			return consumeInt64(typ, data, &s.StartFrequencyHz)
		case 4:
			return consumeInt64(typ, data, &s.StopFrequencyHz)
		case 5:
			return consumeInt64(typ, data, &samples)
		}
		return 0, nil
	})
	s.SamplesPerScan = int(samples)
	return s, err
}

func decodeAggregation(data []byte, a *types.AggregationSettings) error {
	return walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, data, &a.Enabled)
		case 2:
			var g string
			n, err := consumeString(typ, data, &g)
			if err != nil {
				return 0, err
			}
			a.Granularities = append(a.Granularities, g)
			return n, nil
		}
		return 0, nil
	})
}

func decodeRawCapture(data []byte, r *types.RawCaptureSettings) error {
	var width, on, period, retention int64
	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, data, &r.Enabled)
		case 2:
			return consumeInt64(typ, data, &width)
		case 3:
			return consumeInt64(typ, data, &on)
		case 4:
			return consumeInt64(typ, data, &period)
		case 5:
			return consumeInt64(typ, data, &retention)
		}
		return 0, nil
	})
	r.BucketWidth = time.Duration(width)
	r.DutyCycleOn = time.Duration(on)
	r.DutyCyclePeriod = time.Duration(period)
	r.Retention = time.Duration(retention)
	return err
}

func decodeSpectral(data []byte) (*types.SpectralRecord, error) {
	r := &types.SpectralRecord{}
	var ts, kind int64
	var hasTS bool

	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case 1:
			hasTS = true
			return consumeInt64(typ, data, &ts)
		case 2:
			return consumeInt64(typ, data, &r.StartFrequencyHz)
		case 3:
			return consumeInt64(typ, data, &r.StopFrequencyHz)
		case 4:
			return consumeInt64(typ, data, &kind)
		case 5:
			var packed []byte
			n, err := consumeBytes(typ, data, &packed)
			if err != nil {
				return 0, err
			}
			if len(packed)%4 != 0 {
				return 0, corrupt("readings", fmt.Errorf("packed length %d", len(packed)))
			}
			readings := make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return 0, corrupt("readings", protowire.ParseError(m))
				}
				readings = append(readings, math.Float32frombits(v))
				packed = packed[m:]
			}
			r.Readings = append(r.Readings, readings...)
			return n, nil
		case 6:
			return consumeString(typ, data, &r.DeviceID)
		case 7:
			return consumeString(typ, data, &r.Location)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}

	r.Timestamp = nanosToTime(ts, hasTS)
	r.ReadingKind = types.ReadingKind(kind)
	return r, nil
}
