package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of the binary checkpoint. Field numbers are stable; readers
// skip fields they do not know.
//
//	Checkpoint      1 epoch  2 accumulators  3 swa  4 optimizer  5 metadata
//	WeightTensor    1 name   2 shape (packed)  3 scale  4 data (packed double)
//	SWAState        1 count  2 models
//	ShadowState     1 name   2 accumulators
//	OptimizerState  1 type   2 step_count  3 momentum  4 state_data
//	OptimizerTensor 1 name   2 shape  3 data  4 state_type
//	Metadata        1 version  2 framework  3 run_id  4 created_at (unix ns)  5 description

// MarshalProto encodes a checkpoint in protobuf wire format.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	if c.Epoch < 0 {
		return nil, fmt.Errorf("negative epoch %d", c.Epoch)
	}
	var b []byte
	b = appendVarintField(b, 1, uint64(c.Epoch))
	for i := range c.Accumulators {
		b = appendMessage(b, 2, appendWeight(nil, &c.Accumulators[i]))
	}
	if c.SWA != nil {
		b = appendMessage(b, 3, appendSWA(nil, c.SWA))
	}
	if c.Optimizer != nil {
		b = appendMessage(b, 4, appendOptimizer(nil, c.Optimizer))
	}
	b = appendMessage(b, 5, appendMetadata(nil, &c.Metadata))
	return b, nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto.
func UnmarshalProto(b []byte, c *Checkpoint) error {
	*c = Checkpoint{}
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			c.Epoch = int(v)
			return n, err
		case 2:
			var w WeightTensor
			n, err := consumeSubmessage(typ, b, func(m []byte) error { return decodeWeight(m, &w) })
			c.Accumulators = append(c.Accumulators, w)
			return n, err
		case 3:
			c.SWA = &SWAState{}
			return consumeSubmessage(typ, b, func(m []byte) error { return decodeSWA(m, c.SWA) })
		case 4:
			c.Optimizer = &OptimizerState{}
			return consumeSubmessage(typ, b, func(m []byte) error { return decodeOptimizer(m, c.Optimizer) })
		case 5:
			return consumeSubmessage(typ, b, func(m []byte) error { return decodeMetadata(m, &c.Metadata) })
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendWeight(b []byte, w *WeightTensor) []byte {
	b = appendStringField(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(w.Scale))
	b = appendPackedDoubles(b, 4, w.Data)
	return b
}

func decodeWeight(b []byte, w *WeightTensor) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &w.Name)
		case 2:
			return consumePackedInts(typ, b, &w.Shape)
		case 3:
			v, n, err := consumeDouble(typ, b)
			w.Scale = v
			return n, err
		case 4:
			return consumePackedDoubles(typ, b, &w.Data)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendSWA(b []byte, s *SWAState) []byte {
	b = appendVarintField(b, 1, uint64(s.Count))
	for i := range s.Models {
		m := &s.Models[i]
		var sb []byte
		sb = appendStringField(sb, 1, m.Name)
		for j := range m.Accumulators {
			sb = appendMessage(sb, 2, appendWeight(nil, &m.Accumulators[j]))
		}
		b = appendMessage(b, 2, sb)
	}
	return b
}

func decodeSWA(b []byte, s *SWAState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			s.Count = int(v)
			return n, err
		case 2:
			var m ShadowState
			n, err := consumeSubmessage(typ, b, func(mb []byte) error {
				return consumeMessage(mb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &m.Name)
					case 2:
						var w WeightTensor
						n, err := consumeSubmessage(typ, b, func(wb []byte) error { return decodeWeight(wb, &w) })
						m.Accumulators = append(m.Accumulators, w)
						return n, err
					}
					return protowire.ConsumeFieldValue(num, typ, b), nil
				})
			})
			s.Models = append(s.Models, m)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendOptimizer(b []byte, o *OptimizerState) []byte {
	b = appendStringField(b, 1, o.Type)
	b = appendVarintField(b, 2, o.StepCount)
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(o.Momentum))
	for i := range o.StateData {
		t := &o.StateData[i]
		var tb []byte
		tb = appendStringField(tb, 1, t.Name)
		tb = appendPackedInts(tb, 2, t.Shape)
		tb = appendPackedDoubles(tb, 3, t.Data)
		tb = appendStringField(tb, 4, t.StateType)
		b = appendMessage(b, 4, tb)
	}
	return b
}

func decodeOptimizer(b []byte, o *OptimizerState) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &o.Type)
		case 2:
			v, n, err := consumeVarint(typ, b)
			o.StepCount = v
			return n, err
		case 3:
			v, n, err := consumeDouble(typ, b)
			o.Momentum = v
			return n, err
		case 4:
			var t OptimizerTensor
			n, err := consumeSubmessage(typ, b, func(tb []byte) error {
				return consumeMessage(tb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &t.Name)
					case 2:
						return consumePackedInts(typ, b, &t.Shape)
					case 3:
						return consumePackedDoubles(typ, b, &t.Data)
					case 4:
						return consumeString(typ, b, &t.StateType)
					}
					return protowire.ConsumeFieldValue(num, typ, b), nil
				})
			})
			o.StateData = append(o.StateData, t)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendMetadata(b []byte, m *Metadata) []byte {
	b = appendStringField(b, 1, m.Version)
	b = appendStringField(b, 2, m.Framework)
	b = appendStringField(b, 3, m.RunID)
	if !m.CreatedAt.IsZero() {
		b = appendVarintField(b, 4, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendStringField(b, 5, m.Description)
	return b
}

func decodeMetadata(b []byte, m *Metadata) error {
	return consumeMessage(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Version)
		case 2:
			return consumeString(typ, b, &m.Framework)
		case 3:
			return consumeString(typ, b, &m.RunID)
		case 4:
			v, n, err := consumeVarint(typ, b)
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
			return n, err
		case 5:
			return consumeString(typ, b, &m.Description)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var pb []byte
	for _, v := range vs {
		pb = protowire.AppendVarint(pb, uint64(v))
	}
	return appendMessage(b, num, pb)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	pb := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		pb = protowire.AppendFixed64(pb, math.Float64bits(v))
	}
	return appendMessage(b, num, pb)
}

// consumeMessage walks the fields of one message. fn returns the number of
// bytes of field value it consumed, or a negative protowire error code.
func consumeMessage(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func wireTypeError(want, got protowire.Type) error {
	return fmt.Errorf("wire type %d, want %d", got, want)
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wireTypeError(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, wireTypeError(protowire.Fixed64Type, typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	return math.Float64frombits(v), n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireTypeError(protowire.BytesType, typ)
	}
	s, n := protowire.ConsumeString(b)
	*dst = s
	return n, nil
}

func consumeSubmessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireTypeError(protowire.BytesType, typ)
	}
	m, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, decode(m)
}

func consumePackedInts(typ protowire.Type, b []byte, dst *[]int) (int, error) {
	return consumeSubmessage(typ, b, func(pb []byte) error {
		for len(pb) > 0 {
			v, n := protowire.ConsumeVarint(pb)
			if n < 0 {
				return protowire.ParseError(n)
			}
			*dst = append(*dst, int(v))
			pb = pb[n:]
		}
		return nil
	})
}

func consumePackedDoubles(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	return consumeSubmessage(typ, b, func(pb []byte) error {
		if len(pb)%8 != 0 {
			return fmt.Errorf("packed double payload of %d bytes", len(pb))
		}
		out := make([]float64, 0, len(pb)/8)
		for len(pb) > 0 {
			v, n := protowire.ConsumeFixed64(pb)
			if n < 0 {
				return protowire.ParseError(n)
			}
			out = append(out, math.Float64frombits(v))
			pb = pb[n:]
		}
		*dst = out
		return nil
	})
}
