package linear

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	payloadFieldDims    protowire.Number = 1
	payloadFieldWeights protowire.Number = 2
)

var errPayload = errors.New("malformed linear payload")

// encodeWeights writes weights as a protobuf message with the feature count
// and a packed repeated double. The last weight is the bias.
func encodeWeights(weights []float64) []byte {
	var packed []byte
	for _, w := range weights {
		packed = protowire.AppendFixed64(packed, math.Float64bits(w))
	}
	var b []byte
	b = protowire.AppendTag(b, payloadFieldDims, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(weights)-1))
	b = protowire.AppendTag(b, payloadFieldWeights, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

func decodeWeights(payload []byte) ([]float64, error) {
	dims := -1
	var weights []float64
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errPayload, protowire.ParseError(n))
		}
		payload = payload[n:]
		switch {
		case num == payloadFieldDims && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errPayload, protowire.ParseError(n))
			}
			dims = int(v)
			payload = payload[n:]
		case num == payloadFieldWeights && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errPayload, protowire.ParseError(n))
			}
			payload = payload[n:]
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return nil, fmt.Errorf("%w: %v", errPayload, protowire.ParseError(m))
				}
				weights = append(weights, math.Float64frombits(bits))
				packed = packed[m:]
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errPayload, protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}
	if dims < 0 || len(weights) != dims+1 {
		return nil, fmt.Errorf("%w: dims=%d weights=%d", errPayload, dims, len(weights))
	}
	return weights, nil
}
