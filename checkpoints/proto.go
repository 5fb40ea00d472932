package checkpoints

import (
	"encoding/json"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/encoding/protowire"
)

// Protobuf wire layout of a checkpoint record.
//
//	Checkpoint:      1 iter, 2 epoch, 3 history (repeated entry), 4 net,
//	                 5 net_ema, 6 optimizer, 7 args, 8 metadata
//	HistoryEntry:    1 key, 2 value
//	Tensor:          1 name, 2 shape (packed), 3 data (packed), 4 state_type
//	OptimizerState:  1 type, 2 parameters (repeated entry), 3 step_count,
//	                 4 state_data
//	Metadata:        1 version, 2 framework, 3 created_at (unix nanos),
//	                 4 description, 5 run_id, 6 tags
const (
	fieldIter      protowire.Number = 1
	fieldEpoch     protowire.Number = 2
	fieldHistory   protowire.Number = 3
	fieldNet       protowire.Number = 4
	fieldNetEMA    protowire.Number = 5
	fieldOptimizer protowire.Number = 6
	fieldArgs      protowire.Number = 7
	fieldMetadata  protowire.Number = 8

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2

	fieldTensorName      protowire.Number = 1
	fieldTensorShape     protowire.Number = 2
	fieldTensorData      protowire.Number = 3
	fieldTensorStateType protowire.Number = 4

	fieldOptType       protowire.Number = 1
	fieldOptParameters protowire.Number = 2
	fieldOptStepCount  protowire.Number = 3
	fieldOptStateData  protowire.Number = 4

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaCreatedAt   protowire.Number = 3
	fieldMetaDescription protowire.Number = 4
	fieldMetaRunID       protowire.Number = 5
	fieldMetaTags        protowire.Number = 6
)

func encodeProto(w io.Writer, checkpoint *Checkpoint) error {
	_, err := w.Write(marshalCheckpoint(checkpoint))
	return err
}

func decodeProto(r io.Reader) (*Checkpoint, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return unmarshalCheckpoint(b)
}

func marshalCheckpoint(cp *Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIter, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(cp.Iteration)))
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(cp.Epoch)))

	b = appendEntries(b, fieldHistory, cp.History)

	for _, wt := range cp.ModelStates.Net {
		b = protowire.AppendTag(b, fieldNet, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(wt.Name, wt.Shape, wt.Data, ""))
	}
	for _, wt := range cp.ModelStates.NetEMA {
		b = protowire.AppendTag(b, fieldNetEMA, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(wt.Name, wt.Shape, wt.Data, ""))
	}

	if cp.OptimizerState != nil {
		b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOptimizer(cp.OptimizerState))
	}
	if len(cp.Args) > 0 {
		b = protowire.AppendTag(b, fieldArgs, protowire.BytesType)
		b = protowire.AppendBytes(b, cp.Args)
	}

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(&cp.Metadata))
	return b
}

// appendEntries writes a string->double map as repeated entries in key
// order so that equal maps encode to equal bytes.
func appendEntries(b []byte, num protowire.Number, m map[string]float64) []byte {
	keys := maps.Keys(m)
	sort.Strings(keys)
	for _, k := range keys {
		var e []byte
		e = protowire.AppendTag(e, fieldEntryKey, protowire.BytesType)
		e = protowire.AppendString(e, k)
		e = protowire.AppendTag(e, fieldEntryValue, protowire.Fixed64Type)
		e = protowire.AppendFixed64(e, math.Float64bits(m[k]))
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func marshalTensor(name string, shape []int, data []float64, stateType string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 8*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if stateType != "" {
		b = protowire.AppendTag(b, fieldTensorStateType, protowire.BytesType)
		b = protowire.AppendString(b, stateType)
	}
	return b
}

func marshalOptimizer(st *OptimizerState) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOptType, protowire.BytesType)
	b = protowire.AppendString(b, st.Type)
	b = appendEntries(b, fieldOptParameters, st.Parameters)
	b = protowire.AppendTag(b, fieldOptStepCount, protowire.VarintType)
	b = protowire.AppendVarint(b, st.StepCount)
	for _, ot := range st.StateData {
		b = protowire.AppendTag(b, fieldOptStateData, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(ot.Name, ot.Shape, ot.Data, ot.StateType))
	}
	return b
}

func marshalMetadata(md *CheckpointMetadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaVersion, protowire.BytesType)
	b = protowire.AppendString(b, md.Version)
	b = protowire.AppendTag(b, fieldMetaFramework, protowire.BytesType)
	b = protowire.AppendString(b, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldMetaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(md.CreatedAt.UnixNano()))
	}
	if md.Description != "" {
		b = protowire.AppendTag(b, fieldMetaDescription, protowire.BytesType)
		b = protowire.AppendString(b, md.Description)
	}
	if md.RunID != "" {
		b = protowire.AppendTag(b, fieldMetaRunID, protowire.BytesType)
		b = protowire.AppendString(b, md.RunID)
	}
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, fieldMetaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// walkFields calls fn for every field in b. fn returns the number of bytes
// it consumed for the value, or zero to have the value skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if used == 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return protowire.ParseError(used)
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("wire type %d, expected bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("wire type %d, expected varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{History: map[string]float64{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldIter, fieldEpoch:
			x, n, err := consumeVarint(typ, v)
			if err != nil {
				return 0, err
			}
			if num == fieldIter {
				cp.Iteration = int(protowire.DecodeZigZag(x))
			} else {
				cp.Epoch = int(protowire.DecodeZigZag(x))
			}
			return n, nil
		case fieldHistory:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			return n, unmarshalEntry(msg, cp.History)
		case fieldNet, fieldNetEMA:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			ot, err := unmarshalTensor(msg)
			if err != nil {
				return 0, err
			}
			wt := WeightTensor{Name: ot.Name, Shape: ot.Shape, Data: ot.Data}
			if num == fieldNet {
				cp.ModelStates.Net = append(cp.ModelStates.Net, wt)
			} else {
				cp.ModelStates.NetEMA = append(cp.ModelStates.NetEMA, wt)
			}
			return n, nil
		case fieldOptimizer:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			st, err := unmarshalOptimizer(msg)
			if err != nil {
				return 0, err
			}
			cp.OptimizerState = st
			return n, nil
		case fieldArgs:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			cp.Args = append(json.RawMessage(nil), msg...)
			return n, nil
		case fieldMetadata:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			return n, unmarshalMetadata(msg, &cp.Metadata)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func unmarshalEntry(b []byte, into map[string]float64) error {
	var key string
	var value float64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldEntryKey:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			key = string(s)
			return n, nil
		case fieldEntryValue:
			if typ != protowire.Fixed64Type {
				return 0, errors.Errorf("wire type %d, expected fixed64", typ)
			}
			x, n := protowire.ConsumeFixed64(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			value = math.Float64frombits(x)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	into[key] = value
	return nil
}

func unmarshalTensor(b []byte) (OptimizerTensor, error) {
	var ot OptimizerTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldTensorName, fieldTensorStateType:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			if num == fieldTensorName {
				ot.Name = string(s)
			} else {
				ot.StateType = string(s)
			}
			return n, nil
		case fieldTensorShape:
			packed, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				ot.Shape = append(ot.Shape, int(d))
				packed = packed[m:]
			}
			return n, nil
		case fieldTensorData:
			packed, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			if len(packed)%8 != 0 {
				return 0, errors.Errorf("packed data length %d is not a multiple of 8", len(packed))
			}
			ot.Data = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				x, m := protowire.ConsumeFixed64(packed)
				if m < 0 {
					return 0, protowire.ParseError(m)
				}
				ot.Data = append(ot.Data, math.Float64frombits(x))
				packed = packed[m:]
			}
			return n, nil
		}
		return 0, nil
	})
	return ot, err
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldOptType:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			st.Type = string(s)
			return n, nil
		case fieldOptParameters:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			return n, unmarshalEntry(msg, st.Parameters)
		case fieldOptStepCount:
			x, n, err := consumeVarint(typ, v)
			if err != nil {
				return 0, err
			}
			st.StepCount = x
			return n, nil
		case fieldOptStateData:
			msg, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			ot, err := unmarshalTensor(msg)
			if err != nil {
				return 0, err
			}
			st.StateData = append(st.StateData, ot)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func unmarshalMetadata(b []byte, md *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldMetaCreatedAt:
			x, n, err := consumeVarint(typ, v)
			if err != nil {
				return 0, err
			}
			md.CreatedAt = time.Unix(0, int64(x))
			return n, nil
		case fieldMetaVersion, fieldMetaFramework, fieldMetaDescription, fieldMetaRunID, fieldMetaTags:
			s, n, err := consumeBytes(typ, v)
			if err != nil {
				return 0, err
			}
			switch num {
			case fieldMetaVersion:
				md.Version = string(s)
			case fieldMetaFramework:
				md.Framework = string(s)
			case fieldMetaDescription:
				md.Description = string(s)
			case fieldMetaRunID:
				md.RunID = string(s)
			case fieldMetaTags:
				md.Tags = append(md.Tags, string(s))
			}
			return n, nil
		}
		return 0, nil
	})
}
