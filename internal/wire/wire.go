// Package wire implements the compact self-describing binary
// serialization of ValueRequest/ValueResponse described by SPEC_FULL.md
// §6, and the error wire format. The codec itself is not normative (per
// spec), so this module reuses the typed-map/list/int/float/bool/bytes/
// null shape already provided by google/protobuf's well-known Struct
// type (shipped inside the golang/protobuf dependency as
// github.com/golang/protobuf/ptypes/struct) for the generic RequestData/
// Tags maps, wrapped in a small hand-maintained message for the fixed
// ValueRequest/ValueResponse/Error fields — mirroring the way base_msg
// hand-wraps generated protobuf types with helper methods.
package wire

import (
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"

	"obstree/internal/address"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// Request is the wire representation of a value.ValueRequest.
type Request struct {
	Address             []string `protobuf:"bytes,1,rep,name=address"`
	Index               int32    `protobuf:"varint,2,opt,name=index"`
	Write               bool     `protobuf:"varint,3,opt,name=write"`
	RequestTimeoutUnix  int64    `protobuf:"varint,4,opt,name=request_timeout_unix"`
	TimeOfDataUnix      int64    `protobuf:"varint,5,opt,name=time_of_data_unix"`
	ToleranceNanos      int64    `protobuf:"varint,6,opt,name=tolerance_nanos"`
	CycleQuery          bool     `protobuf:"varint,7,opt,name=cycle_query"`
	RequestData         *structpb.Struct `protobuf:"bytes,8,opt,name=request_data"`
	UserName            string   `protobuf:"bytes,9,opt,name=user_name"`
	UserIsService        bool    `protobuf:"varint,10,opt,name=user_is_service"`

	XXX_unrecognized []byte `json:"-"`
}

// Reset, String, ProtoMessage implement proto.Message.
func (m *Request) Reset()         { *m = Request{} }
func (m *Request) String() string { return fmt.Sprintf("%+v", *m) }
func (*Request) ProtoMessage()    {}

// Response is the wire representation of a value.ValueResponse.
type Response struct {
	Address      []string      `protobuf:"bytes,1,rep,name=address"`
	Status       bool          `protobuf:"varint,2,opt,name=status"`
	ValuePresent bool          `protobuf:"varint,3,opt,name=value_present"`
	Value        *structpb.Value `protobuf:"bytes,4,opt,name=value"`
	TSUnixNano   int64         `protobuf:"varint,5,opt,name=ts_unix_nano"`
	Tags         *structpb.Struct `protobuf:"bytes,6,opt,name=tags"`
	Error        *Error        `protobuf:"bytes,7,opt,name=error"`

	XXX_unrecognized []byte `json:"-"`
}

func (m *Response) Reset()         { *m = Response{} }
func (m *Response) String() string { return fmt.Sprintf("%+v", *m) }
func (*Response) ProtoMessage()    {}

// Error is the wire error format described by §6 and §7.
type Error struct {
	Code     int32  `protobuf:"varint,1,opt,name=code"`
	Msg      string `protobuf:"bytes,2,opt,name=msg"`
	Source   string `protobuf:"bytes,3,opt,name=source"`
	Severity string `protobuf:"bytes,4,opt,name=severity"`
	Kind     int32  `protobuf:"varint,5,opt,name=kind"`

	XXX_unrecognized []byte `json:"-"`
}

func (m *Error) Reset()         { *m = Error{} }
func (m *Error) String() string { return fmt.Sprintf("%+v", *m) }
func (*Error) ProtoMessage()    {}

// toStruct converts a plain Go map into a structpb.Struct, best-effort:
// unsupported value kinds are stringified rather than dropped, so no
// request_data key silently vanishes across the wire.
func toStruct(m map[string]interface{}) *structpb.Struct {
	if len(m) == 0 {
		return nil
	}
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		out.Fields[k] = toValue(v)
	}
	return out
}

func toValue(v interface{}) *structpb.Value {
	switch t := v.(type) {
	case nil:
		return &structpb.Value{Kind: &structpb.Value_NullValue{}}
	case bool:
		return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: t}}
	case float64:
		return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: t}}
	case int:
		return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: float64(t)}}
	case string:
		return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: t}}
	case time.Time:
		return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: t.Format(time.RFC3339Nano)}}
	default:
		return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: fmt.Sprintf("%v", t)}}
	}
}

func fromStruct(s *structpb.Struct) map[string]interface{} {
	if s == nil {
		return nil
	}
	out := make(map[string]interface{}, len(s.Fields))
	for k, v := range s.Fields {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *structpb.Value) interface{} {
	if v == nil {
		return nil
	}
	switch k := v.Kind.(type) {
	case *structpb.Value_NullValue:
		return nil
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_NumberValue:
		return k.NumberValue
	case *structpb.Value_StringValue:
		return k.StringValue
	default:
		return nil
	}
}

// EncodeRequest marshals req into its wire bytes.
func EncodeRequest(req *value.ValueRequest) ([]byte, error) {
	m := &Request{
		Address:            req.Address.Segments,
		Index:              int32(req.Address.Index),
		Write:              req.RequestType == value.Write,
		RequestTimeoutUnix: req.RequestTimeout.Unix(),
		TimeOfDataUnix:     req.TimeOfData.Unix(),
		ToleranceNanos:     int64(req.TimeOfDataTolerance),
		CycleQuery:         req.CycleQuery,
		RequestData:        toStruct(req.RequestData),
	}
	if req.User != nil {
		m.UserName = req.User.Name()
		m.UserIsService = req.User.IsService()
	}
	return proto.Marshal(m)
}

// DecodeRequest unmarshals wire bytes into a value.ValueRequest.
func DecodeRequest(b []byte) (*value.ValueRequest, error) {
	var m Request
	if err := proto.Unmarshal(b, &m); err != nil {
		return nil, treeerr.Wrap(err, "decoding request")
	}
	rt := value.Read
	if m.Write {
		rt = value.Write
	}
	var user value.User
	if m.UserName != "" {
		if m.UserIsService {
			user = &value.ServiceUser{UserName: m.UserName}
		} else {
			user = &value.NormalUser{UserName: m.UserName}
		}
	}
	return &value.ValueRequest{
		Address:             address.Address{Segments: m.Address, Index: int(m.Index)},
		RequestType:          rt,
		RequestTimeout:       time.Unix(m.RequestTimeoutUnix, 0),
		TimeOfData:           time.Unix(m.TimeOfDataUnix, 0),
		TimeOfDataTolerance:  time.Duration(m.ToleranceNanos),
		CycleQuery:           m.CycleQuery,
		RequestData:          fromStruct(m.RequestData),
		User:                 user,
	}, nil
}

// EncodeResponse marshals resp into its wire bytes.
func EncodeResponse(resp *value.ValueResponse) ([]byte, error) {
	m := &Response{Address: resp.Address.Segments, Status: resp.Status}
	if resp.Value != nil {
		m.ValuePresent = true
		m.Value = toValue(resp.Value.V)
		m.TSUnixNano = resp.Value.TS.UnixNano()
		m.Tags = toStruct(resp.Value.Tags)
	}
	if resp.Error != nil {
		m.Error = &Error{
			Code:     int32(resp.Error.Code),
			Msg:      resp.Error.Message,
			Source:   resp.Error.Source,
			Severity: resp.Error.Severity.String(),
			Kind:     int32(resp.Error.Kind),
		}
	}
	return proto.Marshal(m)
}

// DecodeResponse unmarshals wire bytes into a value.ValueResponse.
func DecodeResponse(b []byte) (*value.ValueResponse, error) {
	var m Response
	if err := proto.Unmarshal(b, &m); err != nil {
		return nil, treeerr.Wrap(err, "decoding response")
	}
	resp := &value.ValueResponse{
		Address: address.Address{Segments: m.Address},
		Status:  m.Status,
	}
	if m.ValuePresent {
		tags := fromStruct(m.Tags)
		if tags == nil {
			tags = map[string]interface{}{}
		}
		resp.Value = &value.Value{
			V:    fromValue(m.Value),
			TS:   time.Unix(0, m.TSUnixNano),
			Tags: tags,
		}
	}
	if m.Error != nil {
		resp.Error = &treeerr.TreeError{
			Kind:     treeerr.Kind(m.Error.Kind),
			Code:     int(m.Error.Code),
			Message:  m.Error.Msg,
			Source:   m.Error.Source,
			Severity: treeerr.ParseSeverity(m.Error.Severity),
		}
	}
	return resp, nil
}
