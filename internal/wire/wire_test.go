package wire

import (
	"testing"
	"time"

	"obstree/internal/address"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

func TestRequestEncodeDecodeRoundTrip(t *testing.T) {
	req := &value.ValueRequest{
		Address:             address.New("sitename.mount.azimuth"),
		RequestType:         value.Write,
		RequestTimeout:      time.Unix(1700000010, 0),
		TimeOfData:          time.Unix(1700000000, 0),
		TimeOfDataTolerance: 5 * time.Second,
		CycleQuery:          true,
		RequestData:         map[string]interface{}{"degrees": 45.0},
		User:                &value.NormalUser{UserName: "alice"},
	}

	b, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	got, err := DecodeRequest(b)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if !got.Address.Equal(req.Address) {
		t.Fatalf("Address = %v, want %v", got.Address, req.Address)
	}
	if got.RequestType != value.Write || !got.CycleQuery {
		t.Fatalf("RequestType/CycleQuery not preserved: %+v", got)
	}
	if got.User == nil || got.User.Name() != "alice" || got.User.IsService() {
		t.Fatalf("User not preserved: %+v", got.User)
	}
}

func TestResponseEncodeDecodeRoundTripWithError(t *testing.T) {
	resp := &value.ValueResponse{
		Address: address.New("sitename.mount.azimuth"),
		Status:  false,
		Error:   treeerr.NewOtherError(treeerr.CodeUpstreamUnavailable, treeerr.SeverityCritical, "upstream down"),
	}
	b, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	got, err := DecodeResponse(b)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if got.Status {
		t.Fatalf("Status = true, want false for an error response")
	}
	if got.Error == nil || got.Error.Code != treeerr.CodeUpstreamUnavailable {
		t.Fatalf("Error not preserved: %+v", got.Error)
	}
	if got.Error.Kind != treeerr.KindOther {
		t.Fatalf("Error.Kind = %v, want KindOther", got.Error.Kind)
	}
	if got.Error.Severity != treeerr.SeverityCritical {
		t.Fatalf("Error.Severity = %v, want SeverityCritical", got.Error.Severity)
	}
}
