package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"obstree/internal/address"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

func TestNewClampsOutOfRangeTimeoutMultiplier(t *testing.T) {
	a := New("scope", Config{TimeoutMultiplier: 0})
	if a.mult != defaultTimeoutMultiplier {
		t.Fatalf("mult = %v, want default %v for a zero multiplier", a.mult, defaultTimeoutMultiplier)
	}
	a = New("scope", Config{TimeoutMultiplier: 1.5})
	if a.mult != defaultTimeoutMultiplier {
		t.Fatalf("mult = %v, want default %v for a multiplier >= 1", a.mult, defaultTimeoutMultiplier)
	}
	a = New("scope", Config{TimeoutMultiplier: 0.5})
	if a.mult != 0.5 {
		t.Fatalf("mult = %v, want 0.5 for an in-range multiplier", a.mult)
	}
}

func TestGetValueUnknownDeviceIsAddressError(t *testing.T) {
	a := New("scope", Config{})
	a.client = http.DefaultClient
	req := &value.ValueRequest{
		Address:        address.FromSegments([]string{"mount", "azimuth"}),
		RequestTimeout: time.Now().Add(time.Second),
	}
	_, err := a.GetValue(context.Background(), req)
	te, ok := treeerr.AsTreeError(err)
	if !ok || te.Kind != treeerr.KindAddress {
		t.Fatalf("expected an AddressError for an unregistered device, got %v", err)
	}
}

func TestGetValuePastDeadlineIsUpstreamUnavailable(t *testing.T) {
	a := New("scope", Config{})
	a.AddDevice("mount", &Device{Kind: "mount", Config: map[string]interface{}{"base_url": "http://example.invalid"}})
	a.client = http.DefaultClient
	req := &value.ValueRequest{
		Address:        address.FromSegments([]string{"mount", "azimuth"}),
		RequestTimeout: time.Now().Add(-time.Second),
	}
	_, err := a.GetValue(context.Background(), req)
	te, ok := treeerr.AsTreeError(err)
	if !ok || te.Code != treeerr.CodeUpstreamUnavailable {
		t.Fatalf("expected CodeUpstreamUnavailable for a request already past deadline, got %v", err)
	}
}

func TestGetValueSuccessfulRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Value": 42.5, "ErrorNumber": 0}`))
	}))
	defer srv.Close()

	a := New("scope", Config{})
	a.AddDevice("mount", &Device{Kind: "mount", Config: map[string]interface{}{"base_url": srv.URL}})
	a.client = srv.Client()

	req := &value.ValueRequest{
		Address:        address.FromSegments([]string{"mount", "azimuth"}),
		RequestTimeout: time.Now().Add(time.Second),
	}
	v, err := a.GetValue(context.Background(), req)
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v.V != 42.5 {
		t.Fatalf("GetValue = %v, want 42.5", v.V)
	}
}

func TestGetValueUpstreamErrorNumberMapsToValueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ErrorNumber": 7, "ErrorMessage": "not connected"}`))
	}))
	defer srv.Close()

	a := New("scope", Config{})
	a.AddDevice("mount", &Device{Kind: "mount", Config: map[string]interface{}{"base_url": srv.URL}})
	a.client = srv.Client()

	req := &value.ValueRequest{
		Address:        address.FromSegments([]string{"mount", "azimuth"}),
		RequestTimeout: time.Now().Add(time.Second),
	}
	_, err := a.GetValue(context.Background(), req)
	te, ok := treeerr.AsTreeError(err)
	if !ok || te.Kind != treeerr.KindValue {
		t.Fatalf("expected a ValueError for a device-reported ErrorNumber, got %v", err)
	}
}
