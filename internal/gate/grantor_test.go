package gate

import (
	"context"
	"testing"
	"time"

	"obstree/internal/address"
	"obstree/internal/value"
)

func TestGrantorTakeReturnRoundTrip(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGrantor("grantor", b)
	alice := &value.NormalUser{UserName: "alice"}
	ctx := context.Background()

	v, err := g.GetValue(ctx, &value.ValueRequest{Address: address.New("take_control"), RequestType: value.Write, User: alice})
	if err != nil || v.V != true {
		t.Fatalf("take_control = %v, %v; want true, nil", v, err)
	}

	v, err = g.GetValue(ctx, &value.ValueRequest{Address: address.New("is_access"), User: alice})
	if err != nil || v.V != true {
		t.Fatalf("is_access after take_control = %v, %v; want true, nil", v, err)
	}

	bob := &value.NormalUser{UserName: "bob"}
	v, err = g.GetValue(ctx, &value.ValueRequest{Address: address.New("take_control"), RequestType: value.Write, User: bob})
	if err != nil || v.V != false {
		t.Fatalf("bob's take_control while alice holds it = %v, %v; want false, nil", v, err)
	}

	v, err = g.GetValue(ctx, &value.ValueRequest{Address: address.New("return_control"), RequestType: value.Write, User: bob})
	if err != nil || v.V != false {
		t.Fatalf("bob's return_control should fail (not the holder) = %v, %v; want false, nil", v, err)
	}

	v, err = g.GetValue(ctx, &value.ValueRequest{Address: address.New("return_control"), RequestType: value.Write, User: alice})
	if err != nil || v.V != true {
		t.Fatalf("alice's return_control should succeed = %v, %v; want true, nil", v, err)
	}

	v, err = g.GetValue(ctx, &value.ValueRequest{Address: address.New("is_access"), User: alice})
	if err != nil || v.V != false {
		t.Fatalf("is_access after return_control = %v, %v; want false, nil", v, err)
	}
}

func TestGrantorBreakControlAlwaysSucceeds(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGrantor("grantor", b)
	alice := &value.NormalUser{UserName: "alice"}
	bob := &value.NormalUser{UserName: "bob"}
	ctx := context.Background()

	if _, err := g.GetValue(ctx, &value.ValueRequest{Address: address.New("take_control"), RequestType: value.Write, User: alice}); err != nil {
		t.Fatal(err)
	}
	v, err := g.GetValue(ctx, &value.ValueRequest{Address: address.New("break_control"), RequestType: value.Write, User: bob})
	if err != nil || v.V != true {
		t.Fatalf("break_control = %v, %v; want true, nil", v, err)
	}
	v, err = g.GetValue(ctx, &value.ValueRequest{Address: address.New("is_access"), User: alice})
	if err != nil || v.V != false {
		t.Fatalf("is_access after break_control = %v, %v; want false, nil", v, err)
	}
}

func TestGrantorCurrentUserReportsNameAndTimeout(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGrantor("grantor", b)
	alice := &value.NormalUser{UserName: "alice"}
	ctx := context.Background()

	if _, err := g.GetValue(ctx, &value.ValueRequest{Address: address.New("take_control"), RequestType: value.Write, User: alice}); err != nil {
		t.Fatal(err)
	}
	v, err := g.GetValue(ctx, &value.ValueRequest{Address: address.New("current_user"), User: alice})
	if err != nil {
		t.Fatal(err)
	}
	out, ok := v.V.(map[string]interface{})
	if !ok {
		t.Fatalf("current_user should return a map, got %T", v.V)
	}
	if out["name"] != "alice" {
		t.Fatalf("current_user name = %v, want alice", out["name"])
	}
	if out["timeout_control"] == nil {
		t.Fatalf("current_user timeout_control should be set while a reservation is held")
	}
}

func TestGrantorUnknownCommandIsAddressError(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGrantor("grantor", b)
	_, err := g.GetValue(context.Background(), &value.ValueRequest{Address: address.New("bogus"), User: &value.NormalUser{UserName: "x"}})
	if err == nil {
		t.Fatalf("an unrecognised grantor method should error")
	}
}
