package gate

import (
	"context"
	"testing"
	"time"

	"obstree/internal/address"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

func TestGateReadBlacklistDenies(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGate("gate", b, RuleSet{BlackRead: []string{`^secret\.`}})

	req := &value.ValueRequest{Address: address.New("secret.key"), RequestType: value.Read}
	_, err := g.GetValue(context.Background(), req)
	if _, ok := treeerr.AsTreeError(err); !ok {
		t.Fatalf("expected a denial TreeError for a blacklisted READ, got %v", err)
	}
}

func TestGateReadPassesThroughByDefault(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGate("gate", b, RuleSet{})
	req := &value.ValueRequest{Address: address.New("mount.azimuth"), RequestType: value.Read}
	_, err := g.GetValue(context.Background(), req)
	if !treeerr.IsStructure(err) {
		t.Fatalf("an unmatched READ should pass through (ErrStructure), got %v", err)
	}
}

func TestGateWriteRequiresReservation(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGate("gate", b, RuleSet{})
	user := &value.NormalUser{UserName: "alice"}
	req := &value.ValueRequest{Address: address.New("mount.slew"), RequestType: value.Write, User: user}

	_, err := g.GetValue(context.Background(), req)
	if _, ok := treeerr.AsTreeError(err); !ok {
		t.Fatalf("a WRITE with no reservation should be denied, got %v", err)
	}

	if err := b.MakeReservation(user, time.Minute); err != nil {
		t.Fatalf("MakeReservation failed: %v", err)
	}
	_, err = g.GetValue(context.Background(), req)
	if !treeerr.IsStructure(err) {
		t.Fatalf("a WRITE from the reservation holder should pass through, got %v", err)
	}
}

func TestGateWhitelistedWriteBypassesReservation(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGate("gate", b, RuleSet{WhiteWrite: []string{`^ping$`}})
	req := &value.ValueRequest{Address: address.New("ping"), RequestType: value.Write, User: &value.NormalUser{UserName: "anyone"}}
	_, err := g.GetValue(context.Background(), req)
	if !treeerr.IsStructure(err) {
		t.Fatalf("a whitelisted WRITE should pass through without a reservation, got %v", err)
	}
}

func TestGateSpecialPermissionOnlyHonoredForServiceUsers(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	g := NewGate("gate", b, RuleSet{})
	data := map[string]interface{}{value.KeySpecialPermission: true}

	normalReq := &value.ValueRequest{Address: address.New("mount.slew"), RequestType: value.Write, User: &value.NormalUser{UserName: "alice"}, RequestData: data}
	_, err := g.GetValue(context.Background(), normalReq)
	if _, ok := treeerr.AsTreeError(err); !ok {
		t.Fatalf("request_special_permission_param must not bypass the gate for a NormalUser")
	}

	svcReq := &value.ValueRequest{Address: address.New("mount.slew"), RequestType: value.Write, User: &value.ServiceUser{UserName: "internal-client"}, RequestData: data}
	_, err = g.GetValue(context.Background(), svcReq)
	if !treeerr.IsStructure(err) {
		t.Fatalf("request_special_permission_param should bypass the gate for a ServiceUser, got %v", err)
	}
}

func TestReservationRejectsOtherHolder(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	alice := &value.NormalUser{UserName: "alice"}
	bob := &value.NormalUser{UserName: "bob"}

	if err := b.MakeReservation(alice, time.Minute); err != nil {
		t.Fatalf("alice's reservation should succeed: %v", err)
	}
	if err := b.MakeReservation(bob, time.Minute); err == nil {
		t.Fatalf("bob's reservation should be rejected while alice holds it")
	}
}

func TestReservationExpiresLazily(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	alice := &value.NormalUser{UserName: "alice"}
	if err := b.MakeReservation(alice, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, _, ok := b.CurrentUser(); ok {
		t.Fatalf("CurrentUser should report no holder once the reservation has expired")
	}
	// A second user should now be able to take the (lazily freed) slot.
	bob := &value.NormalUser{UserName: "bob"}
	if err := b.MakeReservation(bob, time.Minute); err != nil {
		t.Fatalf("bob should be able to take an expired reservation: %v", err)
	}
}

func TestReservationTTLClampedToMax(t *testing.T) {
	b := NewBlocker(time.Minute, 2*time.Second)
	alice := &value.NormalUser{UserName: "alice"}
	if err := b.MakeReservation(alice, time.Hour); err != nil {
		t.Fatal(err)
	}
	timeout, ok := b.TimeoutCurrentReservation()
	if !ok {
		t.Fatalf("expected an active reservation")
	}
	if time.Until(timeout) > 3*time.Second {
		t.Fatalf("reservation TTL was not clamped to the configured maximum")
	}
}

func TestReturnReservationOnlyHolderSucceeds(t *testing.T) {
	b := NewBlocker(time.Minute, time.Hour)
	alice := &value.NormalUser{UserName: "alice"}
	bob := &value.NormalUser{UserName: "bob"}
	if err := b.MakeReservation(alice, time.Minute); err != nil {
		t.Fatal(err)
	}
	if b.ReturnReservation(bob) {
		t.Fatalf("a non-holder's ReturnReservation must fail")
	}
	if !b.ReturnReservation(alice) {
		t.Fatalf("the holder's ReturnReservation must succeed")
	}
	if _, _, ok := b.CurrentUser(); ok {
		t.Fatalf("reservation should be free after the holder returns it")
	}
}
