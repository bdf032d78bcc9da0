package events

import (
	"math/big"
	"strings"
	"testing"
)

func TestClaimedEventAttributes(t *testing.T) {
	var id [32]byte
	id[31] = 0x2a
	var claimant [20]byte
	claimant[0] = 0x01
	evt := Claimed{
		ClaimID:     id,
		Claimant:    claimant,
		Asset:       "usdc",
		Entitlement: big.NewInt(1000),
		Amount:      big.NewInt(100000),
		Timestamp:   1700000000,
	}.Event()
	if evt.Type != TypeClaimed {
		t.Fatalf("unexpected type %s", evt.Type)
	}
	if evt.Attributes["asset"] != "USDC" {
		t.Fatalf("unexpected asset %s", evt.Attributes["asset"])
	}
	if evt.Attributes["amount"] != "100000" || evt.Attributes["entitlement"] != "1000" {
		t.Fatalf("unexpected amounts %+v", evt.Attributes)
	}
	if evt.Attributes["price"] != "0" {
		t.Fatalf("nil price should render as 0, got %s", evt.Attributes["price"])
	}
	if !strings.HasSuffix(evt.Attributes["claimId"], "2a") || !strings.HasPrefix(evt.Attributes["claimId"], "0x") {
		t.Fatalf("unexpected claim id %s", evt.Attributes["claimId"])
	}
	if !strings.HasPrefix(evt.Attributes["claimant"], "clm1") {
		t.Fatalf("unexpected claimant rendering %s", evt.Attributes["claimant"])
	}
}

func TestPauseChangedSelectsType(t *testing.T) {
	if (PauseChanged{Paused: true}).EventType() != TypePaused {
		t.Fatalf("expected paused type")
	}
	if (PauseChanged{}).Event().Type != TypeUnpaused {
		t.Fatalf("expected unpaused type")
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	fan := Fanout{first, nil, second}
	fan.Emit(SignerRotated{})
	fan.Emit(Withdrawn{Asset: "native", Amount: big.NewInt(5)})
	if got := first.Types(); len(got) != 2 || got[1] != TypeWithdrawn {
		t.Fatalf("unexpected first recorder types %v", got)
	}
	if len(second.Events()) != 2 {
		t.Fatalf("second recorder missed events")
	}
	cloned := second.Events()[1].Event().Clone()
	cloned.Attributes["amount"] = "9"
	if second.Events()[1].Event().Attributes["amount"] != "5" {
		t.Fatalf("clone shares attribute map")
	}
}
