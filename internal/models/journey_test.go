package models

import (
	"testing"
	"time"
)

var journeyBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func click(id string, at time.Time, seq int64) Touchpoint {
	return Touchpoint{ID: id, CampaignID: "camp-1", EventType: EventClick, Timestamp: at, IngestionSeq: seq}
}

func TestJourneyInsertKeepsOrder(t *testing.T) {
	j := &Journey{Key: "j1"}
	j.Insert(click("b", journeyBase.Add(2*time.Hour), 2))
	j.Insert(click("a", journeyBase, 1))
	j.Insert(click("c", journeyBase.Add(time.Hour), 3))

	want := []string{"a", "c", "b"}
	for i, tp := range j.Touchpoints {
		if tp.ID != want[i] {
			t.Fatalf("position %d = %s, want %s", i, tp.ID, want[i])
		}
	}
}

func TestJourneyTiedTimestampsBreakByIngestionSeq(t *testing.T) {
	j := &Journey{Key: "j1"}
	j.Insert(click("later", journeyBase, 9))
	j.Insert(click("earlier", journeyBase, 4))

	if j.Touchpoints[0].ID != "earlier" || j.Touchpoints[1].ID != "later" {
		t.Fatalf("order = %s, %s", j.Touchpoints[0].ID, j.Touchpoints[1].ID)
	}
}

func TestJourneyConversionStaysTerminal(t *testing.T) {
	j := &Journey{Key: "j1"}
	j.Insert(click("a", journeyBase, 1))
	j.Insert(Touchpoint{
		ID: "conv", CampaignID: "camp-1", EventType: EventConversion,
		Timestamp: journeyBase.Add(time.Hour), IngestionSeq: 2, ConversionValueCents: 1000,
	})
	// Late arrival with a timestamp past the conversion.
	j.Insert(click("late", journeyBase.Add(2*time.Hour), 3))

	if !j.Closed() {
		t.Fatal("journey should stay closed")
	}
	last := j.Touchpoints[len(j.Touchpoints)-1]
	if last.ID != "conv" {
		t.Fatalf("terminal touchpoint = %s, want conv", last.ID)
	}
	pre := j.PreConversion()
	if len(pre) != 2 || pre[0].ID != "a" || pre[1].ID != "late" {
		t.Fatalf("pre-conversion order wrong: %+v", pre)
	}
}

func TestJourneyDirectConversion(t *testing.T) {
	j := &Journey{Key: "j1"}
	j.Insert(Touchpoint{
		ID: "conv", CampaignID: "camp-1", EventType: EventConversion,
		Timestamp: journeyBase, ConversionValueCents: 500,
	})

	if !j.DirectConversion() {
		t.Fatal("expected direct conversion")
	}
	if len(j.PreConversion()) != 0 {
		t.Fatalf("pre-conversion = %d touchpoints", len(j.PreConversion()))
	}
}

func TestJourneyOpenHasNoConversion(t *testing.T) {
	j := &Journey{Key: "j1"}
	j.Insert(click("a", journeyBase, 1))

	if j.Closed() || j.DirectConversion() {
		t.Fatal("open journey misreported")
	}
	if _, ok := j.Conversion(); ok {
		t.Fatal("Conversion returned a touchpoint for an open journey")
	}
}

func TestJourneyCampaignIDs(t *testing.T) {
	j := &Journey{Key: "j1"}
	j.Insert(Touchpoint{ID: "a", CampaignID: "camp-2", EventType: EventClick, Timestamp: journeyBase, IngestionSeq: 1})
	j.Insert(Touchpoint{ID: "b", CampaignID: "camp-1", EventType: EventClick, Timestamp: journeyBase.Add(time.Hour), IngestionSeq: 2})
	j.Insert(Touchpoint{ID: "c", CampaignID: "camp-2", EventType: EventClick, Timestamp: journeyBase.Add(2 * time.Hour), IngestionSeq: 3})

	ids := j.CampaignIDs()
	if len(ids) != 2 || ids[0] != "camp-2" || ids[1] != "camp-1" {
		t.Fatalf("campaign ids = %v", ids)
	}
}
