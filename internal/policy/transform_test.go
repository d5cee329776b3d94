package policy

import (
	"testing"

	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

func masterOrder() domain.Order {
	return domain.Order{
		ID:       "M-1",
		Account:  "master-1",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeLimit,
		Symbol:   "RELIANCE",
		Exchange: "N",
		Segment:  "C",
		Quantity: 100,
		Price:    decimal.NewFromInt(2500),
		Product:  domain.ProductDelivery,
		Validity: domain.ValidityDay,
		Status:   domain.OrderStatusSubmitted,
	}
}

func ratioLink(ratio float64) domain.FollowerLink {
	return domain.FollowerLink{
		ID:              "L-1",
		MasterAccount:   "master-1",
		FollowerAccount: "follower-1",
		Policy:          domain.PolicyFixedRatio,
		Ratio:           decimal.NewFromFloat(ratio),
		Active:          true,
	}
}

func TestFixedRatio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ratio float64
		qty   int64
		want  int64
	}{
		{"one to one", 1.0, 100, 100},
		{"half", 0.5, 100, 50},
		{"rounds half up", 0.25, 10, 3}, // 2.5 rounds away from zero
		{"scales up", 2.0, 100, 200},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			master := masterOrder()
			master.Quantity = tt.qty
			draft, skip := Transform(Input{Master: master, Link: ratioLink(tt.ratio), LotSize: 1})
			if skip != nil {
				t.Fatalf("skipped: %s (%s)", skip.Reason, skip.Detail)
			}
			if draft.Quantity != tt.want {
				t.Errorf("Quantity = %d, want %d", draft.Quantity, tt.want)
			}
		})
	}
}

func TestFixedRatioTooSmall(t *testing.T) {
	t.Parallel()

	// 100 × 0.0049 = 0.49, rounds to zero.
	_, skip := Transform(Input{Master: masterOrder(), Link: ratioLink(0.0049), LotSize: 1})
	if skip == nil {
		t.Fatal("expected a skip")
	}
	if skip.Reason != domain.SkipTooSmall {
		t.Errorf("Reason = %q, want %q", skip.Reason, domain.SkipTooSmall)
	}
}

func TestPercentageFloorsAgainstLimitPrice(t *testing.T) {
	t.Parallel()

	link := ratioLink(0)
	link.Policy = domain.PolicyPercentage
	link.Percent = decimal.NewFromInt(10)

	// 10% of 100,000 = 10,000; at limit 2500 → floor(4.0) = 4.
	draft, skip := Transform(Input{
		Master:  masterOrder(),
		Link:    link,
		Balance: decimal.NewFromInt(100_000),
		LotSize: 1,
	})
	if skip != nil {
		t.Fatalf("skipped: %s (%s)", skip.Reason, skip.Detail)
	}
	if draft.Quantity != 4 {
		t.Errorf("Quantity = %d, want 4", draft.Quantity)
	}
}

func TestPercentageUsesMarkForMarketOrders(t *testing.T) {
	t.Parallel()

	master := masterOrder()
	master.Type = domain.OrderTypeMarket
	master.Price = decimal.Zero

	link := ratioLink(0)
	link.Policy = domain.PolicyPercentage
	link.Percent = decimal.NewFromInt(50)

	// 50% of 30,000 = 15,000; at mark 2400 → floor(6.25) = 6.
	draft, skip := Transform(Input{
		Master:  master,
		Link:    link,
		Balance: decimal.NewFromInt(30_000),
		Mark:    decimal.NewFromInt(2400),
		LotSize: 1,
	})
	if skip != nil {
		t.Fatalf("skipped: %s (%s)", skip.Reason, skip.Detail)
	}
	if draft.Quantity != 6 {
		t.Errorf("Quantity = %d, want 6", draft.Quantity)
	}
}

func TestPercentageWithoutReferencePrice(t *testing.T) {
	t.Parallel()

	master := masterOrder()
	master.Price = decimal.Zero

	link := ratioLink(0)
	link.Policy = domain.PolicyPercentage
	link.Percent = decimal.NewFromInt(10)

	_, skip := Transform(Input{Master: master, Link: link, Balance: decimal.NewFromInt(10_000), LotSize: 1})
	if skip == nil || skip.Reason != domain.SkipTooSmall {
		t.Fatalf("skip = %+v, want TooSmall without a reference price", skip)
	}
}

func TestFixedQuantityIgnoresMasterQuantity(t *testing.T) {
	t.Parallel()

	link := ratioLink(0)
	link.Policy = domain.PolicyFixedQuantity
	link.FixedQuantity = 7

	for _, masterQty := range []int64{1, 100, 100_000} {
		master := masterOrder()
		master.Quantity = masterQty
		draft, skip := Transform(Input{Master: master, Link: link, LotSize: 1})
		if skip != nil {
			t.Fatalf("skipped: %s", skip.Reason)
		}
		if draft.Quantity != 7 {
			t.Errorf("Quantity = %d for master %d, want 7", draft.Quantity, masterQty)
		}
	}
}

func TestLotFlooring(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		qty  int64
		lot  int64
		want int64 // 0 means expect TooSmall
	}{
		{"exact lots", 100, 50, 100},
		{"floors partial lot", 125, 50, 100},
		{"below one lot", 49, 50, 0},
		{"lot of one", 33, 1, 33},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			master := masterOrder()
			master.Quantity = tt.qty
			draft, skip := Transform(Input{Master: master, Link: ratioLink(1.0), LotSize: tt.lot})
			if tt.want == 0 {
				if skip == nil || skip.Reason != domain.SkipTooSmall {
					t.Fatalf("skip = %+v, want TooSmall", skip)
				}
				return
			}
			if skip != nil {
				t.Fatalf("skipped: %s (%s)", skip.Reason, skip.Detail)
			}
			if draft.Quantity != tt.want {
				t.Errorf("Quantity = %d, want %d", draft.Quantity, tt.want)
			}
		})
	}
}

func TestLinkNotionalCap(t *testing.T) {
	t.Parallel()

	link := ratioLink(1.0)
	link.MaxOrderNotional = decimal.NewFromInt(100_000)

	// 100 × 2500 = 250,000 > 100,000.
	_, skip := Transform(Input{Master: masterOrder(), Link: link, LotSize: 1})
	if skip == nil || skip.Reason != domain.SkipNotionalCap {
		t.Fatalf("skip = %+v, want LinkNotionalCap", skip)
	}

	// 2 × 2500 = 5,000 fits.
	master := masterOrder()
	master.Quantity = 2
	if _, skip := Transform(Input{Master: master, Link: link, LotSize: 1}); skip != nil {
		t.Fatalf("skipped under the cap: %s", skip.Reason)
	}
}

func TestNotionalCapUsesMarkForMarketOrders(t *testing.T) {
	t.Parallel()

	master := masterOrder()
	master.Type = domain.OrderTypeMarket
	master.Price = decimal.Zero
	master.Quantity = 10

	link := ratioLink(1.0)
	link.MaxOrderNotional = decimal.NewFromInt(1000)

	_, skip := Transform(Input{Master: master, Link: link, Mark: decimal.NewFromInt(500), LotSize: 1})
	if skip == nil || skip.Reason != domain.SkipNotionalCap {
		t.Fatalf("skip = %+v, want cap applied against the mark", skip)
	}
}

func TestTransformPreservesOrderShape(t *testing.T) {
	t.Parallel()

	master := masterOrder()
	master.Type = domain.OrderTypeStop
	master.TriggerPrice = decimal.NewFromInt(2490)

	draft, skip := Transform(Input{Master: master, Link: ratioLink(0.5), LotSize: 1})
	if skip != nil {
		t.Fatalf("skipped: %s", skip.Reason)
	}
	if draft.Side != master.Side || draft.Type != master.Type || draft.Symbol != master.Symbol {
		t.Errorf("draft shape %s/%s/%s diverges from master", draft.Side, draft.Type, draft.Symbol)
	}
	if !draft.Price.Equal(master.Price) || !draft.TriggerPrice.Equal(master.TriggerPrice) {
		t.Errorf("price/trigger = %v/%v, want verbatim copies", draft.Price, draft.TriggerPrice)
	}
	if draft.ParentID != master.ID {
		t.Errorf("ParentID = %q, want %q", draft.ParentID, master.ID)
	}
	if draft.Account != "follower-1" {
		t.Errorf("Account = %q, want the follower", draft.Account)
	}
	if draft.Status != domain.OrderStatusPending {
		t.Errorf("Status = %q, want pending", draft.Status)
	}
}

func TestTransformDeterministic(t *testing.T) {
	t.Parallel()

	in := Input{
		Master:  masterOrder(),
		Link:    ratioLink(0.37),
		Balance: decimal.NewFromInt(50_000),
		Mark:    decimal.NewFromInt(2450),
		LotSize: 5,
	}
	first, skip1 := Transform(in)
	second, skip2 := Transform(in)
	if (skip1 == nil) != (skip2 == nil) {
		t.Fatalf("skip divergence: %+v vs %+v", skip1, skip2)
	}
	if first.Quantity != second.Quantity {
		t.Errorf("quantity divergence: %d vs %d", first.Quantity, second.Quantity)
	}
}
