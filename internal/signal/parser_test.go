package signal

import (
	"errors"
	"testing"
	"time"
)

func TestParse_ValidLine(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	p := NewParser(ist)

	sig, err := p.Parse("2024-03-11 09:20:00, nifty ,buy,75,22150.50,StrategyA", "logs/a.csv", 128)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	want := time.Date(2024, 3, 11, 9, 20, 0, 0, ist)
	if !sig.Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp: %s", sig.Timestamp)
	}
	if sig.Symbol != "NIFTY" || sig.Action != ActionBuy || sig.Quantity != 75 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if !sig.Price.Valid || sig.Price.Decimal.String() != "22150.5" {
		t.Fatalf("unexpected price: %+v", sig.Price)
	}
	if sig.Strategy != "StrategyA" || sig.Source != "logs/a.csv" || sig.Offset != 128 {
		t.Fatalf("unexpected provenance: %+v", sig)
	}
}

func TestParse_TimestampFormats(t *testing.T) {
	p := NewParser(time.UTC)
	cases := []string{
		"2024-03-11T09:20:00Z",
		"2024-03-11T14:50:00+05:30",
		"2024-03-11T09:20:00",
		"2024-03-11 09:20:00.250",
	}
	for _, ts := range cases {
		sig, err := p.Parse(ts+",BANKNIFTY,SELL,15,,s1", "f", 0)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", ts, err)
			continue
		}
		if sig.Timestamp.UTC().Hour() != 9 || sig.Timestamp.UTC().Minute() != 20 {
			t.Errorf("%s: unexpected time %s", ts, sig.Timestamp.UTC())
		}
		if sig.Price.Valid {
			t.Errorf("%s: empty price should be absent", ts)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	p := NewParser(time.UTC)
	cases := map[string]string{
		"too few fields":   "2024-03-11T09:20:00Z,NIFTY,BUY,75,100",
		"too many fields":  "2024-03-11T09:20:00Z,NIFTY,BUY,75,100,s1,extra",
		"bad timestamp":    "11/03/2024,NIFTY,BUY,75,100,s1",
		"hold action":      "2024-03-11T09:20:00Z,NIFTY,HOLD,75,100,s1",
		"zero quantity":    "2024-03-11T09:20:00Z,NIFTY,BUY,0,100,s1",
		"decimal quantity": "2024-03-11T09:20:00Z,NIFTY,BUY,1.5,100,s1",
		"negative price":   "2024-03-11T09:20:00Z,NIFTY,BUY,75,-1,s1",
		"empty symbol":     "2024-03-11T09:20:00Z,,BUY,75,100,s1",
		"empty strategy":   "2024-03-11T09:20:00Z,NIFTY,BUY,75,100,",
		"broken quote":     `2024-03-11T09:20:00Z,"NIFTY,BUY,75,100,s1`,
	}
	for name, line := range cases {
		_, err := p.Parse(line, "f", 0)
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Errorf("%s: expected ParseError, got %v", name, err)
			continue
		}
		if perr.Line != line {
			t.Errorf("%s: ParseError should carry the raw line", name)
		}
	}
}

func TestParse_BlankAndComment(t *testing.T) {
	p := NewParser(nil)
	for _, line := range []string{"", "   ", "# timestamp,symbol,action,quantity,price,strategy"} {
		if _, err := p.Parse(line, "f", 0); !errors.Is(err, ErrBlank) {
			t.Fatalf("expected ErrBlank for %q, got %v", line, err)
		}
	}
}

func TestKey_DistinguishesProvenance(t *testing.T) {
	p := NewParser(time.UTC)
	line := "2024-03-11T09:20:00Z,NIFTY,BUY,75,100,s1"

	a, _ := p.Parse(line, "logs/a.csv", 0)
	again, _ := p.Parse(line, "logs/a.csv", 0)
	if a.Key() != again.Key() {
		t.Fatalf("same line at same offset must share a key")
	}

	b, _ := p.Parse(line, "logs/a.csv", 41)
	c, _ := p.Parse(line, "logs/b.csv", 0)
	if a.Key() == b.Key() || a.Key() == c.Key() {
		t.Fatalf("identical content at different positions must not collide")
	}

	// 价格不参与幂等键
	d, _ := p.Parse("2024-03-11T09:20:00Z,NIFTY,BUY,75,101,s1", "logs/a.csv", 0)
	if a.Key() != d.Key() {
		t.Fatalf("price should not change the key")
	}
	if len(a.Key()) != 64 {
		t.Fatalf("expected hex sha256, got %s", a.Key())
	}
}
