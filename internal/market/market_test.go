package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/custody-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	conditionID = "0x5f65177b394277fd294cd75650044e32ba009a95022d88a0c1d565897d72f8f1"
	yesToken    = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	noToken     = "52114319501245915516055106046884209969926127482827954674443846427813813222426"
)

func TestParseTokenID_Valid(t *testing.T) {
	n, err := ParseTokenID(yesToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.String() != yesToken {
		t.Errorf("expected %s, got %s", yesToken, n)
	}
}

func TestParseTokenID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"0",
		"abc",
		"0x1234",
		"-5",
		"12.5",
		strings.Repeat("9", 78), // above 2^256-1
		strings.Repeat("1", 79),
	}
	for _, id := range tests {
		if _, err := ParseTokenID(id); !errors.Is(err, ErrInvalidTokenID) {
			t.Errorf("expected ErrInvalidTokenID for %q, got %v", id, err)
		}
	}
}

func TestParseConditionID(t *testing.T) {
	h, err := ParseConditionID(conditionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Hex() != conditionID {
		t.Errorf("expected %s, got %s", conditionID, h.Hex())
	}

	for _, id := range []string{"", "0x1234", conditionID[2:], conditionID + "00", "0x" + strings.Repeat("g", 64)} {
		if _, err := ParseConditionID(id); !errors.Is(err, ErrInvalidConditionID) {
			t.Errorf("expected ErrInvalidConditionID for %q, got %v", id, err)
		}
	}
}

func newServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasSuffix(r.URL.Path, conditionID) {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(Market{
			ConditionID: conditionID,
			Question:    "Will it rain in Miami on Friday?",
			Active:      true,
			NegRisk:     true,
			TickSize:    d(0.01),
			Tokens: []Token{
				{TokenID: yesToken, Outcome: "Yes", Price: d(0.62)},
				{TokenID: noToken, Outcome: "No", Price: d(0.38)},
			},
		})
	})
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[{"price":"0.40","size":"10"},{"price":"0.44","size":"0"},{"price":"0.42","size":"3"}],"asks":[{"price":"0.47","size":"5"},{"price":"0.45","size":"1"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMetadata_FetchesAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	c := NewClient(srv.URL, time.Second, time.Minute)

	m, err := c.Metadata(context.Background(), conditionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.NegRisk || !m.Tradeable() {
		t.Errorf("expected tradeable neg-risk market, got %+v", m)
	}
	if out, ok := m.Outcome(noToken); !ok || out != "No" {
		t.Errorf("expected outcome No, got %q", out)
	}
	if _, ok := m.Outcome("123"); ok {
		t.Error("expected unknown token to have no outcome")
	}

	if _, err := c.Metadata(context.Background(), conditionID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 request with caching, got %d", hits.Load())
	}
}

func TestMetadata_Errors(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	c := NewClient(srv.URL, time.Second, 0)

	if _, err := c.Metadata(context.Background(), "not-an-id"); !errors.Is(err, ErrInvalidConditionID) {
		t.Errorf("expected ErrInvalidConditionID, got %v", err)
	}
	other := "0x" + strings.Repeat("ab", 32)
	if _, err := c.Metadata(context.Background(), other); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBestPrice(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, &hits)
	c := NewClient(srv.URL, time.Second, 0)

	ask, ok, err := c.BestPrice(context.Background(), yesToken, model.SideBuy)
	if err != nil || !ok || !ask.Equal(d(0.45)) {
		t.Errorf("expected ask 0.45, got %s ok=%v err=%v", ask, ok, err)
	}
	// The empty 0.44 level is ignored.
	bid, ok, err := c.BestPrice(context.Background(), yesToken, model.SideSell)
	if err != nil || !ok || !bid.Equal(d(0.42)) {
		t.Errorf("expected bid 0.42, got %s ok=%v err=%v", bid, ok, err)
	}
}
