package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// The Gamma API is loose with JSON: booleans arrive as bools or as
// "true"/"false" strings, numbers as numbers or strings, and arrays
// JSON-encoded inside strings ("[\"Up\",\"Down\"]"). The flex types below
// absorb all of it so the rest of the package sees Go values.

type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexStrings accepts either a JSON array of strings or a string containing
// a JSON-encoded array, which is how Gamma ships outcomes, outcomePrices,
// and clobTokenIds.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*f = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = nil
		return nil
	}
	var inner []string
	if err := json.Unmarshal([]byte(s), &inner); err != nil {
		return err
	}
	*f = inner
	return nil
}

// apiMarket mirrors a Gamma /markets entry, limited to the fields the
// catalog needs.
type apiMarket struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	ConditionID   string      `json:"conditionId"`
	Outcomes      flexStrings `json:"outcomes"`
	OutcomePrices flexStrings `json:"outcomePrices"`
	ClobTokenIDs  flexStrings `json:"clobTokenIds"`
	Volume        flexFloat   `json:"volume"`
	Active        flexBool    `json:"active"`
	Closed        flexBool    `json:"closed"`
	EndDate       string      `json:"endDate"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`
}

// apiEvent mirrors a Gamma /events entry. An event groups the markets of
// one question window; the 15-minute up/down series are addressed by event
// slug.
type apiEvent struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Slug    string      `json:"slug"`
	Markets []apiMarket `json:"markets"`
}

// upSide reports whether an outcome label names the up/yes side.
func upSide(outcome string) bool {
	switch strings.ToLower(outcome) {
	case "up", "yes":
		return true
	}
	return false
}

// toMarket converts a Gamma market into the domain shape, pairing outcome
// labels with their token IDs so index 0 is always the up/yes side.
func (m *apiMarket) toMarket() domain.Market {
	dm := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Volume:      float64(m.Volume),
		Outcomes:    [2]string{"Up", "Down"},
	}

	// Outcome labels decide which token is the up side; unknown labels fall
	// back to positional order.
	upIdx := 0
	if len(m.Outcomes) > 1 && !upSide(m.Outcomes[0]) && upSide(m.Outcomes[1]) {
		upIdx = 1
	}
	for i, outcome := range m.Outcomes {
		if i >= len(m.ClobTokenIDs) || i >= 2 {
			break
		}
		idx := 1
		if i == upIdx {
			idx = 0
		}
		dm.Outcomes[idx] = outcome
		dm.TokenIDs[idx] = m.ClobTokenIDs[i]
	}

	switch {
	case bool(m.Closed):
		dm.Status = domain.MarketStatusClosed
	case bool(m.Active):
		dm.Status = domain.MarketStatusActive
	default:
		dm.Status = domain.MarketStatusClosed
	}

	if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		dm.EndDate = &t
	}
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}
	return dm
}

// resolvedSide reads the winning side off a closed market's outcome prices
// (they pin to 1 and 0 at resolution). ok is false while the market is
// open or the prices are absent.
func (m *apiMarket) resolvedSide() (domain.Side, bool) {
	if !bool(m.Closed) || len(m.OutcomePrices) < 2 || len(m.Outcomes) < 2 {
		return "", false
	}
	p0, err0 := strconv.ParseFloat(m.OutcomePrices[0], 64)
	p1, err1 := strconv.ParseFloat(m.OutcomePrices[1], 64)
	if err0 != nil || err1 != nil || p0 == p1 {
		return "", false
	}

	winner := 0
	if p1 > p0 {
		winner = 1
	}
	if upSide(m.Outcomes[winner]) {
		return domain.SideUp, true
	}
	return domain.SideDown, true
}

// apiBook mirrors a CLOB /book response. Prices and sizes are decimal
// strings.
type apiBook struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Bids      []apiLevel `json:"bids"`
	Asks      []apiLevel `json:"asks"`
	Timestamp string     `json:"timestamp"`
	Hash      string     `json:"hash"`
}

type apiLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (b *apiBook) toSnapshot() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		AssetID:   b.AssetID,
		Timestamp: parseWireTime(b.Timestamp),
	}
	for _, lvl := range b.Bids {
		if pl, ok := parseLevel(lvl); ok {
			snap.Bids = append(snap.Bids, pl)
		}
	}
	for _, lvl := range b.Asks {
		if pl, ok := parseLevel(lvl); ok {
			snap.Asks = append(snap.Asks, pl)
		}
	}
	return snap
}

func parseLevel(lvl apiLevel) (domain.PriceLevel, bool) {
	p, err := strconv.ParseFloat(lvl.Price, 64)
	if err != nil {
		return domain.PriceLevel{}, false
	}
	s, err := strconv.ParseFloat(lvl.Size, 64)
	if err != nil {
		return domain.PriceLevel{}, false
	}
	return domain.PriceLevel{Price: p, Size: s}, true
}

// parseWireTime accepts the unix-millisecond strings the CLOB feed sends
// as well as RFC3339, falling back to now so a bad stamp never zeroes a
// snapshot.
func parseWireTime(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms > 1e12 {
			return time.UnixMilli(ms)
		}
		return time.Unix(ms, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// wsEvent is one frame of the market channel. The feed ships full book
// snapshots, incremental level changes, and last-trade prints, sometimes
// batched in a JSON array.
type wsEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`

	// book
	Bids []apiLevel `json:"bids"`
	Asks []apiLevel `json:"asks"`
	Hash string     `json:"hash"`

	// price_change: newer feeds batch changes, older ones inline one.
	Changes []wsChange `json:"changes"`
	Side    string     `json:"side"`
	Price   string     `json:"price"`
	Size    string     `json:"size"`
}

type wsChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

func (e *wsEvent) toSnapshot() domain.BookSnapshot {
	book := apiBook{
		Market:    e.Market,
		AssetID:   e.AssetID,
		Bids:      e.Bids,
		Asks:      e.Asks,
		Timestamp: e.Timestamp,
	}
	return book.toSnapshot()
}

func (e *wsEvent) toPriceChanges() []domain.PriceChange {
	ts := parseWireTime(e.Timestamp)
	if len(e.Changes) == 0 {
		if e.Price == "" {
			return nil
		}
		pc := domain.PriceChange{AssetID: e.AssetID, Side: e.Side, Timestamp: ts}
		pc.Price, _ = strconv.ParseFloat(e.Price, 64)
		pc.Size, _ = strconv.ParseFloat(e.Size, 64)
		return []domain.PriceChange{pc}
	}

	out := make([]domain.PriceChange, 0, len(e.Changes))
	for _, ch := range e.Changes {
		pc := domain.PriceChange{AssetID: e.AssetID, Side: ch.Side, Timestamp: ts}
		var err error
		if pc.Price, err = strconv.ParseFloat(ch.Price, 64); err != nil {
			continue
		}
		pc.Size, _ = strconv.ParseFloat(ch.Size, 64)
		out = append(out, pc)
	}
	return out
}

// wsSubscribe is the market-channel subscription payload.
type wsSubscribe struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}
