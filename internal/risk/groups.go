package risk

// Quota groups bucket instruments that move together, so one user cannot
// stack the same macro exposure several times under different tickers.
const (
	GroupBTCHigh  = "BTC_HIGH"
	GroupAltMajor = "ALT_MAJOR"
	GroupDefi     = "DEFI"
	GroupMeme     = "MEME"
	GroupOther    = "OTHER"
)

var symbolGroups = map[string]string{
	"BTCUSDT": GroupBTCHigh,
	"ETHUSDT": GroupBTCHigh,
	"BNBUSDT": GroupBTCHigh,
	"SOLUSDT": GroupBTCHigh,

	"XRPUSDT":   GroupAltMajor,
	"ADAUSDT":   GroupAltMajor,
	"AVAXUSDT":  GroupAltMajor,
	"DOTUSDT":   GroupAltMajor,
	"LTCUSDT":   GroupAltMajor,
	"MATICUSDT": GroupAltMajor,
	"NEARUSDT":  GroupAltMajor,
	"ATOMUSDT":  GroupAltMajor,

	"LINKUSDT": GroupDefi,
	"UNIUSDT":  GroupDefi,
	"AAVEUSDT": GroupDefi,
	"CRVUSDT":  GroupDefi,
	"COMPUSDT": GroupDefi,

	"DOGEUSDT":     GroupMeme,
	"SHIBUSDT":     GroupMeme,
	"PEPEUSDT":     GroupMeme,
	"1000PEPEUSDT": GroupMeme,
	"WIFUSDT":      GroupMeme,
}

// GroupFor returns the quota group for a symbol, GroupOther when unmapped
func GroupFor(symbol string) string {
	if g, ok := symbolGroups[symbol]; ok {
		return g
	}
	return GroupOther
}
