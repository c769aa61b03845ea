package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Symbol{Base: "BTC", Quote: "USDT"}, Parse("btc/usdt"))
	assert.Equal(t, Symbol{Base: "ETH", Quote: "USD"}, Parse("ETH-USD"))
	assert.Equal(t, Symbol{Base: "BTC", Quote: "USDT"}, Parse("BTC/USDT:USDT"))
	assert.Equal(t, Symbol{Base: "DOGE", Quote: "USDT"}, Parse("DOGEUSDT"))
	assert.Equal(t, Symbol{Base: "USD"}, Parse("USD"))
	assert.Equal(t, Symbol{}, Parse("  "))
}

func TestConversions(t *testing.T) {
	assert.Equal(t, "SOL", Base(" sol "))
	assert.Equal(t, "BTC", Base("BTCUSDT"))
	assert.Equal(t, "BTCUSDT", Binance("btc"))
	assert.Equal(t, "ETHUSDC", Binance("ETH/USDC"))
	assert.Equal(t, "BTC/USDT", Parse("BTCUSDT").Internal())
}

func TestNormalizeList(t *testing.T) {
	got := NormalizeList([]string{"btc", "BTCUSDT", "", "eth/usdt"}, Binance)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got)
	assert.Nil(t, NormalizeList(nil, Base))
}
