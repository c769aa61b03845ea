package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfiles = `
profiles:
  Satoshi:
    name: Satoshi Bot
    handle: "@satoshi"
    risk_tier: Moderate
    decision_style: contrarian
    speech_style: dry
    account_ref: acct-1
    instruments: [btc, " eth "]
  degen:
    risk_tier: degen
    account_ref: acct-2
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOnce_NormalizesDefinitions(t *testing.T) {
	ld, err := LoadOnce(writeFile(t, sampleProfiles))
	require.NoError(t, err)

	snap := ld.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Profiles, 2)

	sat := snap.Profiles["satoshi"]
	assert.Equal(t, "satoshi", sat.ID)
	assert.Equal(t, "satoshi", sat.Handle)
	assert.Equal(t, "moderate", sat.RiskTier)
	assert.Equal(t, []string{"BTC", "ETH"}, sat.Instruments)

	dg := snap.Profiles["degen"]
	assert.Equal(t, "degen", dg.Name)

	sorted := snap.Sorted()
	assert.Equal(t, "degen", sorted[0].ID)
}

func TestLoadOnce_RejectsUnknownFields(t *testing.T) {
	_, err := LoadOnce(writeFile(t, "profiles:\n  a:\n    account_ref: x\n    leverage_mode: yolo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestLoadOnce_RequiresAccountRef(t *testing.T) {
	_, err := LoadOnce(writeFile(t, "profiles:\n  a:\n    name: A\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_ref")
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	ld, err := LoadOnce(writeFile(t, sampleProfiles))
	require.NoError(t, err)
	snap := ld.Snapshot()
	def := snap.Profiles["satoshi"]
	def.Instruments[0] = "DOGE"
	assert.Equal(t, "BTC", ld.Snapshot().Profiles["satoshi"].Instruments[0])
}
