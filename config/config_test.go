package config

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWatched = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	testIssuer  = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
)

func validConfig() Configuration {
	return Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/waldo"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Distributor: DistributorConfig{
			WatchedAccount: testWatched,
			TokenIssuer:    testIssuer,
		},
	}
}

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := validConfig()
	cnf.DataSource.Dns = ""
	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = validConfig()
	cnf.Redis.Dns = ""
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = validConfig()
	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.XRPL.Node != DEFAULT_XRPL_NODE {
		t.Errorf("Expected default node %s, got %s", DEFAULT_XRPL_NODE, cnf.XRPL.Node)
	}

	d := cnf.Distributor
	assert.Equal(t, "WLO", d.TokenCode)
	assert.True(t, d.MinimumAmount.Equal(decimal.NewFromInt(10)))
	assert.True(t, d.BaseConversionRate.Equal(decimal.NewFromInt(1000)))
	assert.Len(t, d.BonusTiers, 5)
	assert.Equal(t, 5, d.MaxAttempts)
	assert.Equal(t, "payment:process", cnf.Queue.PaymentQueue)
	assert.Equal(t, 25, cnf.DataSource.MaxOpenConns)
}

func TestValidateDistributor(t *testing.T) {
	cnf := validConfig()
	cnf.Distributor.WatchedAccount = ""
	assert.Error(t, cnf.validateAndAddDefaults(), "watched account is required")

	cnf = validConfig()
	cnf.Distributor.TokenIssuer = "not-an-address"
	assert.Error(t, cnf.validateAndAddDefaults())

	cnf = validConfig()
	cnf.Distributor.BonusTiers = BonusTiers{
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.05")},
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.10")},
	}
	err := cnf.validateAndAddDefaults()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate bonus tier")

	cnf = validConfig()
	cnf.Distributor.BonusTiers = BonusTiers{
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("-0.05")},
	}
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestBonusTiersSortedDescending(t *testing.T) {
	cnf := validConfig()
	cnf.Distributor.BonusTiers = BonusTiers{
		{MinAmount: decimal.NewFromInt(100), BonusRate: decimal.RequireFromString("0.05")},
		{MinAmount: decimal.NewFromInt(2000), BonusRate: decimal.RequireFromString("0.25")},
		{MinAmount: decimal.NewFromInt(500), BonusRate: decimal.RequireFromString("0.15")},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	tiers := cnf.Distributor.BonusTiers
	assert.Equal(t, "2000", tiers[0].MinAmount.String())
	assert.Equal(t, "500", tiers[1].MinAmount.String())
	assert.Equal(t, "100", tiers[2].MinAmount.String())
}

func TestBonusTiersDecode(t *testing.T) {
	var tiers BonusTiers
	require.NoError(t, tiers.Decode("2000:0.25, 1000:0.20"))
	require.Len(t, tiers, 2)
	assert.Equal(t, "0.25", tiers[0].BonusRate.String())
	assert.Equal(t, "1000", tiers[1].MinAmount.String())

	assert.Error(t, tiers.Decode("2000"))
	assert.Error(t, tiers.Decode("abc:0.1"))
	assert.Error(t, tiers.Decode("100:x"))
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "waldo.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := validConfig()
	sampleConfig.ProjectName = "Temp Project"
	data, err := json.Marshal(sampleConfig)
	require.NoError(t, err)
	_, err = tmpFile.Write(data)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	t.Setenv("WALDO_SERVER_PORT", "9090")
	t.Setenv("WALDO_DISTRIBUTOR_MINIMUM_AMOUNT", "25")

	err = loadConfigFromFile(tmpFile.Name())
	require.NoError(t, err)

	loaded, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "Temp Project", loaded.ProjectName)
	assert.Equal(t, "9090", loaded.Server.Port)
	assert.True(t, loaded.Distributor.MinimumAmount.Equal(decimal.NewFromInt(25)))
}

func TestMasked(t *testing.T) {
	cnf := validConfig()
	cnf.Distributor.SigningSeed = "sEdSecret"
	cnf.Server.SecretKey = "key"

	masked := cnf.Masked()
	assert.Equal(t, "********", masked.Distributor.SigningSeed)
	assert.Equal(t, "********", masked.Server.SecretKey)
	assert.Equal(t, "sEdSecret", cnf.Distributor.SigningSeed)
}
