package mint

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/satoshinuts/mint/cashu/nuts/nut06"
	"github.com/satoshinuts/mint/mint/payment"
)

// LogLevel controls verbosity of the mint's slog output.
type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

// UnitConfig is one currency unit the mint mints/melts for, and the
// derivation it should get an active keyset generated for on first boot.
type UnitConfig struct {
	Unit        string
	InputFeePpk uint
}

// MintInfo is the operator-supplied identity/contact information advertised
// in the NUT-06 GetInfo response.
type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
}

type Config struct {
	MintPath         string
	LogLevel         LogLevel
	Units            []UnitConfig
	Limits           MintLimits
	Backends         *payment.Registry
	MintInfo         MintInfo
	RecoveryInterval time.Duration
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}

// GetConfig reads the ambient mint config from the environment. Backends
// are not configurable through env vars; the caller wires those
// up directly and assigns them to Config.Backends before calling LoadMint.
func GetConfig() Config {
	var inputFeePpk uint = 0
	if inputFeeEnv, ok := os.LookupEnv("INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(inputFeeEnv, 10, 16)
		if err != nil {
			log.Fatalf("invalid INPUT_FEE_PPK: %v", err)
		}
		inputFeePpk = uint(fee)
	}

	unit := os.Getenv("MINT_UNIT")
	if len(unit) == 0 {
		unit = "sat"
	}

	mintLimits := MintLimits{}
	if maxBalanceEnv, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(maxBalanceEnv, 10, 64)
		if err != nil {
			log.Fatalf("invalid MAX_BALANCE: %v", err)
		}
		mintLimits.MaxBalance = maxBalance
	}

	if maxMintEnv, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		maxMint, err := strconv.ParseUint(maxMintEnv, 10, 64)
		if err != nil {
			log.Fatalf("invalid MINTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MintingSettings = MintMethodSettings{MaxAmount: maxMint}
	}

	if maxMeltEnv, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		maxMelt, err := strconv.ParseUint(maxMeltEnv, 10, 64)
		if err != nil {
			log.Fatalf("invalid MELTING_MAX_AMOUNT: %v", err)
		}
		mintLimits.MeltingSettings = MeltMethodSettings{MaxAmount: maxMelt}
	}

	logLevel := Info
	switch os.Getenv("MINT_LOG_LEVEL") {
	case "DEBUG":
		logLevel = Debug
	case "DISABLE":
		logLevel = Disable
	}

	var mintContactInfo []nut06.ContactInfo
	if contact := os.Getenv("MINT_CONTACT_INFO"); len(contact) > 0 {
		var infoArr [][]string
		if err := json.Unmarshal([]byte(contact), &infoArr); err != nil {
			log.Fatalf("error parsing contact info: %v", err)
		}
		for _, info := range infoArr {
			mintContactInfo = append(mintContactInfo, nut06.ContactInfo{Method: info[0], Info: info[1]})
		}
	}

	return Config{
		MintPath: os.Getenv("MINT_PATH"),
		LogLevel: logLevel,
		Units:    []UnitConfig{{Unit: unit, InputFeePpk: inputFeePpk}},
		Limits:   mintLimits,
		MintInfo: MintInfo{
			Name:            os.Getenv("MINT_NAME"),
			Description:     os.Getenv("MINT_DESCRIPTION"),
			LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
			Contact:         mintContactInfo,
			Motd:            os.Getenv("MINT_MOTD"),
		},
		RecoveryInterval: 60 * time.Second,
	}
}
