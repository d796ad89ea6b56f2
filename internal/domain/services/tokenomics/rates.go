package tokenomics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
)

// BpsBase is 100% expressed in basis points.
const BpsBase = 10000

// DefaultTxType is the fallback key used when a transaction type has no
// explicit rate.
const DefaultTxType = "default"

// RateTable is an immutable set of burn and treasury rates keyed by
// transaction type. Build one with NewRateTable and never mutate it; a
// Registry swaps whole tables.
type RateTable struct {
	version  string
	burn     map[string]int
	treasury map[string]int
}

// NewRateTable copies the given maps and derives a content version. It does
// not reject invalid rates: Validate reports them and Resolve refuses to hand
// them out.
func NewRateTable(burnBps, treasuryBps map[string]int) *RateTable {
	t := &RateTable{
		burn:     copyRates(burnBps),
		treasury: copyRates(treasuryBps),
	}
	t.version = t.hash()
	return t
}

// Version identifies the table contents.
func (t *RateTable) Version() string { return t.version }

// TxTypes lists every transaction type with an explicit rate.
func (t *RateTable) TxTypes() []string {
	seen := make(map[string]struct{})
	for k := range t.burn {
		seen[k] = struct{}{}
	}
	for k := range t.treasury {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks every entry and every resolvable tx type.
func (t *RateTable) Validate() error {
	var problems []string
	for _, txType := range t.TxTypes() {
		if _, err := t.Resolve(txType); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return domainerrors.ConfigurationError("invalid rate table %s: %s", t.version, strings.Join(problems, "; "))
	}
	return nil
}

// Resolve returns the rates applying to txType, falling back to the default
// entry per table.
func (t *RateTable) Resolve(txType string) (entities.RateTableSnapshot, error) {
	burn, ok := lookup(t.burn, txType)
	if !ok {
		return entities.RateTableSnapshot{}, domainerrors.ConfigurationError("no burn rate for tx type %q and no default", txType)
	}
	treasury, ok := lookup(t.treasury, txType)
	if !ok {
		return entities.RateTableSnapshot{}, domainerrors.ConfigurationError("no treasury rate for tx type %q and no default", txType)
	}
	if burn < 0 || burn > BpsBase {
		return entities.RateTableSnapshot{}, domainerrors.ConfigurationError("burn bps %d for %q outside [0,%d]", burn, txType, BpsBase)
	}
	if treasury < 0 || treasury > BpsBase {
		return entities.RateTableSnapshot{}, domainerrors.ConfigurationError("treasury bps %d for %q outside [0,%d]", treasury, txType, BpsBase)
	}
	if burn+treasury > BpsBase {
		return entities.RateTableSnapshot{}, domainerrors.ConfigurationError("burn %d + treasury %d bps for %q exceed %d", burn, treasury, txType, BpsBase)
	}
	return entities.RateTableSnapshot{
		Version:     t.version,
		TxType:      txType,
		BurnBps:     uint32(burn),
		TreasuryBps: uint32(treasury),
	}, nil
}

func lookup(rates map[string]int, txType string) (int, bool) {
	if v, ok := rates[txType]; ok {
		return v, true
	}
	v, ok := rates[DefaultTxType]
	return v, ok
}

func (t *RateTable) hash() string {
	h := sha256.New()
	for _, part := range []struct {
		name  string
		rates map[string]int
	}{{"burn", t.burn}, {"treasury", t.treasury}} {
		keys := make([]string, 0, len(part.rates))
		for k := range part.rates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s:%s=%d;", part.name, k, part.rates[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func copyRates(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
