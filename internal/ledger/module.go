package ledger

import (
	"fmt"
	"strings"
)

// Module identifies the product line a weight movement belongs to
type Module uint8

const (
	ModuleInstant Module = iota
	ModuleSavingsPlan
	ModuleReserve
	ModuleUploaded
	ModuleReferral
)

var (
	moduleToName = map[Module]string{
		ModuleInstant:     "instant",
		ModuleSavingsPlan: "savings_plan",
		ModuleReserve:     "reserve",
		ModuleUploaded:    "uploaded",
		ModuleReferral:    "referral",
	}
	nameToModule = map[string]Module{
		"instant":      ModuleInstant,
		"savings_plan": ModuleSavingsPlan,
		"reserve":      ModuleReserve,
		"uploaded":     ModuleUploaded,
		"referral":     ModuleReferral,
	}
)

// Modules returns every module in canonical order.
func Modules() []Module {
	return []Module{ModuleInstant, ModuleSavingsPlan, ModuleReserve, ModuleUploaded, ModuleReferral}
}

// ParseModule maps a wire/storage name to a Module.
func ParseModule(s string) (Module, error) {
	m, ok := nameToModule[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown module %q", ErrInvalidRequest, s)
	}
	return m, nil
}

func (m Module) String() string {
	if name, ok := moduleToName[m]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether m is a known module.
func (m Module) Valid() bool {
	_, ok := moduleToName[m]
	return ok
}

// CreditsHeld reports whether a buy in this module locks the weight
// (savings plans and reserves) instead of making it redeemable.
func (m Module) CreditsHeld() bool {
	return m == ModuleSavingsPlan || m == ModuleReserve
}

// DrawOrder returns the sub-ledger order used when debiting redeemable weight:
// the requested module first, then the rest in canonical order.
func DrawOrder(first Module) []Module {
	order := make([]Module, 0, len(moduleToName))
	order = append(order, first)
	for _, m := range Modules() {
		if m != first {
			order = append(order, m)
		}
	}
	return order
}
