package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/types"
)

// componentRule captures which server generations a component type applies
// to and which components must be current before it is applied.
type componentRule struct {
	generations   []types.Generation
	prerequisites []string
}

// compatTable is keyed by canonical component type. Unknown component
// types are allowed on every generation with no prerequisites.
var compatTable = map[string]componentRule{
	"BIOS": {
		generations: allGenerations(),
	},
	"iDRAC": {
		generations: allGenerations(),
	},
	"LifecycleController": {
		generations:   []types.Generation{types.Gen11G, types.Gen12G, types.Gen13G},
		prerequisites: []string{"iDRAC"},
	},
	"PERC": {
		generations:   allGenerations(),
		prerequisites: []string{"BIOS"},
	},
	"NIC": {
		generations: allGenerations(),
	},
	"PSU": {
		generations: []types.Generation{types.Gen13G, types.Gen14G, types.Gen15G, types.Gen16G},
	},
	"CPLD": {
		generations:   []types.Generation{types.Gen14G, types.Gen15G, types.Gen16G},
		prerequisites: []string{"iDRAC"},
	},
}

func allGenerations() []types.Generation {
	return []types.Generation{
		types.Gen11G, types.Gen12G, types.Gen13G,
		types.Gen14G, types.Gen15G, types.Gen16G,
	}
}

// updateOrder fixes the apply sequence for component types that have a
// required position. Anything absent from this map sorts after these,
// lexicographically.
var updateOrder = map[string]int{
	"BIOS":                0,
	"LifecycleController": 1,
	"iDRAC":               2,
}

// canonicalType maps case-insensitive input to the table's spelling.
func canonicalType(componentType string) string {
	for k := range compatTable {
		if strings.EqualFold(k, componentType) {
			return k
		}
	}
	for k := range updateOrder {
		if strings.EqualFold(k, componentType) {
			return k
		}
	}
	return componentType
}

// ValidateCompatibility rejects component types that do not apply to the
// host's generation. Unknown generations pass; detection may have failed
// while the update is still legitimate.
func ValidateCompatibility(componentType string, gen types.Generation) error {
	rule, ok := compatTable[canonicalType(componentType)]
	if !ok {
		return nil
	}
	if gen == types.GenerationUnknown {
		return nil
	}
	for _, g := range rule.generations {
		if g == gen {
			return nil
		}
	}
	return errkind.New(errkind.Validation,
		fmt.Sprintf("component %s does not apply to generation %s", componentType, gen))
}

// Prerequisites returns the component types that must be applied before
// the given one, in apply order.
func Prerequisites(componentType string) []string {
	rule, ok := compatTable[canonicalType(componentType)]
	if !ok {
		return nil
	}
	return append([]string(nil), rule.prerequisites...)
}

// SortUpdateOrder orders component types for a safe apply sequence:
// BIOS first, then LifecycleController, then iDRAC, then everything else
// lexicographically. The input slice is not modified.
func SortUpdateOrder(componentTypes []string) []string {
	out := append([]string(nil), componentTypes...)
	sort.SliceStable(out, func(i, j int) bool {
		oi, iok := updateOrder[canonicalType(out[i])]
		oj, jok := updateOrder[canonicalType(out[j])]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}
