// Package pricing evaluates host-authored pricing rules against a booking.
package pricing

import (
	"sort"
	"strings"

	"github.com/cowork-market/tariff/internal/domain"
)

// DurationUnit maps a derived variable to the number of hours in one unit.
type DurationUnit struct {
	Key          string
	HoursPerUnit float64
}

// DurationUnits are always present in a resolved table, derived from the
// booking length in hours.
var DurationUnits = []DurationUnit{
	{Key: "booking_hours", HoursPerUnit: 1},
	{Key: "booking_days", HoursPerUnit: 24},
	{Key: "booking_weeks", HoursPerUnit: 168},
	{Key: "booking_months", HoursPerUnit: 720},
}

// Well-known override keys supplied by the booking flow.
const (
	VarGuestCount      = "guest_count"
	VarAreaMaxCapacity = "area_max_capacity"
	VarAreaMinCapacity = "area_min_capacity"
)

// NormalizeKey trims and lower-cases a variable key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Table is the resolved variable table for one evaluation. It is immutable
// once built.
type Table struct {
	values map[string]float64
}

// Resolve builds the variable table: declared defaults first, then derived
// duration variables, then runtime overrides. Later layers win.
func Resolve(vars []domain.VariableDefinition, ctx domain.EvaluationContext) Table {
	values := make(map[string]float64, len(vars)+len(DurationUnits)+len(ctx.VariableOverrides))

	for _, v := range vars {
		values[NormalizeKey(v.Key)] = v.DefaultValue
	}

	for _, unit := range DurationUnits {
		values[unit.Key] = ctx.BookingHours / unit.HoursPerUnit
	}

	// Sorted so that overrides colliding after normalization resolve the
	// same way on every call.
	keys := make([]string, 0, len(ctx.VariableOverrides))
	for k := range ctx.VariableOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values[NormalizeKey(k)] = ctx.VariableOverrides[k]
	}

	return Table{values: values}
}

// Lookup returns the value for key. ok is false when the key is unresolved.
func (t Table) Lookup(key string) (float64, bool) {
	v, ok := t.values[NormalizeKey(key)]
	return v, ok
}

// Len returns the number of resolved variables.
func (t Table) Len() int {
	return len(t.values)
}

// Map returns a copy of the table.
func (t Table) Map() map[string]float64 {
	out := make(map[string]float64, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}
