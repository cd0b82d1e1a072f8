package microrts

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// UnitType describes one entry of the MicroRTS unit-type table, the
// subset of fields the trainer cares about.
type UnitType struct {
	ID        int    `json:"ID"`
	Name      string `json:"name"`
	Cost      int    `json:"cost"`
	HP        int    `json:"hp"`
	MinDamage int    `json:"minDamage"`
	MaxDamage int    `json:"maxDamage"`
}

// UnitTable maps unit-type IDs to their definitions.
type UnitTable map[int]UnitType

// LoadUnitTable reads a MicroRTS unit-type table JSON file, as shipped
// with the game engine.
func LoadUnitTable(path string) (UnitTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read unit table %q", path)
	}
	var parsed struct {
		UnitTypes []UnitType `json:"unitTypes"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse unit table %q", path)
	}
	if len(parsed.UnitTypes) == 0 {
		return nil, errors.Errorf("unit table %q lists no unit types", path)
	}
	table := make(UnitTable, len(parsed.UnitTypes))
	for _, ut := range parsed.UnitTypes {
		table[ut.ID] = ut
	}
	return table, nil
}

// DamageBin buckets a unit's max damage into one of the given
// thresholds, returning the index of the first bin that fits. Used to
// build coarse one-hot attack-power observation channels.
func (t UnitTable) DamageBin(unitTypeID int, bins []int) int {
	ut, ok := t[unitTypeID]
	if !ok {
		return 0
	}
	for i, threshold := range bins {
		if ut.MaxDamage <= threshold {
			return i
		}
	}
	return len(bins) - 1
}
