// Package workbook reads grids of cells and named ranges from YAML or TOML
// files and loads them into a store and engine.
package workbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vogtb/go-spreadsheet/packages/recalc"
)

// Workbook is the file representation of a grid. cell keys are A1 style
// references; values are raw cell text, formulas starting with '='.
type Workbook struct {
	Cells map[string]string `yaml:"cells" toml:"cells"`
	Names map[string]string `yaml:"names" toml:"names"`
}

// Load reads a workbook file. .toml files are decoded as TOML, anything
// else as YAML.
func Load(path string) (*Workbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes workbook data. ext selects the format the way Load does.
func Parse(data []byte, ext string) (*Workbook, error) {
	wb := &Workbook{}
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(string(data), wb); err != nil {
			return nil, fmt.Errorf("decode toml workbook: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, wb); err != nil {
			return nil, fmt.Errorf("decode yaml workbook: %w", err)
		}
	}
	if wb.Cells == nil {
		wb.Cells = make(map[string]string)
	}
	if wb.Names == nil {
		wb.Names = make(map[string]string)
	}
	if err := wb.Validate(); err != nil {
		return nil, err
	}
	return wb, nil
}

// Validate checks every cell key and named range
func (wb *Workbook) Validate() error {
	var errs []error
	for key := range wb.Cells {
		if _, err := recalc.ParseCellID(key); err != nil {
			errs = append(errs, fmt.Errorf("cell %q: %w", key, err))
		}
	}
	for name, ref := range wb.Names {
		if err := recalc.ValidateName(name); err != nil {
			errs = append(errs, fmt.Errorf("name %q: %w", name, err))
		}
		if _, err := recalc.ParseRangeRef(ref); err != nil {
			errs = append(errs, fmt.Errorf("name %q: %w", name, err))
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// CellIDs returns the canonical ids of the cells, in row-major order
func (wb *Workbook) CellIDs() []recalc.CellID {
	ids := make([]recalc.CellID, 0, len(wb.Cells))
	for key := range wb.Cells {
		if id, err := recalc.ParseCellID(key); err == nil {
			ids = append(ids, id)
		}
	}
	sortCells(ids)
	return ids
}

// Raw returns the raw text of a cell, looked up by canonical id
func (wb *Workbook) Raw(id recalc.CellID) (string, bool) {
	for key, raw := range wb.Cells {
		if canonical, err := recalc.ParseCellID(key); err == nil && canonical == id {
			return raw, true
		}
	}
	return "", false
}

// canonical maps canonical ids to raw text
func (wb *Workbook) canonical() map[recalc.CellID]string {
	cells := make(map[recalc.CellID]string, len(wb.Cells))
	for key, raw := range wb.Cells {
		if id, err := recalc.ParseCellID(key); err == nil {
			cells[id] = raw
		}
	}
	return cells
}

// Apply defines the names of the workbook on the engine and writes its
// cells into the store
func (wb *Workbook) Apply(store *recalc.MemoryStore, engine *recalc.Engine) error {
	names := make([]string, 0, len(wb.Names))
	for name := range wb.Names {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := engine.DefineName(name, wb.Names[name]); err != nil {
			return fmt.Errorf("define %s: %w", name, err)
		}
	}

	for id, raw := range wb.canonical() {
		if err := store.Set(id, raw); err != nil {
			return fmt.Errorf("set %s: %w", id, err)
		}
	}
	return nil
}

// NamesEqual reports whether two workbooks define the same names
func NamesEqual(old, updated *Workbook) bool {
	if len(old.Names) != len(updated.Names) {
		return false
	}
	for name, ref := range old.Names {
		if other, exists := updated.Names[name]; !exists || !strings.EqualFold(other, ref) {
			return false
		}
	}
	return true
}

// Diff returns the cells whose raw text differs between two workbooks,
// including cells present in only one of them, in row-major order
func Diff(old, updated *Workbook) []recalc.CellID {
	before := old.canonical()
	after := updated.canonical()

	var changed []recalc.CellID
	for id, raw := range before {
		if next, exists := after[id]; !exists || next != raw {
			changed = append(changed, id)
		}
	}
	for id := range after {
		if _, exists := before[id]; !exists {
			changed = append(changed, id)
		}
	}
	sortCells(changed)
	return changed
}

func sortCells(ids []recalc.CellID) {
	sort.Slice(ids, func(i, j int) bool {
		a, _ := ids[i].Address()
		b, _ := ids[j].Address()
		return a.Less(b)
	})
}
