package spatial

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrUnknownDepartment means a department code has no shape in the loaded
// FeatureCollection.
var ErrUnknownDepartment = errors.New("unknown department")

// DepartmentInfo is one entry of the department selector.
type DepartmentInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Departments indexes the departments FeatureCollection by code. Features are
// kept as raw JSON and passed to the browser untouched; the service never
// interprets geometry.
type Departments struct {
	byCode map[string]json.RawMessage
	list   []DepartmentInfo
}

type featureCollection struct {
	Features []json.RawMessage `json:"features"`
}

type featureProperties struct {
	Properties struct {
		Code string `json:"code"`
		Nom  string `json:"nom"`
	} `json:"properties"`
}

// LoadDepartments reads and parses the departments GeoJSON file.
func LoadDepartments(path string) (*Departments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read departments file: %w", err)
	}
	return ParseDepartments(data)
}

// ParseDepartments parses a departments FeatureCollection. Features without a
// code property are skipped.
func ParseDepartments(data []byte) (*Departments, error) {
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse departments geojson: %w", err)
	}

	d := &Departments{byCode: make(map[string]json.RawMessage, len(fc.Features))}
	for _, raw := range fc.Features {
		var props featureProperties
		if err := json.Unmarshal(raw, &props); err != nil {
			continue
		}
		code := props.Properties.Code
		if code == "" {
			continue
		}
		d.byCode[code] = raw
		d.list = append(d.list, DepartmentInfo{Code: code, Name: props.Properties.Nom})
	}

	sort.Slice(d.list, func(i, j int) bool { return d.list[i].Code < d.list[j].Code })
	return d, nil
}

// EmptyDepartments returns an index with no shapes, used when no shape file
// is configured. List is empty and every Shape lookup fails.
func EmptyDepartments() *Departments {
	return &Departments{byCode: make(map[string]json.RawMessage)}
}

// List returns the known departments sorted by code.
func (d *Departments) List() []DepartmentInfo {
	out := make([]DepartmentInfo, len(d.list))
	copy(out, d.list)
	return out
}

// Shape returns the raw GeoJSON feature for a department code.
func (d *Departments) Shape(code string) (json.RawMessage, error) {
	raw, ok := d.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDepartment, code)
	}
	return raw, nil
}

// Len returns the number of indexed departments.
func (d *Departments) Len() int { return len(d.byCode) }
