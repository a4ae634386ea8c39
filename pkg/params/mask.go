package params

import "strings"

// ChangeMask names the parameter groups that changed since the last render.
type ChangeMask uint32

const (
	WhiteBalanceChanged ChangeMask = 1 << iota
	ExposureChanged
	CropChanged
	ResizeChanged
	TransformChanged
	ColorManagementChanged

	AllChanged = WhiteBalanceChanged | ExposureChanged | CropChanged |
		ResizeChanged | TransformChanged | ColorManagementChanged
)

var maskNames = []struct {
	m    ChangeMask
	name string
}{
	{WhiteBalanceChanged, "WhiteBalance"},
	{ExposureChanged, "Exposure"},
	{CropChanged, "Crop"},
	{ResizeChanged, "Resize"},
	{TransformChanged, "Transform"},
	{ColorManagementChanged, "ColorManagement"},
}

// Has reports whether any bit of o is set in m.
func (m ChangeMask) Has(o ChangeMask) bool {
	return m&o != 0
}

// Geometry reports whether the change invalidates the cached geometry.
func (m ChangeMask) Geometry() bool {
	return m.Has(CropChanged | ResizeChanged | TransformChanged)
}

func (m ChangeMask) String() string {
	if m == 0 {
		return "None"
	}
	if m&AllChanged == AllChanged {
		return "All"
	}
	var parts []string
	for _, n := range maskNames {
		if m.Has(n.m) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
