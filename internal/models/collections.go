package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownCollection is returned when a name matches no collection or alias.
var ErrUnknownCollection = errors.New("unrecognized EODMS collection")

// Column names shared by every collection after normalization.
const (
	ColumnRecordID = "EODMS RecordId"
	ColumnGranule  = "Granule"
)

// Query argument names accepted by the query builder.
const (
	ArgStart              = "start"
	ArgEnd                = "end"
	ArgGeometry           = "geometry"
	ArgProductType        = "product-type"
	ArgBeamMode           = "beam-mode"
	ArgMnemonic           = "mnemonic"
	ArgProductFormat      = "product-format"
	ArgLookDirection      = "look-direction"
	ArgPolarization       = "polarization"
	ArgIncidenceAngle     = "incidence-angle"
	ArgIncidenceAngleLow  = "incidence-angle-low"
	ArgIncidenceAngleHigh = "incidence-angle-high"
	ArgOrbitDirection     = "orbit-direction"
	ArgAbsoluteOrbit      = "absolute-orbit"
	ArgRelativeOrbit      = "relative-orbit"
	ArgDownlinkSegment    = "downlink-segment"
	ArgCloudCover         = "cloud-cover"
	ArgRollNumber         = "roll-number"
	ArgPhotoNumber        = "photo-number"
)

// Query families decide how collection specific clauses are rendered.
const (
	FamilyRCM    = "RCM"
	FamilyRSAT2  = "RSAT2"
	FamilyRSAT1  = "RSAT1"
	FamilyPlanet = "PLANET"
	FamilyNAPL   = "NAPL"
)

// QueryArg describes one query argument a collection supports.
type QueryArg struct {
	Name        string
	Description string
}

// Collection is an entry of the collection strategy table.
type Collection struct {
	ID              string
	Aliases         []string
	Family          string
	DefaultPageSize int
	QueryArgs       []QueryArg
	MetaKeys        []string
	Renames         map[string]string
	DateColumns     []string
	// SwapStartEnd marks catalogs whose start and end columns come back reversed.
	SwapStartEnd bool
	// UUIDField names the metadata entry whose last path segment is the item UUID.
	UUIDField string
}

// SupportsArg reports whether name is a query argument of the collection.
func (c Collection) SupportsArg(name string) bool {
	for _, a := range c.QueryArgs {
		if a.Name == name {
			return true
		}
	}
	return false
}

func (c Collection) String() string { return c.ID }

var commonArgs = []QueryArg{
	{ArgStart, "start time (UTC) of query temporal window"},
	{ArgEnd, "end time (UTC) of query temporal window"},
	{ArgGeometry, "path to vector geometry file (GeoJSON or WKT)"},
	{ArgProductType, `product type (e.g. "SLC", "GRD")`},
}

var incidenceArgs = []QueryArg{
	{ArgIncidenceAngle, "exact SAR incidence angle"},
	{ArgIncidenceAngleLow, "lower bound for SAR incidence angle"},
	{ArgIncidenceAngleHigh, "upper bound for SAR incidence angle"},
}

func withArgs(groups ...[]QueryArg) []QueryArg {
	var out []QueryArg
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

var sarDateColumns = []string{"Start Date", "End Date"}

var collectionTable = []Collection{
	{
		ID:              "RCMImageProducts",
		Aliases:         []string{"RCM"},
		Family:          FamilyRCM,
		DefaultPageSize: 150,
		QueryArgs: withArgs(commonArgs, []QueryArg{
			{ArgBeamMode, `SAR beam mode (e.g. "Low Resolution 100m")`},
			{ArgMnemonic, `SAR beam mode mnemonic (e.g. "SC100MA")`},
			{ArgProductFormat, `data format (e.g. "GeoTIFF")`},
			{ArgLookDirection, `antenna look direction ("Left", "Right")`},
			{ArgPolarization, `SAR polarization (e.g. "HH", "HH/HV")`},
		}, incidenceArgs, []QueryArg{
			{ArgOrbitDirection, `orbit direction ("Ascending", "Descending")`},
			{ArgAbsoluteOrbit, "absolute orbit number"},
			{ArgRelativeOrbit, "relative orbit number"},
			{ArgDownlinkSegment, "RCM downlink segment id"},
		}),
		MetaKeys: []string{
			"recordId", "title", "Acquisition Start Date", "Acquisition End Date", "Satellite ID",
			"Beam Mnemonic", "Beam Mode Type", "Beam Mode Description", "Beam Mode Version",
			"Spatial Resolution", "Polarization Data Mode", "Polarization",
			"Polarization in Product", "Number of Azimuth Looks", "Number of Range Looks",
			"Incidence Angle (Low)", "Incidence Angle (High)", "Orbit Direction", "LUT Applied",
			"Product Format", "Product Type", "Product Ellipsoid", "Sample Type",
			"Sampled Pixel Spacing", "Data Type", "SIP Size (MB)", "Relative Orbit", "Absolute Orbit",
			"Orbit Data Source",
		},
		Renames:     map[string]string{"recordId": ColumnRecordID, "title": ColumnGranule},
		DateColumns: []string{"Acquisition Start Date", "Acquisition End Date"},
		UUIDField:   "Metadata Full Name",
	},
	{
		ID:              "Radarsat2",
		Aliases:         []string{"RS2", "RADARSAT-2"},
		Family:          FamilyRSAT2,
		DefaultPageSize: 1000,
		QueryArgs: withArgs(commonArgs, []QueryArg{
			{ArgBeamMode, `SAR beam mode (e.g. "ScanSAR Wide")`},
			{ArgMnemonic, `SAR beam mode mnemonic (e.g. "SCWA")`},
			{ArgProductFormat, `data format (e.g. "GeoTIFF")`},
			{ArgLookDirection, `antenna look direction ("Left", "Right")`},
		}, incidenceArgs, []QueryArg{
			{ArgOrbitDirection, `orbit direction ("Ascending", "Descending")`},
			{ArgAbsoluteOrbit, "absolute orbit number"},
			{ArgRelativeOrbit, "relative orbit number"},
		}),
		MetaKeys: []string{
			"Sequence Id", "Supplier Order Number", "Start Date", "End Date", "Position", "Sensor", "Sensor Mode",
			"Beam", "Polarization", "Look Orientation", "Incidence Angle (Low)",
			"Incidence Angle (High)", "Orbit Direction", "Absolute Orbit", "LUT Applied",
			"Product Format", "Product Type", "Spatial Resolution", "SIP Size (MB)",
		},
		Renames:     map[string]string{"Sequence Id": ColumnRecordID, "Supplier Order Number": ColumnGranule},
		DateColumns: sarDateColumns,
	},
	{
		ID:              "Radarsat1",
		Aliases:         []string{"RS1", "RADARSAT", "RADARSAT-1"},
		Family:          FamilyRSAT1,
		DefaultPageSize: 1000,
		QueryArgs: withArgs(commonArgs, []QueryArg{
			{ArgMnemonic, `SAR beam mode mnemonic (e.g. "SCWA")`},
			{ArgLookDirection, `antenna look direction ("Left", "Right")`},
		}, incidenceArgs, []QueryArg{
			{ArgOrbitDirection, `orbit direction ("Ascending", "Descending")`},
			{ArgAbsoluteOrbit, "absolute orbit number"},
		}),
		MetaKeys: []string{
			"Sequence Id", "Product Id", "Start Date", "End Date", "Position", "Sensor", "Sensor Mode",
			"Beam", "Polarization", "Look Orientation", "Incidence Angle (Low)",
			"Incidence Angle (High)", "Orbit Direction", "Absolute Orbit", "LUT Applied",
			"Product Format", "Product Type", "Spatial Resolution", "SIP Size (MB)",
		},
		Renames:      map[string]string{"Sequence Id": ColumnRecordID, "Product Id": ColumnGranule},
		DateColumns:  sarDateColumns,
		SwapStartEnd: true,
	},
	{
		ID:              "PlanetScope",
		Aliases:         []string{"PLANET"},
		Family:          FamilyPlanet,
		DefaultPageSize: 1000,
		QueryArgs: withArgs(commonArgs, []QueryArg{
			{ArgCloudCover, "maximum allowable percent cloud cover"},
			{ArgIncidenceAngleLow, "lower bound for incidence angle"},
			{ArgIncidenceAngleHigh, "upper bound for incidence angle"},
		}),
		MetaKeys: []string{
			"Sequence Id", "Title", "Start Date", "End Date", "Beam", "Cloud Cover", "Product Format",
			"Product Type", "Sun Azimuth Angle", "Sun Elevation Angle", "SIP Size (MB)",
		},
		Renames:     map[string]string{"Sequence Id": ColumnRecordID, "Title": ColumnGranule},
		DateColumns: sarDateColumns,
	},
	{
		ID:              "NAPL",
		Family:          FamilyNAPL,
		DefaultPageSize: 1000,
		QueryArgs: withArgs(commonArgs[:3], []QueryArg{
			{ArgRollNumber, `air photo roll number (e.g. "A28523")`},
			{ArgPhotoNumber, `air photo number (e.g. "0016", "%%16")`},
		}),
		MetaKeys: []string{
			"Sequence Id", "Start Date", "End Date", "Roll Number", "Line Number", "Photo Number", "Area", "Scale",
			"NTS Map", "Altitude", "Viewing Angle", "Incidence Angle (Low)", "Incidence Angle (High)", "Overlap",
			"Sensor Mode", "Frame Start", "Frame End", "Camera Name/Number", "Lens Name/Number", "Film Size",
			"Focal Length (mm)", "SIP Size (MB)",
		},
		Renames:     map[string]string{"Sequence Id": ColumnRecordID, "Title": ColumnGranule},
		DateColumns: sarDateColumns,
	},
}

// Collections returns every supported collection, sorted by id.
func Collections() []Collection {
	out := make([]Collection, len(collectionTable))
	copy(out, collectionTable)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupCollection resolves a collection id or alias, case-insensitively.
func LookupCollection(name string) (Collection, error) {
	needle := strings.TrimSpace(name)
	for _, c := range collectionTable {
		if strings.EqualFold(c.ID, needle) {
			return c, nil
		}
		for _, alias := range c.Aliases {
			if strings.EqualFold(alias, needle) {
				return c, nil
			}
		}
	}
	return Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
}
