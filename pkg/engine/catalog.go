package engine

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CatalogRef is a parsed "name:version" catalog reference.
type CatalogRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// String formats the reference as "name:version".
func (r CatalogRef) String() string {
	return r.Name + ":" + r.Version
}

// ParseCatalogRef parses a "name:version" reference. The reference must
// contain exactly one colon with non-empty text on both sides.
func ParseCatalogRef(ref string) (CatalogRef, error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CatalogRef{}, NewPermanentError(
			fmt.Sprintf("malformed catalog reference %q: expected name:version", ref), nil).
			WithCode(ErrCodeMalformedCatalogRef).
			WithDetail("reference", ref)
	}
	return CatalogRef{Name: parts[0], Version: parts[1]}, nil
}

// CatalogChange describes a catalog reference rewrite of one live node.
type CatalogChange struct {
	OldName    string `json:"oldName" yaml:"oldName"`
	OldVersion string `json:"oldVersion" yaml:"oldVersion"`
	NewName    string `json:"newName" yaml:"newName"`
	NewVersion string `json:"newVersion" yaml:"newVersion"`
}

// Old returns the reference before the change.
func (c CatalogChange) Old() CatalogRef {
	return CatalogRef{Name: c.OldName, Version: c.OldVersion}
}

// New returns the reference after the change.
func (c CatalogChange) New() CatalogRef {
	return CatalogRef{Name: c.NewName, Version: c.NewVersion}
}

// Renamed reports whether the catalog item name changes.
func (c CatalogChange) Renamed() bool {
	return c.OldName != c.NewName
}

// Direction classifies the version change.
func (c CatalogChange) Direction() VersionDirection {
	return CompareVersions(c.OldVersion, c.NewVersion)
}

// VersionDirection classifies a version change.
type VersionDirection string

const (
	// VersionUpgrade indicates the new version sorts after the old one.
	VersionUpgrade VersionDirection = "upgrade"

	// VersionDowngrade indicates the new version sorts before the old one.
	VersionDowngrade VersionDirection = "downgrade"

	// VersionSame indicates both versions are semantically equal.
	VersionSame VersionDirection = "same"

	// VersionUnknown indicates at least one side is not a semantic version.
	VersionUnknown VersionDirection = "unknown"
)

// CompareVersions compares two catalog versions. Parsing is lenient, so
// "1" and "1.2" are accepted; anything else yields VersionUnknown.
func CompareVersions(oldVersion, newVersion string) VersionDirection {
	ov, err := semver.NewVersion(oldVersion)
	if err != nil {
		return VersionUnknown
	}
	nv, err := semver.NewVersion(newVersion)
	if err != nil {
		return VersionUnknown
	}
	switch ov.Compare(nv) {
	case -1:
		return VersionUpgrade
	case 1:
		return VersionDowngrade
	default:
		return VersionSame
	}
}
