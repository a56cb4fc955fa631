/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package metadata

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SchemaLevel is the level of the persisted revocation state written by this
// build. It is incremented each time a change requires store migration.
const SchemaLevel = 1

// Version specifies the revocation-server version
// It is defined by the Makefile and passed in with ldflags
var Version = "1.0.0"

// GetVersionInfo returns version information for the revocation-server
func GetVersionInfo(prgName string) string {
	if Version == "" {
		Version = "development build"
	}

	return fmt.Sprintf("%s:\n Version: %s\n Schema level: %d\n Go version: %s\n OS/Arch: %s\n",
		prgName, Version, SchemaLevel, runtime.Version(),
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}

// GetVersion returns the version
func GetVersion() string {
	if Version == "" {
		panic("Version is not set for fabric-revocation library")
	}
	return Version
}

// Mapping of versions to schema levels.
// NOTE: Append new versions to this array if migration is required.
var versionToSchemaLevel = []struct {
	version string
	level   int
}{
	{version: "0", level: 0},
	{version: "1.0.0", level: 1},
}

// GetSchemaLevel returns the schema level written by a particular version
func GetSchemaLevel(version string) (int, error) {
	for i := len(versionToSchemaLevel) - 1; i >= 0; i-- {
		vl := versionToSchemaLevel[i]
		cmp, err := CmpVersion(vl.version, version)
		if err != nil {
			return 0, err
		}
		if cmp >= 0 {
			return vl.level, nil
		}
	}
	return 0, nil
}

// CmpVersion compares version v1 to v2.
// Return 0 if equal, 1 if v2 > v1, or -1 if v2 < v1.
func CmpVersion(v1, v2 string) (int, error) {
	v1strs := strs(v1)
	v2strs := strs(v2)
	m := len(v1strs)
	if len(v2strs) > m {
		m = len(v2strs)
	}
	for i := 0; i < m; i++ {
		v1val, err := val(v1strs, i)
		if err != nil {
			return 0, errors.WithMessagef(err, "Invalid version: '%s'", v1)
		}
		v2val, err := val(v2strs, i)
		if err != nil {
			return 0, errors.WithMessagef(err, "Invalid version: '%s'", v2)
		}
		if v1val < v2val {
			return 1, nil
		} else if v1val > v2val {
			return -1, nil
		}
	}
	return 0, nil
}

func strs(version string) []string {
	return strings.Split(strings.Split(version, "-")[0], ".")
}

func val(strs []string, i int) (int, error) {
	if i >= len(strs) {
		return 0, nil
	}
	v, err := strconv.Atoi(strs[i])
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid version format at '%s'", strs[i])
	}
	return v, nil
}
