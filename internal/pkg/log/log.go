/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package log

import (
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// Constants defined for the different log levels
const (
	INFO     = "info"
	WARNING  = "warning"
	DEBUG    = "debug"
	ERROR    = "error"
	FATAL    = "fatal"
	CRITICAL = "critical"
)

var levels = map[string]int{
	INFO:     log.LevelInfo,
	WARNING:  log.LevelWarning,
	DEBUG:    log.LevelDebug,
	ERROR:    log.LevelError,
	CRITICAL: log.LevelCritical,
	FATAL:    log.LevelFatal,
}

// ParseLevel returns the cfssl level named by logLevel. An empty name is info.
func ParseLevel(logLevel string) (int, error) {
	name := strings.ToLower(strings.TrimSpace(logLevel))
	if name == "" {
		return log.LevelInfo, nil
	}
	level, ok := levels[name]
	if !ok {
		return log.LevelInfo, errors.Errorf("Unrecognized log level '%s'", logLevel)
	}
	return level, nil
}

// SetDefaultLogLevel sets the log level, letting debug win over logLevel.
// Unknown levels fall back to info.
func SetDefaultLogLevel(logLevel string, debug bool) {
	if debug {
		logLevel = DEBUG
	}
	level, err := ParseLevel(logLevel)
	if err != nil {
		log.Debugf("%s, defaulting to 'info'", err)
	}
	log.Level = level
}

// SetLogLevel sets the log level. Setting both a level and debug is an
// error, as is an unknown level.
func SetLogLevel(logLevel string, debug bool) error {
	if debug {
		if logLevel != "" && !strings.EqualFold(logLevel, DEBUG) {
			return errors.Errorf("Can't specify log level '%s' and set debug to true at the same time", logLevel)
		}
		logLevel = DEBUG
	}
	level, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.Level = level
	log.Debug("Set log level: ", logLevel)
	return nil
}
