/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package util

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// Now returns the current time. Tests replace it to pin the clock.
var Now = time.Now

// ReadFile reads a file
func ReadFile(file string) ([]byte, error) {
	bytes, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read file '%s'", file)
	}
	return bytes, nil
}

// WriteFile writes a file, creating its parent directory if needed
func WriteFile(file string, buf []byte, perm os.FileMode) error {
	dir := path.Dir(file)
	if !FileExists(dir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "Failed to create directory '%s' for file '%s'", dir, file)
		}
	}
	if err := ioutil.WriteFile(file, buf, perm); err != nil {
		return errors.Wrapf(err, "Failed to write file '%s'", file)
	}
	return nil
}

// FileExists checks to see if a file exists
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// MakeFileAbs makes 'file' absolute relative to 'dir' if not already absolute
func MakeFileAbs(file, dir string) (string, error) {
	if file == "" {
		return "", nil
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	abs, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", errors.Wrapf(err, "Failed making '%s' absolute based on '%s'", file, dir)
	}
	return abs, nil
}

// MakeFileNamesAbsolute makes all file names in the list absolute, relative to home
func MakeFileNamesAbsolute(files []*string, home string) error {
	for _, filePtr := range files {
		abs, err := MakeFileAbs(*filePtr, home)
		if err != nil {
			return err
		}
		*filePtr = abs
	}
	return nil
}

// GetDefaultConfigFile gets the default path for the config file to display in usage message
func GetDefaultConfigFile(cmdName string) string {
	fname := fmt.Sprintf("%s-config.yaml", cmdName)
	var home string
	if os.Getenv("REVOCATION_SERVER_HOME") != "" {
		home = os.Getenv("REVOCATION_SERVER_HOME")
	} else if os.Getenv("FABRIC_CFG_PATH") != "" {
		home = path.Join(os.Getenv("FABRIC_CFG_PATH"), cmdName)
	} else {
		home = "$HOME/.fabric-revocation"
	}
	return path.Join(home, fname)
}

// ValidateAndReturnAbsConf checks to see that there are no conflicts between the
// configuration file path and home directory. If no conflicts, returns back the absolute
// path for the configuration file and home directory.
func ValidateAndReturnAbsConf(configFilePath, homeDir, cmdName string) (string, string, error) {
	var err error
	var homeDirSet bool
	var configFileSet bool

	defaultConfig := GetDefaultConfigFile(cmdName)

	if configFilePath == "" {
		configFilePath = defaultConfig
	} else {
		configFileSet = true
	}

	if homeDir == "" {
		homeDir = filepath.Dir(defaultConfig)
	} else {
		homeDirSet = true
	}

	homeDir, err = filepath.Abs(homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of home directory")
	}
	homeDir = filepath.Clean(homeDir)

	if homeDirSet && !configFileSet {
		configFilePath = filepath.Join(homeDir, cmdName+"-config.yaml")
	}

	configFile, err := MakeFileAbs(configFilePath, homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of configuration file")
	}
	configFile = filepath.Clean(configFile)

	if configFileSet && homeDirSet {
		log.Warning("Using both --config and --home CLI flags; --config will take precedence")
	}
	if configFileSet && !homeDirSet {
		homeDir = filepath.Dir(configFile)
	}

	return configFile, homeDir, nil
}

// GetX509CertificateFromPEM converts a PEM buffer to an X509 Certificate
func GetX509CertificateFromPEM(cert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("Failed to PEM decode certificate")
	}
	x509Cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "Error parsing certificate")
	}
	return x509Cert, nil
}

// Fatal logs a fatal message and exits
func Fatal(format string, v ...interface{}) {
	log.Fatalf(format, v...)
}

// NormalizeStringSlice splits comma separated entries and trims spaces
func NormalizeStringSlice(slice []string) []string {
	var result []string
	for _, item := range slice {
		for _, s := range strings.Split(item, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
	}
	return result
}
