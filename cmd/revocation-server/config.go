/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib"
	"github.com/hyperledger/fabric-revocation/util"
	"github.com/pkg/errors"
)

const (
	longName     = "Hyperledger Fabric Credential Revocation Server"
	shortName    = "revocation server"
	cmdName      = "revocation-server"
	envVarPrefix = "REVOCATION_SERVER"
)

const (
	defaultCfgTemplate = `#############################################################################
#   This is a configuration file for the revocation-server command.
#
#   COMMAND LINE ARGUMENTS AND ENVIRONMENT VARIABLES
#   ------------------------------------------------
#   Each configuration element can be overridden via command line
#   arguments or environment variables.  The precedence for determining
#   the value of each element is as follows:
#   1) command line argument
#      Examples:
#      a) --revocation.epoch.interval 30s
#         To set the "interval" element in the "revocation.epoch" section
#   2) environment variable
#      Examples:
#      a) REVOCATION_SERVER_REVOCATION_EPOCH_INTERVAL=30s
#         note the '_' separator character.
#   3) configuration file
#   4) default value (if there is one)
#      All default values are shown beside each element below.
#
#   FILE NAME ELEMENTS
#   ------------------
#   The value of all fields whose name ends with "file", "files" or "dir"
#   are names of other files.  If the value is not an absolute path, it is
#   interpreted as being relative to the location of this configuration file.
#
#############################################################################

# Enables debug logging (default: false)
debug: false

# Logging level (default: info)
loglevel: info

# Issuers onboarded at startup, unless already stored
issuers: <<<ISSUERS>>>

#############################################################################
#  Accumulator group parameters
#
#  The public parameters are generated by 'revocation-server init'.  Under
#  the 'trapdoor' witness policy the factorization is written to trapdoorfile,
#  which only the setup custodian should be able to read.
#############################################################################
params:
  publicfile: params.pem
  trapdoorfile: params-trapdoor.pem

#############################################################################
#  Revocation store
#
#  Supported types are "sqlite3", "postgres", "mysql", "leveldb" and
#  "memory".  The datasource of sqlite3 is a file name; the datasource of
#  postgres and mysql is a connection string, for example:
#    host=localhost port=5432 user=Username password=Password dbname=revocation sslmode=verify-full
#    root:rootpw@tcp(localhost:3306)/revocation?parseTime=true&tls=custom
#############################################################################
store:
  type: sqlite3
  datasource: revocation-server.db
  tls:
    certfiles:
    client:
      certfile:
      keyfile:
  leveldb:
    dir: leveldb
    sync: false

#############################################################################
#  Anchoring of committed accumulator values
#
#  "log" writes every anchor record to the server log; "none" disables
#  anchoring.  Records wait in the store until they are submitted.
#############################################################################
anchor:
  ledger: log

#############################################################################
#  Revocation engine
#############################################################################
revocation:
  # Size in bits of the accumulator modulus created by init
  securitybits: 2048
  # "public" discards the factorization after setup; "trapdoor" keeps it
  witnesspolicy: public
  # Replay the prime history of every issuer at startup
  verifyonload: true
  prime:
    bits: 256
    retrybudget: 4096
    domain: fabric-revocation/prime/v1
  # Membership filter of a newly onboarded issuer
  filter:
    capacity: 100000
    fprate: 0.01
  epoch:
    # Close every open epoch at this interval, 0 disables the timer
    interval: 1m
    # Close the epoch of an issuer after this many revocations, 0 disables
    maxrevocations: 0
    # Time a close waits for its commit
    committimeout: 30s

#############################################################################
#  Operations server: metrics, health checks, version and issuer status
#############################################################################
operations:
  listenaddress: 127.0.0.1:9443
  tls:
    enabled: false
    certfile:
    keyfile:
    clientcertrequired: false
    clientcacertfiles: []
  metrics:
    # "prometheus", "statsd" or "disabled"
    provider: disabled
    statsd:
      network: udp
      address: 127.0.0.1:8125
      writeinterval: 10s
      prefix: server
`
)

var (
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"
)

// Initialize config
func (s *ServerCmd) configInit() (err error) {
	if !s.configRequired() {
		return nil
	}

	s.cfgFileName, s.homeDirectory, err = util.ValidateAndReturnAbsConf(s.cfgFileName, s.homeDirectory, cmdName)
	if err != nil {
		return err
	}

	log.Debugf("Home directory: %s", s.homeDirectory)

	// If the config file doesn't exist, create a default one
	if !util.FileExists(s.cfgFileName) {
		err = s.createDefaultConfigFile()
		if err != nil {
			return errors.WithMessage(err, "Failed to create default configuration file")
		}
		log.Infof("Created default configuration file at %s", s.cfgFileName)
	} else {
		log.Infof("Configuration file location: %s", s.cfgFileName)
	}

	// Read the config
	s.myViper.AutomaticEnv() // read in environment variables that match
	return lib.UnmarshalConfig(s.cfg, s.myViper, s.cfgFileName)
}

func (s *ServerCmd) createDefaultConfigFile() error {
	issuers := util.NormalizeStringSlice(s.myViper.GetStringSlice("issuers"))
	for _, name := range issuers {
		if strings.ContainsAny(name, "[]:#") {
			return errors.Errorf("Issuer name '%s' may not contain '[', ']', ':' or '#'", name)
		}
	}

	// Do string substitution to get the default config
	cfg := strings.Replace(defaultCfgTemplate, "<<<ISSUERS>>>", "["+strings.Join(issuers, ", ")+"]", 1)

	// Now write the file
	cfgDir := filepath.Dir(s.cfgFileName)
	err := os.MkdirAll(cfgDir, 0755)
	if err != nil {
		return err
	}
	return util.WriteFile(s.cfgFileName, []byte(cfg), 0644)
}
