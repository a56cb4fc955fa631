/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/lib"
	"github.com/hyperledger/fabric-revocation/lib/metadata"
	"github.com/hyperledger/fabric-revocation/lib/revocation"
	"github.com/hyperledger/fabric-revocation/util"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	version     = "version"
	profileMode = "REVOCATION_SERVER_PROFILE_MODE"
)

// blockingStart is cleared by tests so that start returns once serving
var blockingStart = true

// ServerCmd encapsulates cobra command that provides command line interface
// for the revocation server and the configuration used by the revocation server
type ServerCmd struct {
	// name of the revocation-server command (init, start, revoke, ...)
	name string
	// rootCmd is the cobra command
	rootCmd *cobra.Command
	// My viper instance
	myViper *viper.Viper
	// blockingStart indicates whether to block after starting the server or not
	blockingStart bool
	// cfgFileName is the name of the configuration file
	cfgFileName string
	// homeDirectory is the location of the server's home directory
	homeDirectory string
	// serverCfg is the server's configuration
	cfg *lib.ServerConfig
	// server is the server built for the running command
	server *lib.Server
	// profileInst is the profiling instance object
	profileInst interface {
		Stop()
	}
}

// NewCommand returns new ServerCmd ready for running
func NewCommand(name string, blockingStart bool) *ServerCmd {
	s := &ServerCmd{
		name:          name,
		blockingStart: blockingStart,
		myViper:       viper.New(),
	}
	s.init()
	return s
}

// Execute runs this ServerCmd
func (s *ServerCmd) Execute() error {
	return s.rootCmd.Execute()
}

// init initializes the ServerCmd instance
// It intializes the cobra root and sub commands and
// registers command flgs with viper
func (s *ServerCmd) init() {
	// root command
	rootCmd := &cobra.Command{
		Use:   cmdName,
		Short: longName,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := s.checkAndEnableProfiling()
			if err != nil {
				return err
			}
			err = s.configInit()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			util.CmdRunBegin(s.myViper)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.profileInst != nil {
				s.profileInst.Stop()
				s.profileInst = nil
			}
			return nil
		},
	}
	s.rootCmd = rootCmd

	// initCmd represents the server init command
	initCmd := &cobra.Command{
		Use:   "init",
		Short: fmt.Sprintf("Initialize the %s", shortName),
		Long:  "Generate the accumulator group parameters and the revocation store if they don't already exist",
	}
	initCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, initCmd.UsageString())
		}
		srv := s.getServer()
		err := srv.Init(false)
		if err != nil {
			return errors.WithMessage(err, "Initialization failure")
		}
		defer srv.Close()
		log.Info("Initialization was successful")
		return nil
	}
	s.rootCmd.AddCommand(initCmd)

	// startCmd represents the server start command
	startCmd := &cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start the %s", shortName),
	}
	startCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, startCmd.UsageString())
		}
		return s.getServer().Start()
	}
	s.rootCmd.AddCommand(startCmd)

	s.rootCmd.AddCommand(s.newOnboardCommand())
	s.rootCmd.AddCommand(s.newRevokeCommand())
	s.rootCmd.AddCommand(s.newCheckCommand())
	s.rootCmd.AddCommand(s.newCloseCommand())
	s.rootCmd.AddCommand(s.newReinstateCommand())

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints revocation server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), metadata.GetVersionInfo(cmdName))
		},
	}
	s.rootCmd.AddCommand(versionCmd)
	s.registerFlags()
}

// registerFlags registers command flags with viper
func (s *ServerCmd) registerFlags() {
	// Get the default config file path
	cfg := util.GetDefaultConfigFile(cmdName)

	// All env variables must be prefixed
	s.myViper.SetEnvPrefix(envVarPrefix)
	s.myViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set specific global flags used by all commands
	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	// Don't want to use the default parameter for StringVarP. Need to be able to identify if home directory was explicitly set
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", fmt.Sprintf("Server's home directory (default \"%s\")", filepath.Dir(cfg)))

	// Register flags for all tagged and exported fields in the config
	s.cfg = &lib.ServerConfig{}
	tags := map[string]string{
		"help.store.tls.certfiles": "A list of comma-separated PEM-encoded trusted certificate files of the database server",
	}
	err := util.RegisterFlags(s.myViper, pflags, s.cfg, tags)
	if err != nil {
		panic(err)
	}
}

// checkAndEnableProfiling checks for the REVOCATION_SERVER_PROFILE_MODE
// env variable, if it is set to "cpu", cpu profiling is enabled;
// if it is set to "heap", heap profiling is enabled
func (s *ServerCmd) checkAndEnableProfiling() error {
	mode := strings.ToLower(os.Getenv(profileMode))
	if mode == "" {
		return nil
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = os.Getenv("HOME")
	}
	opt := profile.ProfilePath(wd)
	switch mode {
	case "cpu":
		s.profileInst = profile.Start(opt, profile.CPUProfile, profile.NoShutdownHook)
	case "heap":
		s.profileInst = profile.Start(opt, profile.MemProfileRate(2048), profile.NoShutdownHook)
	default:
		return errors.Errorf("Invalid value for the %s environment variable; found '%s', expecting 'cpu' or 'heap'",
			profileMode, mode)
	}
	return nil
}

// Configuration file is not required for some commands like version
func (s *ServerCmd) configRequired() bool {
	return s.name != version
}

// getServer returns a lib.Server for the init and start commands
func (s *ServerCmd) getServer() *lib.Server {
	if s.server == nil {
		s.server = &lib.Server{
			HomeDir:       s.homeDirectory,
			Config:        s.cfg,
			BlockingStart: s.blockingStart,
		}
	}
	return s.server
}

// withCoordinator runs fn against an initialized server, then commits and
// releases it. Admin commands work on the store directly and must not be
// run against a store a started server is using.
func (s *ServerCmd) withCoordinator(fn func(ctx context.Context, c *revocation.Coordinator) error) error {
	srv := s.getServer()
	if err := srv.Init(false); err != nil {
		return err
	}
	defer srv.Close()
	ctx := context.Background()
	if err := fn(ctx, srv.Coordinator()); err != nil {
		return err
	}
	if _, err := srv.Coordinator().FlushAnchors(ctx); err != nil {
		log.Warningf("Anchor records stay queued: %s", err)
	}
	return nil
}
