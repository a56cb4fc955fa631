/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package util

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// TagDefault is the tag name for a default value of a field as recognized
	// by RegisterFlags.
	TagDefault = "def"
	// TagHelp is the tag name for a help message of a field as recognized
	// by RegisterFlags.
	TagHelp = "help"
	// TagOpt is the tag name for a one character option of a field as recognized
	// by RegisterFlags.  For example, a value of "d" reserves "-d" for the
	// command line argument.
	TagOpt = "opt"
	// TagSkip is the tag name which causes the field to be skipped by
	// RegisterFlags.
	TagSkip = "skip"
)

// CmdRunBegin is called at the beginning of each cobra run function
func CmdRunBegin(v *viper.Viper) {
	// If -d or --debug, set debug logging level
	if v.GetBool("debug") {
		log.Level = log.LevelDebug
	}
}

// FlagString sets up a flag for a string, binding it to its name
func FlagString(v *viper.Viper, flags *pflag.FlagSet, name, short string, def string, desc string) {
	flags.StringP(name, short, def, desc)
	bindFlag(v, flags, name)
}

// FlagInt sets up a flag for an int, binding it to its name
func FlagInt(v *viper.Viper, flags *pflag.FlagSet, name, short string, def int, desc string) {
	flags.IntP(name, short, def, desc)
	bindFlag(v, flags, name)
}

// FlagBool sets up a flag for a bool, binding it to its name
func FlagBool(v *viper.Viper, flags *pflag.FlagSet, name, short string, def bool, desc string) {
	flags.BoolP(name, short, def, desc)
	bindFlag(v, flags, name)
}

// common binding function
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Errorf("failed to lookup '%s'", name))
	}
	v.BindPFlag(name, flag)
}

// RegisterFlags registers flags for all fields in an arbitrary 'config' object.
// This method recognizes the following field tags:
// "def" - the default value of the field;
// "opt" - the optional one character short name to use on the command line;
// "help" - the help message to display on the command line;
// "skip" - to skip the field.
// The flag name of a field is its lower cased path, with '.' between levels.
// Entries of 'tags' keyed by "help.<flag name>" override the help tag.
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet, config interface{}, tags map[string]string) error {
	fr := &flagRegistrar{
		flags: flags,
		tags:  tags,
		viper: v,
	}
	return fr.walk(reflect.ValueOf(config), "")
}

type flagRegistrar struct {
	flags *pflag.FlagSet
	tags  map[string]string
	viper *viper.Viper
}

func (fr *flagRegistrar) walk(val reflect.Value, prefix string) error {
	for val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return errors.Errorf("Cannot register flags for a value of kind %s", val.Kind())
	}
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" || field.Tag.Get(TagSkip) == "true" {
			continue
		}
		name := strings.ToLower(field.Name)
		if prefix != "" {
			name = prefix + "." + name
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct || (fv.Kind() == reflect.Ptr && fv.Type().Elem().Kind() == reflect.Struct) {
			if err := fr.walk(fv, name); err != nil {
				return err
			}
			continue
		}
		if err := fr.register(name, field, fv.Kind()); err != nil {
			return err
		}
	}
	return nil
}

func (fr *flagRegistrar) register(name string, field reflect.StructField, kind reflect.Kind) error {
	help := field.Tag.Get(TagHelp)
	if h, ok := fr.tags["help."+name]; ok {
		help = h
	}
	if help == "" {
		log.Debugf("Not registering flag for '%s' because it has no help message", name)
		return nil
	}
	def := field.Tag.Get(TagDefault)
	opt := field.Tag.Get(TagOpt)
	switch kind {
	case reflect.String:
		fr.flags.StringP(name, opt, def, help)
	case reflect.Int:
		var intDef int
		if def != "" {
			n, err := strconv.Atoi(def)
			if err != nil {
				return errors.Errorf("Invalid integer default value '%s' for field '%s'", def, name)
			}
			intDef = n
		}
		fr.flags.IntP(name, opt, intDef, help)
	case reflect.Uint:
		var uintDef uint
		if def != "" {
			n, err := strconv.ParseUint(def, 10, 0)
			if err != nil {
				return errors.Errorf("Invalid unsigned default value '%s' for field '%s'", def, name)
			}
			uintDef = uint(n)
		}
		fr.flags.UintP(name, opt, uintDef, help)
	case reflect.Float64:
		var floatDef float64
		if def != "" {
			f, err := strconv.ParseFloat(def, 64)
			if err != nil {
				return errors.Errorf("Invalid float default value '%s' for field '%s'", def, name)
			}
			floatDef = f
		}
		fr.flags.Float64P(name, opt, floatDef, help)
	case reflect.Bool:
		var boolDef bool
		if def != "" {
			b, err := strconv.ParseBool(def)
			if err != nil {
				return errors.Errorf("Invalid boolean default value '%s' for field '%s'", def, name)
			}
			boolDef = b
		}
		fr.flags.BoolP(name, opt, boolDef, help)
	case reflect.Slice:
		if field.Type.Elem().Kind() != reflect.String {
			return errors.Errorf("Field '%s' has unsupported slice type %s", name, field.Type)
		}
		var sliceDef []string
		if def != "" {
			sliceDef = strings.Split(def, ",")
		}
		fr.flags.StringSliceP(name, opt, sliceDef, help)
	default:
		return errors.Errorf("Field '%s' has unsupported type %s", name, field.Type)
	}
	bindFlag(fr.viper, fr.flags, name)
	return nil
}
