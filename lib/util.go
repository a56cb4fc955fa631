/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package lib

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// UnmarshalConfig reads configFile into vp and decodes the merged settings
// (flags, environment, file and defaults) into config
func UnmarshalConfig(config interface{}, vp *viper.Viper, configFile string) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}
	err = DecodeConfig(vp.AllSettings(), config)
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}
	return nil
}

// DecodeConfig decodes settings into config. Durations may be given as
// strings and lists as "[a, b]" strings.
func DecodeConfig(settings map[string]interface{}, config interface{}) error {
	dc := &mapstructure.DecoderConfig{
		Result:           config,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			bracketListHook,
		),
	}
	decoder, err := mapstructure.NewDecoder(dc)
	if err != nil {
		return err
	}
	return decoder.Decode(settings)
}

func bracketListHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Slice {
		return data, nil
	}
	raw := data.(string)
	if l := len(raw); l > 1 && raw[0] == '[' && raw[l-1] == ']' {
		raw = raw[1 : l-1]
	}
	var list []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return list, nil
}
