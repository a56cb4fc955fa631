/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package accumulator

import (
	"encoding/asn1"
	"encoding/pem"
	"io/ioutil"
	"math/big"

	"github.com/cloudflare/cfssl/log"
	"github.com/hyperledger/fabric-revocation/util"
	"github.com/pkg/errors"
)

const (
	paramsPEMType   = "ACCUMULATOR PARAMETERS"
	trapdoorPEMType = "ACCUMULATOR TRAPDOOR"
)

type paramsASN1 struct {
	Modulus   *big.Int
	Generator *big.Int
}

type trapdoorASN1 struct {
	P *big.Int
	Q *big.Int
}

// EncodeParams PEM encodes the public parameters and, when present, the trapdoor
func EncodeParams(gp *GroupParameters) (public []byte, trapdoor []byte, err error) {
	if gp == nil || gp.Modulus == nil || gp.Generator == nil {
		return nil, nil, errors.New("Group parameters are not set")
	}
	der, err := asn1.Marshal(paramsASN1{Modulus: gp.Modulus, Generator: gp.Generator})
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to encode group parameters")
	}
	public = pem.EncodeToMemory(&pem.Block{Type: paramsPEMType, Bytes: der})
	if gp.Trapdoor == nil {
		return public, nil, nil
	}
	der, err = asn1.Marshal(trapdoorASN1{P: gp.Trapdoor.P, Q: gp.Trapdoor.Q})
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to encode group trapdoor")
	}
	trapdoor = pem.EncodeToMemory(&pem.Block{Type: trapdoorPEMType, Bytes: der})
	return public, trapdoor, nil
}

// DecodeParams decodes parameters encoded by EncodeParams. trapdoor may be nil.
func DecodeParams(public, trapdoor []byte) (*GroupParameters, error) {
	block, _ := pem.Decode(public)
	if block == nil || block.Type != paramsPEMType {
		return nil, errors.New("Failed to decode group parameters PEM block")
	}
	var p paramsASN1
	if _, err := asn1.Unmarshal(block.Bytes, &p); err != nil {
		return nil, errors.Wrap(err, "Failed to parse group parameters")
	}
	gp := &GroupParameters{Modulus: p.Modulus, Generator: p.Generator}
	if len(trapdoor) > 0 {
		block, _ = pem.Decode(trapdoor)
		if block == nil || block.Type != trapdoorPEMType {
			return nil, errors.New("Failed to decode group trapdoor PEM block")
		}
		var t trapdoorASN1
		if _, err := asn1.Unmarshal(block.Bytes, &t); err != nil {
			return nil, errors.Wrap(err, "Failed to parse group trapdoor")
		}
		gp.Trapdoor = &Trapdoor{P: t.P, Q: t.Q}
	}
	if err := gp.Validate(); err != nil {
		return nil, errors.WithMessage(err, "Decoded group parameters are invalid")
	}
	return gp, nil
}

// ParamsFile stores group parameters on disk. The trapdoor, if any, goes to a
// separate file that only the custodian should be able to read.
type ParamsFile struct {
	PublicFile   string
	TrapdoorFile string
}

// Load reads the parameters. A missing trapdoor file yields public-only parameters.
func (pf *ParamsFile) Load() (*GroupParameters, error) {
	public, err := ioutil.ReadFile(pf.PublicFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read group parameters from %s", pf.PublicFile)
	}
	if len(public) == 0 {
		return nil, errors.New("Group parameters file is empty")
	}
	var trapdoor []byte
	if pf.TrapdoorFile != "" && util.FileExists(pf.TrapdoorFile) {
		trapdoor, err = ioutil.ReadFile(pf.TrapdoorFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to read group trapdoor from %s", pf.TrapdoorFile)
		}
	}
	return DecodeParams(public, trapdoor)
}

// Store writes the parameters
func (pf *ParamsFile) Store(gp *GroupParameters) error {
	public, trapdoor, err := EncodeParams(gp)
	if err != nil {
		return err
	}
	if err = util.WriteFile(pf.PublicFile, public, 0644); err != nil {
		log.Errorf("Failed to store group parameters: %s", err.Error())
		return errors.Wrapf(err, "Failed to store group parameters at %s", pf.PublicFile)
	}
	if trapdoor != nil {
		if pf.TrapdoorFile == "" {
			return errors.New("Parameters carry a trapdoor but no trapdoor file is configured")
		}
		if err = util.WriteFile(pf.TrapdoorFile, trapdoor, 0600); err != nil {
			log.Errorf("Failed to store group trapdoor: %s", err.Error())
			return errors.Wrapf(err, "Failed to store group trapdoor at %s", pf.TrapdoorFile)
		}
	}
	log.Infof("The accumulator group parameters were successfully stored at %s", pf.PublicFile)
	return nil
}
