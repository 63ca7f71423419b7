package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrEmptyBytecode is returned when an artifact carries no creation code.
var ErrEmptyBytecode = errors.New("artifact has no bytecode")

// Artifact is a compiled contract ready to deploy.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// solcArtifact matches both the Hardhat and Foundry JSON layouts.
type solcArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// LoadArtifact reads creation code from path. A .json file is parsed as a
// compiler artifact whose abi, when present, replaces the built-in one;
// anything else is read as hex bytecode.
func LoadArtifact(name, path string) (*Artifact, error) {
	builtin, err := BuiltinABI(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s artifact: %w", name, err)
	}

	art := &Artifact{Name: name, ABI: builtin}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := art.fromJSON(raw); err != nil {
			return nil, fmt.Errorf("parse %s artifact %s: %w", name, path, err)
		}
	} else {
		code, err := decodeHexCode(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s bytecode %s: %w", name, path, err)
		}
		art.Bytecode = code
	}
	if len(art.Bytecode) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmptyBytecode)
	}
	return art, nil
}

func (a *Artifact) fromJSON(raw []byte) error {
	var sa solcArtifact
	if err := json.Unmarshal(raw, &sa); err != nil {
		return err
	}
	if len(sa.ABI) > 0 && string(sa.ABI) != "null" {
		parsed, err := abi.JSON(strings.NewReader(string(sa.ABI)))
		if err != nil {
			return fmt.Errorf("abi: %w", err)
		}
		a.ABI = parsed
	}

	// "bytecode" is a plain string (Hardhat) or {"object": "..."} (Foundry).
	var code string
	if err := json.Unmarshal(sa.Bytecode, &code); err != nil {
		var obj struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(sa.Bytecode, &obj); err != nil {
			return fmt.Errorf("bytecode: %w", err)
		}
		code = obj.Object
	}
	decoded, err := decodeHexCode(code)
	if err != nil {
		return fmt.Errorf("bytecode: %w", err)
	}
	a.Bytecode = decoded
	return nil
}

func decodeHexCode(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// DeployData returns creation code followed by the encoded constructor args.
func (a *Artifact) DeployData(args ...interface{}) ([]byte, error) {
	packed, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("encode %s constructor: %w", a.Name, err)
	}
	data := make([]byte, 0, len(a.Bytecode)+len(packed))
	data = append(data, a.Bytecode...)
	return append(data, packed...), nil
}
