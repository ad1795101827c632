package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI covers the registry write and the events emitted on success.
const RegistryABI = `[
	{"type":"function","name":"register","stateMutability":"nonpayable",
	 "inputs":[{"name":"agentURI","type":"string"}],
	 "outputs":[{"name":"agentId","type":"uint256"}]},
	{"type":"event","name":"Registered","anonymous":false,"inputs":[
		{"name":"agentId","type":"uint256","indexed":true},
		{"name":"agentURI","type":"string","indexed":false},
		{"name":"owner","type":"address","indexed":true}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]}
]`

const registrationType = "https://eips.ethereum.org/EIPS/eip-8004#registration-v1"

// Registration is the document stored on chain as the record URI.
type Registration struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Framework   string    `json:"framework,omitempty"`
	Services    []Service `json:"services,omitempty"`
	X402Support bool      `json:"x402Support"`
	Active      bool      `json:"active"`
}

type Service struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

func NewRegistration(name, framework string) Registration {
	return Registration{
		Type:        registrationType,
		Name:        name,
		Description: fmt.Sprintf("%s, an AI agent (%s) registered through a paid x402 action.", name, framework),
		Framework:   framework,
		X402Support: true,
		Active:      true,
	}
}

// DataURI encodes r as a base64 JSON data URI.
func (r Registration) DataURI() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString(b), nil
}

// Registry builds calls against one registry contract.
type Registry struct {
	address common.Address
	abi     abi.ABI
}

func NewRegistry(address string) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid registry address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &Registry{address: common.HexToAddress(address), abi: parsed}, nil
}

func (r *Registry) Address() common.Address {
	return r.address
}

// RegisterCall packs register(string) for reg.
func (r *Registry) RegisterCall(reg Registration) (Call, error) {
	uri, err := reg.DataURI()
	if err != nil {
		return Call{}, fmt.Errorf("encode registration: %w", err)
	}
	data, err := r.abi.Pack("register", uri)
	if err != nil {
		return Call{}, fmt.Errorf("failed to pack method call: %w", err)
	}
	return Call{To: r.address, Data: data, Label: "register"}, nil
}
